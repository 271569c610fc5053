package logging

import (
	"regexp"
)

// RedactedText is the replacement text for sensitive data.
const RedactedText = "[REDACTED]"

var (
	// Bearer tokens as sent in the Authorization header.
	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_.]+`)

	// API keys embedded in URLs, query strings or error text
	// (api_key=xxx, apikey=xxx, key=xxx).
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]+`)

	// user:pass@host credentials inside URLs.
	urlCredsPattern = regexp.MustCompile(`://[^/:@\s]+:[^@\s]+@`)
)

// SanitizeURL removes credential material from a URL before logging.
func SanitizeURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	sanitized := apiKeyPattern.ReplaceAllString(rawURL, "${1}="+RedactedText)
	return urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
}

// SanitizeError sanitizes an error message that might contain the API key or
// a credentialed URL. Use this before logging any error from remote calls.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := bearerPattern.ReplaceAllString(err.Error(), "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return urlCredsPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
