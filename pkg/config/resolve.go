package config

import (
	"strconv"
	"strings"

	"github.com/quarryhq/gristmill/pkg/apperrors"
)

// Override keys recognized at resolution time. Unknown keys in the override
// map are ignored so that resource-level parameters can share the query
// string without being rejected here.
const (
	KeyServer      = "server"
	KeyOrgID       = "org_id"
	KeyAPIKey      = "api_key"
	KeyCache       = "cache"
	KeyMetadataTTL = "metadata_ttl"
	KeyRecordsTTL  = "records_ttl"
	KeyMaxSize     = "maxsize"
	KeyBackend     = "backend"
	KeyFilename    = "filename"
	KeyCachePath   = "cachepath"
	KeyRedisAddr   = "redis_addr"
)

// Resolve merges the three configuration layers into one effective
// configuration. A field present at a higher-precedence source always wins.
// Resolution is pure: no I/O, no mutation of the inputs.
func Resolve(defaults Effective, session *Settings, overrides map[string]string) (*Effective, error) {
	eff := defaults

	if session != nil {
		applySession(&eff, session)
	}
	if err := applyOverrides(&eff, overrides); err != nil {
		return nil, err
	}
	if err := validate(&eff); err != nil {
		return nil, err
	}
	return &eff, nil
}

func applySession(eff *Effective, s *Settings) {
	if s.Server != "" {
		eff.Server = s.Server
	}
	if s.OrgID != "" {
		eff.OrgID = s.OrgID
	}
	if s.APIKey != "" {
		eff.APIKey = s.APIKey
	}

	c := s.Cache
	if c.Enabled != nil {
		eff.Cache.Enabled = *c.Enabled
	}
	if c.MetadataTTL != nil {
		eff.Cache.MetadataTTL = *c.MetadataTTL
	}
	if c.RecordsTTL != nil {
		eff.Cache.RecordsTTL = *c.RecordsTTL
	}
	if c.MaxEntries != nil {
		eff.Cache.MaxEntries = *c.MaxEntries
	}
	if c.Backend != "" {
		eff.Cache.Backend = c.Backend
	}
	if c.Dir != "" {
		eff.Cache.Dir = c.Dir
	}
	if c.Filename != "" {
		eff.Cache.Filename = c.Filename
	}
	if c.RedisAddr != "" {
		eff.Cache.RedisAddr = c.RedisAddr
	}
}

func applyOverrides(eff *Effective, overrides map[string]string) error {
	for key, value := range overrides {
		switch key {
		case KeyServer:
			eff.Server = value
		case KeyOrgID:
			eff.OrgID = value
		case KeyAPIKey:
			eff.APIKey = value
		case KeyCache:
			enabled, err := parseBool(key, value)
			if err != nil {
				return err
			}
			eff.Cache.Enabled = enabled
		case KeyMetadataTTL:
			n, err := parseInt(key, value)
			if err != nil {
				return err
			}
			eff.Cache.MetadataTTL = n
		case KeyRecordsTTL:
			n, err := parseInt(key, value)
			if err != nil {
				return err
			}
			eff.Cache.RecordsTTL = n
		case KeyMaxSize:
			n, err := parseInt(key, value)
			if err != nil {
				return err
			}
			eff.Cache.MaxEntries = n
		case KeyBackend:
			eff.Cache.Backend = value
		case KeyFilename:
			eff.Cache.Filename = value
		case KeyCachePath:
			eff.Cache.Dir = value
		case KeyRedisAddr:
			eff.Cache.RedisAddr = value
		default:
			// Unknown keys pass through the resource layer untouched and are
			// not this resolver's concern.
		}
	}
	return nil
}

func validate(eff *Effective) error {
	if eff.Server == "" {
		return apperrors.NewConfigError(KeyServer, "Grist server URL is required")
	}
	if eff.OrgID == "" {
		return apperrors.NewConfigError(KeyOrgID, "org ID is required")
	}
	if eff.APIKey == "" {
		return apperrors.NewConfigError(KeyAPIKey, "Grist API key is required")
	}

	if eff.Cache.MetadataTTL < 0 {
		return apperrors.NewConfigError(KeyMetadataTTL, "must be non-negative, got %d", eff.Cache.MetadataTTL)
	}
	if eff.Cache.RecordsTTL < 0 {
		return apperrors.NewConfigError(KeyRecordsTTL, "must be non-negative, got %d", eff.Cache.RecordsTTL)
	}
	if eff.Cache.MaxEntries < 0 {
		return apperrors.NewConfigError(KeyMaxSize, "must be non-negative, got %d", eff.Cache.MaxEntries)
	}

	switch eff.Cache.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return apperrors.NewConfigError(KeyBackend, "unsupported backend %q", eff.Cache.Backend)
	}

	// The durable store file must stay inside its configured directory.
	if strings.ContainsAny(eff.Cache.Filename, `/\`) {
		return apperrors.NewConfigError(KeyFilename, "must be a bare file name, got %q", eff.Cache.Filename)
	}
	return nil
}

func parseInt(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, apperrors.NewConfigError(key, "must be an integer, got %q", value)
	}
	return n, nil
}

func parseBool(key, value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, apperrors.NewConfigError(key, "must be a boolean, got %q", value)
	}
}
