package grist

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarryhq/gristmill/pkg/apperrors"
	"github.com/quarryhq/gristmill/pkg/logging"
	"github.com/quarryhq/gristmill/pkg/retry"
)

// DefaultTimeout bounds a single request when the caller's context carries
// no earlier deadline.
const DefaultTimeout = 10 * time.Second

const defaultUserAgent = "gristmill/1.0"

// maxLoggedErrorLen caps error strings in debug logs; decode failures can
// drag in big chunks of the response body.
const maxLoggedErrorLen = 256

// Client is the read surface of the Grist REST API used by the engine.
// Implementations must be safe for concurrent use.
type Client interface {
	ListOrgs(ctx context.Context) ([]Org, error)
	ListWorkspaces(ctx context.Context, orgID string) ([]Workspace, error)
	ListDocs(ctx context.Context, orgID string, workspaceID int64) ([]DocInfo, error)
	ListTables(ctx context.Context, docID string) ([]Table, error)
	ListColumns(ctx context.Context, docID, tableID string) ([]Column, error)
	GetRecords(ctx context.Context, docID, tableID string, params RecordParams) ([]Record, error)
}

// ClientConfig configures the HTTP client. Server and APIKey are required;
// everything else has a usable zero value.
type ClientConfig struct {
	Server    string
	APIKey    string
	UserAgent string

	HTTPClient *http.Client
	Logger     *zap.Logger
	Retry      *retry.Config

	// RequestsPerSecond caps the outbound request rate. Zero disables the
	// limiter.
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient is the production Client. It retries transient failures
// (429, 5xx, transport errors) with exponential backoff and optionally
// rate-limits outbound calls.
type HTTPClient struct {
	server    string
	apiKey    string
	userAgent string
	http      *http.Client
	limiter   *rate.Limiter
	retryCfg  *retry.Config
	logger    *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client for the given server and API key.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	retryCfg := cfg.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &HTTPClient{
		server:    strings.TrimRight(cfg.Server, "/"),
		apiKey:    cfg.APIKey,
		userAgent: userAgent,
		http:      httpClient,
		limiter:   limiter,
		retryCfg:  retryCfg,
		logger:    logger,
	}
}

func (c *HTTPClient) ListOrgs(ctx context.Context) ([]Org, error) {
	var orgs []Org
	if err := c.getJSON(ctx, "/api/orgs", nil, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

func (c *HTTPClient) ListWorkspaces(ctx context.Context, orgID string) ([]Workspace, error) {
	var workspaces []Workspace
	path := "/api/orgs/" + url.PathEscape(orgID) + "/workspaces"
	if err := c.getJSON(ctx, path, nil, &workspaces); err != nil {
		return nil, err
	}
	return workspaces, nil
}

// ListDocs flattens the workspace listing into one entry per document.
// A workspaceID of zero includes every workspace of the organization.
func (c *HTTPClient) ListDocs(ctx context.Context, orgID string, workspaceID int64) ([]DocInfo, error) {
	workspaces, err := c.ListWorkspaces(ctx, orgID)
	if err != nil {
		return nil, err
	}
	var docs []DocInfo
	for _, ws := range workspaces {
		if workspaceID != 0 && ws.ID != workspaceID {
			continue
		}
		for _, doc := range ws.Docs {
			docs = append(docs, DocInfo{
				WorkspaceID:     ws.ID,
				WorkspaceName:   ws.Name,
				WorkspaceAccess: ws.Access,
				OrgDomain:       ws.OrgDomain,
				Doc:             doc,
			})
		}
	}
	return docs, nil
}

func (c *HTTPClient) ListTables(ctx context.Context, docID string) ([]Table, error) {
	var payload struct {
		Tables []Table `json:"tables"`
	}
	path := "/api/docs/" + url.PathEscape(docID) + "/tables"
	if err := c.getJSON(ctx, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Tables, nil
}

func (c *HTTPClient) ListColumns(ctx context.Context, docID, tableID string) ([]Column, error) {
	var payload struct {
		Columns []Column `json:"columns"`
	}
	path := "/api/docs/" + url.PathEscape(docID) + "/tables/" + url.PathEscape(tableID) + "/columns"
	if err := c.getJSON(ctx, path, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Columns, nil
}

func (c *HTTPClient) GetRecords(ctx context.Context, docID, tableID string, params RecordParams) ([]Record, error) {
	query, err := params.encode()
	if err != nil {
		return nil, err
	}
	var payload struct {
		Records []Record `json:"records"`
	}
	path := "/api/docs/" + url.PathEscape(docID) + "/tables/" + url.PathEscape(tableID) + "/records"
	if err := c.getJSON(ctx, path, query, &payload); err != nil {
		return nil, err
	}
	return payload.Records, nil
}

// encode renders the pushdown parameters as a /records query string. The
// sort defaults to the row id so result order is stable, and the limit is
// always present because zero is how the API spells "all rows".
func (p RecordParams) encode() (url.Values, error) {
	query := url.Values{}
	if len(p.Filter) > 0 {
		encoded, err := json.Marshal(p.Filter)
		if err != nil {
			return nil, fmt.Errorf("encoding records filter: %w", err)
		}
		query.Set("filter", string(encoded))
	}
	sort := p.Sort
	if sort == "" {
		sort = "id"
	}
	query.Set("sort", sort)
	if strings.Contains(sort, "manualSort") {
		// Sorting by manualSort needs the hidden column included.
		query.Set("hidden", "true")
	}
	limit := p.Limit
	if limit < 0 {
		limit = 0
	}
	query.Set("limit", strconv.Itoa(limit))
	return query, nil
}

// getJSON performs one GET with auth headers, retries transient failures,
// and decodes the body into out.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.server + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	start := time.Now()
	body, err := retry.DoWithResult(ctx, c.retryCfg, func() ([]byte, error) {
		return c.fetch(ctx, path, endpoint)
	})
	if err != nil {
		c.logger.Debug("grist request failed",
			zap.String("url", logging.SanitizeURL(endpoint)),
			zap.String("error", logging.TruncateString(logging.SanitizeError(err), maxLoggedErrorLen)))
		return err
	}
	c.logger.Debug("grist request",
		zap.String("url", logging.SanitizeURL(endpoint)),
		zap.Duration("elapsed", time.Since(start)))

	if err := json.Unmarshal(body, out); err != nil {
		return &apperrors.RemoteError{Endpoint: path, Cause: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

func (c *HTTPClient) fetch(ctx context.Context, path, endpoint string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &retry.Permanent{Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &retry.Permanent{Err: &apperrors.RemoteError{Endpoint: path, Cause: err}}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport errors are worth retrying.
		return nil, &apperrors.RemoteError{Endpoint: path, Cause: err}
	}
	defer resp.Body.Close()

	if retryableStatus(resp.StatusCode) {
		return nil, &apperrors.RemoteError{Endpoint: path, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &retry.Permanent{Err: &apperrors.RemoteError{Endpoint: path, StatusCode: resp.StatusCode}}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperrors.RemoteError{Endpoint: path, Cause: err}
	}
	return body, nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
