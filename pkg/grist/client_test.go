package grist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryhq/gristmill/pkg/apperrors"
	"github.com/quarryhq/gristmill/pkg/retry"
)

func fastRetry() *retry.Config {
	return &retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(ClientConfig{
		Server: server.URL,
		APIKey: "test-key",
		Retry:  fastRetry(),
	})
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte(`[]`))
	})

	_, err := client.ListOrgs(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer test-key", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, defaultUserAgent, got.Get("User-Agent"))
}

func TestListOrgs(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orgs", r.URL.Path)
		w.Write([]byte(`[{"id":1,"name":"Acme","domain":"acme"}]`))
	})

	orgs, err := client.ListOrgs(context.Background())
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	assert.Equal(t, int64(1), orgs[0].ID)
	assert.Equal(t, "Acme", orgs[0].Name)
}

func TestListTables(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/docs/d1/tables", r.URL.Path)
		w.Write([]byte(`{"tables":[{"id":"People"},{"id":"Pets"}]}`))
	})

	tables, err := client.ListTables(context.Background(), "d1")
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "People", tables[0].ID)
}

func TestListColumns(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/docs/d1/tables/People/columns", r.URL.Path)
		w.Write([]byte(`{"columns":[{"id":"name","fields":{"type":"Text","label":"Name"}}]}`))
	})

	columns, err := client.ListColumns(context.Background(), "d1", "People")
	require.NoError(t, err)
	require.Len(t, columns, 1)
	assert.Equal(t, "name", columns[0].ID)
	assert.Equal(t, "Text", columns[0].Fields.Type)
}

func TestListDocsFlattensWorkspaces(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/orgs/acme/workspaces", r.URL.Path)
		w.Write([]byte(`[
			{"id":1,"name":"Home","access":"owners","orgDomain":"acme",
			 "docs":[{"id":"d1","name":"Doc One","createdAt":"2024-01-01","updatedAt":"2024-02-01"}]},
			{"id":2,"name":"Work","access":"owners","orgDomain":"acme",
			 "docs":[{"id":"d2","name":"Doc Two"},{"id":"d3","name":"Doc Three"}]}
		]`))
	})

	docs, err := client.ListDocs(context.Background(), "acme", 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, int64(1), docs[0].WorkspaceID)
	assert.Equal(t, "d1", docs[0].Doc.ID)

	docs, err = client.ListDocs(context.Background(), "acme", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Work", docs[0].WorkspaceName)
}

func TestGetRecordsParams(t *testing.T) {
	var query map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"records":[{"id":1,"fields":{"name":"alice"}}]}`))
	})

	records, err := client.GetRecords(context.Background(), "d1", "People", RecordParams{
		Filter: map[string][]any{"name": {"alice"}},
		Sort:   "-age",
		Limit:  5,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, "alice", records[0].Fields["name"])

	var filter map[string][]any
	require.NoError(t, json.Unmarshal([]byte(query["filter"][0]), &filter))
	assert.Equal(t, map[string][]any{"name": {"alice"}}, filter)
	assert.Equal(t, []string{"-age"}, query["sort"])
	assert.Equal(t, []string{"5"}, query["limit"])
}

func TestGetRecordsDefaults(t *testing.T) {
	var query map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"records":[]}`))
	})

	_, err := client.GetRecords(context.Background(), "d1", "People", RecordParams{})
	require.NoError(t, err)

	assert.Equal(t, []string{"id"}, query["sort"], "default sort keeps result order stable")
	assert.Equal(t, []string{"0"}, query["limit"], "limit 0 fetches all rows")
	assert.NotContains(t, query, "filter")
}

func TestGetRecordsManualSortIncludesHidden(t *testing.T) {
	var query map[string][]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		w.Write([]byte(`{"records":[]}`))
	})

	_, err := client.GetRecords(context.Background(), "d1", "People", RecordParams{Sort: "manualSort"})
	require.NoError(t, err)

	assert.Equal(t, []string{"true"}, query["hidden"])
}

func TestNotFoundIsPermanent(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := client.ListTables(context.Background(), "absent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Equal(t, 1, calls, "404 must not be retried")

	var remoteErr *apperrors.RemoteError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, http.StatusNotFound, remoteErr.StatusCode)
}

func TestServerErrorRetriedThenSucceeds(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"tables":[{"id":"People"}]}`))
	})

	tables, err := client.ListTables(context.Background(), "d1")
	require.NoError(t, err)
	assert.Len(t, tables, 1)
	assert.Equal(t, 3, calls)
}

func TestRateLimitedRetriedUntilExhausted(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.ListOrgs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
	assert.Equal(t, 3, calls, "initial call plus MaxRetries attempts")
}

func TestTransportErrorIsRemoteUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // connection refused from here on

	client := NewHTTPClient(ClientConfig{Server: server.URL, APIKey: "k", Retry: fastRetry()})
	_, err := client.ListOrgs(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
}

func TestMalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{not json`))
	})

	_, err := client.ListTables(context.Background(), "d1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
}
