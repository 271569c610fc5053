// Package engine orchestrates one query end to end: resolve the effective
// configuration, consult the cache, call the Grist API on a miss, and apply
// the residual query work to the returned rows.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quarryhq/gristmill/pkg/apperrors"
	"github.com/quarryhq/gristmill/pkg/cache"
	"github.com/quarryhq/gristmill/pkg/config"
	"github.com/quarryhq/gristmill/pkg/grist"
	"github.com/quarryhq/gristmill/pkg/planner"
	"github.com/quarryhq/gristmill/pkg/resource"
	"github.com/quarryhq/gristmill/pkg/schema"
)

// Engine serves schema and row queries for grist:// resources. Built once
// per session and safe for concurrent queries; the cache store is the only
// shared mutable state and synchronizes internally.
type Engine struct {
	session *config.Settings
	store   cache.Store
	logger  *zap.Logger

	fixedClient grist.Client // injected for tests; nil in production

	mu      sync.Mutex
	clients map[string]grist.Client // keyed by server + API key
}

// Options configures a new Engine. Store defaults to a disabled cache and
// Logger to a no-op logger. Client, when set, is used for every request
// regardless of the resolved server.
type Options struct {
	Session *config.Settings
	Store   cache.Store
	Logger  *zap.Logger
	Client  grist.Client
}

// New builds an Engine from the given options.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = cache.Disabled{}
	}
	return &Engine{
		session:     opts.Session,
		store:       store,
		logger:      logger,
		fixedClient: opts.Client,
		clients:     make(map[string]grist.Client),
	}
}

// CacheStats returns the underlying store's counters.
func (e *Engine) CacheStats() cache.Stats { return e.store.Stats() }

// Close releases the cache store.
func (e *Engine) Close() error { return e.store.Close() }

func (e *Engine) resolve(overrides map[string]string) (*config.Effective, error) {
	return config.Resolve(config.Defaults(), e.session, overrides)
}

// client returns the Grist client for the resolved configuration. Clients
// are pooled per server and API key so connections are reused across
// requests that share credentials.
func (e *Engine) client(cfg *config.Effective) grist.Client {
	if e.fixedClient != nil {
		return e.fixedClient
	}
	key := cfg.Server + "\x00" + cfg.APIKey
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[key]; ok {
		return c
	}
	c := grist.NewHTTPClient(grist.ClientConfig{
		Server: cfg.Server,
		APIKey: cfg.APIKey,
		Logger: e.logger,
	})
	e.clients[key] = c
	return c
}

// Schema returns the column schema of the addressed resource. Listing
// resources have fixed synthetic schemas and never touch the network;
// record resources fetch (and cache) the table's column metadata.
func (e *Engine) Schema(ctx context.Context, addr resource.Address, overrides map[string]string) (*schema.Descriptor, error) {
	cfg, err := e.resolve(overrides)
	if err != nil {
		return nil, err
	}

	switch addr.Kind {
	case resource.KindOrgs, resource.KindWorkspaces:
		return listingDescriptor(schema.TypeInteger), nil
	case resource.KindDocsOfWorkspace:
		return listingDescriptor(schema.TypeString), nil
	case resource.KindAllDocuments:
		return docListingDescriptor(), nil
	case resource.KindTablesOfDocument:
		return listingDescriptor(schema.TypeString), nil
	case resource.KindColumnsOfTable:
		return &schema.Descriptor{Columns: []schema.Column{
			{Name: "name", GristType: "Text", Type: schema.TypeString},
			{Name: "type", GristType: "Text", Type: schema.TypeString},
		}}, nil
	case resource.KindRecordsOfTable:
		client := e.client(cfg)
		tableID, err := e.resolveTable(ctx, cfg, client, addr.DocID, addr.TableID)
		if err != nil {
			return nil, err
		}
		return e.recordSchema(ctx, cfg, client, addr.DocID, tableID)
	default:
		return nil, apperrors.NewResourceError(addr.String(), "unsupported resource kind")
	}
}

// Rows executes a query against the addressed resource: remote pushdown
// where the plan allows it, then residual filters, local sort, and local
// limit over the returned rows.
func (e *Engine) Rows(ctx context.Context, addr resource.Address, overrides map[string]string, q planner.Query) ([]planner.Row, error) {
	cfg, err := e.resolve(overrides)
	if err != nil {
		return nil, err
	}
	client := e.client(cfg)

	queryID := uuid.NewString()
	start := time.Now()
	e.logger.Debug("query start",
		zap.String("query_id", queryID),
		zap.String("resource", addr.String()))

	var rows []planner.Row
	switch addr.Kind {
	case resource.KindRecordsOfTable:
		rows, err = e.recordRows(ctx, cfg, client, addr, q)
	default:
		rows, err = e.listingRows(ctx, cfg, client, addr, q)
	}
	if err != nil {
		e.logger.Debug("query failed",
			zap.String("query_id", queryID),
			zap.String("resource", addr.String()),
			zap.Error(err))
		return nil, err
	}

	e.logger.Debug("query done",
		zap.String("query_id", queryID),
		zap.String("resource", addr.String()),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", time.Since(start)))
	return rows, nil
}

// recordRows is the full pipeline for records resources: schema, plan,
// cache lookup keyed by the plan signature, remote fetch on a miss,
// normalization, then residual post-processing. A failed remote call never
// writes a cache entry.
func (e *Engine) recordRows(ctx context.Context, cfg *config.Effective, client grist.Client, addr resource.Address, q planner.Query) ([]planner.Row, error) {
	tableID, err := e.resolveTable(ctx, cfg, client, addr.DocID, addr.TableID)
	if err != nil {
		return nil, err
	}
	desc, err := e.recordSchema(ctx, cfg, client, addr.DocID, tableID)
	if err != nil {
		return nil, err
	}

	plan := planner.Build(desc, q)
	canonical := resource.Address{Kind: resource.KindRecordsOfTable, DocID: addr.DocID, TableID: tableID}
	key := cache.Key{
		Namespace: cache.NamespaceRecords,
		Address:   canonical.String(),
		Signature: plan.Signature(),
	}

	records, err := cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttlOf(cfg.Cache.RecordsTTL), func() ([]grist.Record, error) {
		return client.GetRecords(ctx, addr.DocID, tableID, grist.RecordParams{
			Filter: plan.RemoteFilters,
			Sort:   plan.RemoteSort,
			Limit:  plan.RemoteLimit,
		})
	})
	if err != nil {
		return nil, err
	}

	rows := make([]planner.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, normalizeRecord(desc, rec))
	}
	return planner.ApplyResidual(rows, &plan), nil
}

// listingRows serves the synthetic listing resources. The API offers no
// pushdown for them, so the whole query runs locally after the (cached)
// listing call.
func (e *Engine) listingRows(ctx context.Context, cfg *config.Effective, client grist.Client, addr resource.Address, q planner.Query) ([]planner.Row, error) {
	key := cache.Key{Namespace: cache.NamespaceMetadata, Address: addr.String()}
	ttl := ttlOf(cfg.Cache.MetadataTTL)

	var rows []planner.Row
	var err error
	switch addr.Kind {
	case resource.KindOrgs:
		rows, err = cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttl, func() ([]planner.Row, error) {
			orgs, err := client.ListOrgs(ctx)
			if err != nil {
				return nil, err
			}
			out := make([]planner.Row, 0, len(orgs))
			for _, org := range orgs {
				out = append(out, planner.Row{"id": org.ID, "name": org.Name})
			}
			return out, nil
		})
	case resource.KindWorkspaces:
		rows, err = cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttl, func() ([]planner.Row, error) {
			workspaces, err := client.ListWorkspaces(ctx, cfg.OrgID)
			if err != nil {
				return nil, err
			}
			out := make([]planner.Row, 0, len(workspaces))
			for _, ws := range workspaces {
				out = append(out, planner.Row{"id": ws.ID, "name": ws.Name})
			}
			return out, nil
		})
	case resource.KindDocsOfWorkspace:
		wsID, perr := strconv.ParseInt(addr.WorkspaceID, 10, 64)
		if perr != nil {
			return nil, apperrors.NewResourceError(addr.String(), "workspace id must be numeric, got %q", addr.WorkspaceID)
		}
		rows, err = cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttl, func() ([]planner.Row, error) {
			docs, err := client.ListDocs(ctx, cfg.OrgID, wsID)
			if err != nil {
				return nil, err
			}
			out := make([]planner.Row, 0, len(docs))
			for _, d := range docs {
				out = append(out, planner.Row{"id": d.Doc.ID, "name": d.Doc.Name})
			}
			return out, nil
		})
	case resource.KindAllDocuments:
		rows, err = cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttl, func() ([]planner.Row, error) {
			docs, err := client.ListDocs(ctx, cfg.OrgID, 0)
			if err != nil {
				return nil, err
			}
			out := make([]planner.Row, 0, len(docs))
			for _, d := range docs {
				out = append(out, planner.Row{
					"id":             d.Doc.ID,
					"name":           d.Doc.Name,
					"access":         d.WorkspaceAccess,
					"orgDomain":      d.OrgDomain,
					"workspace_id":   d.WorkspaceID,
					"workspace_name": d.WorkspaceName,
					"createdAt":      d.Doc.CreatedAt,
					"updatedAt":      d.Doc.UpdatedAt,
				})
			}
			return out, nil
		})
	case resource.KindTablesOfDocument:
		rows, err = cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttl, func() ([]planner.Row, error) {
			tables, err := client.ListTables(ctx, addr.DocID)
			if err != nil {
				return nil, err
			}
			out := make([]planner.Row, 0, len(tables))
			for _, t := range tables {
				out = append(out, planner.Row{"id": t.ID, "name": t.Name})
			}
			return out, nil
		})
	case resource.KindColumnsOfTable:
		var tableID string
		tableID, err = e.resolveTable(ctx, cfg, client, addr.DocID, addr.TableID)
		if err != nil {
			return nil, err
		}
		var desc *schema.Descriptor
		desc, err = e.recordSchema(ctx, cfg, client, addr.DocID, tableID)
		if err != nil {
			return nil, err
		}
		rows = make([]planner.Row, 0, len(desc.Columns))
		for _, col := range desc.Columns {
			// The synthetic row-id column is part of the record schema but
			// not of the table's own column listing. Grist reserves "id",
			// so no user column can shadow it.
			if col.Name == "id" {
				continue
			}
			name := col.Label
			if name == "" {
				name = col.Name
			}
			rows = append(rows, planner.Row{"name": name, "type": col.GristType})
		}
	default:
		return nil, apperrors.NewResourceError(addr.String(), "unsupported resource kind")
	}
	if err != nil {
		return nil, err
	}

	// No remote pushdown exists for listings, so everything is residual.
	plan := planner.Plan{Residual: q.Predicates, LocalSort: q.Sort, LocalLimit: q.Limit}
	return planner.ApplyResidual(rows, &plan), nil
}

// recordSchema fetches (and caches) the column schema of one table. The
// synthetic id column carrying the Grist row id is always appended.
func (e *Engine) recordSchema(ctx context.Context, cfg *config.Effective, client grist.Client, docID, tableID string) (*schema.Descriptor, error) {
	addr := resource.Address{Kind: resource.KindColumnsOfTable, DocID: docID, TableID: tableID}
	key := cache.Key{Namespace: cache.NamespaceMetadata, Address: addr.String()}

	return cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttlOf(cfg.Cache.MetadataTTL), func() (*schema.Descriptor, error) {
		columns, err := client.ListColumns(ctx, docID, tableID)
		if err != nil {
			return nil, err
		}
		desc := &schema.Descriptor{Columns: make([]schema.Column, 0, len(columns)+1)}
		for _, col := range columns {
			desc.Columns = append(desc.Columns, schema.Column{
				Name:      col.ID,
				Label:     col.Fields.Label,
				GristType: col.Fields.Type,
				Nullable:  true,
				Type:      schema.MapType(col.Fields.Type),
			})
		}
		desc.Columns = append(desc.Columns, schema.Column{
			Name:      "id",
			GristType: "Int",
			Type:      schema.TypeInteger,
		})
		return desc, nil
	})
}

// resolveTable maps a table reference to a table id. An exact id match
// needs no remote call beyond the (cached) table listing; otherwise the
// reference is treated as a display name and matched case-insensitively
// with spaces folded to underscores, the way Grist derives ids from names.
func (e *Engine) resolveTable(ctx context.Context, cfg *config.Effective, client grist.Client, docID, tableRef string) (string, error) {
	addr := resource.Address{Kind: resource.KindTablesOfDocument, DocID: docID}
	key := cache.Key{Namespace: cache.NamespaceMetadata, Address: addr.String()}

	tables, err := cachedFetch(ctx, e, cfg.Cache.Enabled, key, ttlOf(cfg.Cache.MetadataTTL), func() ([]grist.Table, error) {
		return client.ListTables(ctx, docID)
	})
	if err != nil {
		return "", err
	}

	for _, t := range tables {
		if t.ID == tableRef {
			return t.ID, nil
		}
	}
	want := normalizeTableRef(tableRef)
	for _, t := range tables {
		if normalizeTableRef(t.ID) == want {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("table %q not found in document %s: %w", tableRef, docID, apperrors.ErrNotFound)
}

func normalizeTableRef(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}

// normalizeRecord converts one raw record into a row: the row id becomes
// the id column and each cell is normalized per its column type. Cells for
// columns missing from the schema pass through untouched.
func normalizeRecord(desc *schema.Descriptor, rec grist.Record) planner.Row {
	row := planner.Row{"id": rec.ID}
	for name, raw := range rec.Fields {
		if col, ok := desc.Lookup(name); ok {
			row[name] = schema.NormalizeValue(col.Type, raw)
		} else {
			row[name] = raw
		}
	}
	return row
}

// cachedFetch wraps a remote call with a cache lookup. A zero TTL or a
// disabled cache bypasses both the read and the write. Cache read failures
// degrade to a miss; cache write failures are logged and swallowed. The
// fetched value is only written after a successful remote call.
func cachedFetch[T any](ctx context.Context, e *Engine, enabled bool, key cache.Key, ttl time.Duration, fetch func() (T, error)) (T, error) {
	var zero T
	usable := enabled && ttl > 0

	if usable {
		if raw, ok, err := e.store.Get(ctx, key); err == nil && ok {
			var value T
			if uerr := json.Unmarshal(raw, &value); uerr == nil {
				return value, nil
			}
			// A corrupt entry is a miss.
			_ = e.store.Invalidate(ctx, key.Namespace, key.ID())
		}
	}

	value, err := fetch()
	if err != nil {
		return zero, err
	}

	if usable {
		if raw, merr := json.Marshal(value); merr == nil {
			if perr := e.store.Put(ctx, key, raw, ttl); perr != nil {
				e.logger.Warn("cache write failed",
					zap.String("key", key.ID()),
					zap.Error(perr))
			}
		}
	}
	return value, nil
}

func ttlOf(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func listingDescriptor(idType schema.LogicalType) *schema.Descriptor {
	idGrist := "Int"
	if idType == schema.TypeString {
		idGrist = "Text"
	}
	return &schema.Descriptor{Columns: []schema.Column{
		{Name: "id", GristType: idGrist, Type: idType},
		{Name: "name", GristType: "Text", Type: schema.TypeString},
	}}
}

func docListingDescriptor() *schema.Descriptor {
	return &schema.Descriptor{Columns: []schema.Column{
		{Name: "id", GristType: "Text", Type: schema.TypeString},
		{Name: "name", GristType: "Text", Type: schema.TypeString},
		{Name: "access", GristType: "Text", Type: schema.TypeString},
		{Name: "orgDomain", GristType: "Text", Type: schema.TypeString},
		{Name: "workspace_id", GristType: "Int", Type: schema.TypeInteger},
		{Name: "workspace_name", GristType: "Text", Type: schema.TypeString},
		{Name: "createdAt", GristType: "Text", Type: schema.TypeString},
		{Name: "updatedAt", GristType: "Text", Type: schema.TypeString},
	}}
}
