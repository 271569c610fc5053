// Package resource parses grist:// virtual-table identifiers into a typed
// resource address plus the raw per-request override parameters.
//
// Grammar:
//
//	grist://                          -> all documents of the org
//	grist://__orgs__                  -> organizations visible to the API key
//	grist://__workspaces__            -> workspaces of the org
//	grist://<ws>/__docs__             -> documents of one workspace
//	grist://<doc>                     -> tables of a document
//	grist://<doc>/<table>             -> records of a table
//	grist://<doc>/<table>/__columns__ -> column listing of a table
//
// Any identifier may carry a trailing ?key=value&... segment with override
// parameters; values are returned verbatim and coerced by the config resolver.
package resource

import (
	"net/url"
	"strings"

	"github.com/quarryhq/gristmill/pkg/apperrors"
)

// Scheme is the URI scheme this engine serves.
const Scheme = "grist"

const (
	segmentOrgs       = "__orgs__"
	segmentWorkspaces = "__workspaces__"
	segmentDocs       = "__docs__"
	segmentColumns    = "__columns__"
)

// Kind identifies the class of resource an identifier addresses.
type Kind int

const (
	KindAllDocuments Kind = iota
	KindOrgs
	KindWorkspaces
	KindDocsOfWorkspace
	KindTablesOfDocument
	KindRecordsOfTable
	KindColumnsOfTable
)

// String returns a stable name for the kind, used in cache keys and logs.
func (k Kind) String() string {
	switch k {
	case KindAllDocuments:
		return "docs"
	case KindOrgs:
		return "orgs"
	case KindWorkspaces:
		return "workspaces"
	case KindDocsOfWorkspace:
		return "workspace-docs"
	case KindTablesOfDocument:
		return "tables"
	case KindRecordsOfTable:
		return "records"
	case KindColumnsOfTable:
		return "columns"
	default:
		return "unknown"
	}
}

// Address is the parsed, immutable resource address of one query.
type Address struct {
	Kind        Kind
	WorkspaceID string // set for KindDocsOfWorkspace
	DocID       string // set for doc-scoped kinds
	TableID     string // set for table-scoped kinds; may be a display name
}

// String returns the canonical address form used in cache keys.
func (a Address) String() string {
	parts := []string{a.Kind.String()}
	if a.WorkspaceID != "" {
		parts = append(parts, a.WorkspaceID)
	}
	if a.DocID != "" {
		parts = append(parts, a.DocID)
	}
	if a.TableID != "" {
		parts = append(parts, a.TableID)
	}
	return strings.Join(parts, "/")
}

// Supports reports whether the identifier carries this engine's scheme.
// Purely syntactic; never touches the network.
func Supports(identifier string) bool {
	return strings.HasPrefix(identifier, Scheme+"://")
}

// Parse splits a virtual-table identifier into its resource address and the
// raw override map. Override values are passed through verbatim; typed
// coercion happens at config resolution. When a key repeats, the last value
// wins.
func Parse(identifier string) (Address, map[string]string, error) {
	if !Supports(identifier) {
		return Address{}, nil, apperrors.NewResourceError(identifier, "identifier must start with %s://", Scheme)
	}

	u, err := url.Parse(identifier)
	if err != nil {
		return Address{}, nil, apperrors.NewResourceError(identifier, "unparseable identifier: %v", err)
	}

	overrides := map[string]string{}
	for key, values := range u.Query() {
		if len(values) > 0 {
			overrides[key] = values[len(values)-1]
		}
	}

	head := u.Host
	var segments []string
	if trimmed := strings.Trim(u.Path, "/"); trimmed != "" {
		segments = strings.Split(trimmed, "/")
	}

	addr, err := classify(identifier, head, segments)
	if err != nil {
		return Address{}, nil, err
	}
	return addr, overrides, nil
}

func classify(identifier, head string, segments []string) (Address, error) {
	if head == "" {
		if len(segments) > 0 {
			return Address{}, apperrors.NewResourceError(identifier, "path without a document id")
		}
		return Address{Kind: KindAllDocuments}, nil
	}

	switch head {
	case segmentOrgs:
		if len(segments) > 0 {
			return Address{}, apperrors.NewResourceError(identifier, "%s takes no further segments", segmentOrgs)
		}
		return Address{Kind: KindOrgs}, nil
	case segmentWorkspaces:
		if len(segments) > 0 {
			return Address{}, apperrors.NewResourceError(identifier, "%s takes no further segments", segmentWorkspaces)
		}
		return Address{Kind: KindWorkspaces}, nil
	}

	switch len(segments) {
	case 0:
		return Address{Kind: KindTablesOfDocument, DocID: head}, nil
	case 1:
		if segments[0] == segmentDocs {
			return Address{Kind: KindDocsOfWorkspace, WorkspaceID: head}, nil
		}
		return Address{Kind: KindRecordsOfTable, DocID: head, TableID: segments[0]}, nil
	case 2:
		if segments[1] != segmentColumns {
			return Address{}, apperrors.NewResourceError(identifier, "too many path segments")
		}
		return Address{Kind: KindColumnsOfTable, DocID: head, TableID: segments[0]}, nil
	default:
		return Address{}, apperrors.NewResourceError(identifier, "too many path segments")
	}
}
