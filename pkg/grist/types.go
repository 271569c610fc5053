// Package grist talks to the Grist REST API.
// Docs: https://support.getgrist.com/api/
package grist

// Org is one organization visible to the API key.
type Org struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Workspace is one workspace of an organization, including its documents.
type Workspace struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Access    string `json:"access"`
	OrgDomain string `json:"orgDomain"`
	Docs      []Doc  `json:"docs"`
}

// Doc is one document's metadata as returned inside a workspace listing.
type Doc struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// DocInfo is one document flattened together with its workspace, the shape
// of the combined doc listing.
type DocInfo struct {
	WorkspaceID     int64
	WorkspaceName   string
	WorkspaceAccess string
	OrgDomain       string
	Doc             Doc
}

// Table is one table of a document. Name is empty when the API omits it.
type Table struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Column is one column's metadata. The Grist type string lives under the
// fields envelope.
type Column struct {
	ID     string       `json:"id"`
	Fields ColumnFields `json:"fields"`
}

// ColumnFields is the column metadata envelope.
type ColumnFields struct {
	Type  string `json:"type"`
	Label string `json:"label"`
}

// Record is one row of a table. Fields holds the raw cell values as
// decoded from JSON; normalization is the caller's concern.
type Record struct {
	ID     int64          `json:"id"`
	Fields map[string]any `json:"fields"`
}

// RecordParams are the pushdown parameters of a /records call.
type RecordParams struct {
	// Filter maps a column to its allowed values (equality semantics).
	Filter map[string][]any
	// Sort is a Grist sort spec, e.g. "age" or "-age". Empty means the
	// stable default ordering by row id.
	Sort string
	// Limit caps the number of returned rows. Zero or negative fetches all.
	Limit int
}
