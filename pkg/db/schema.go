package db

// Schema defines the SQLite database schema for deployment records and the cache of
// templates downloaded from S3.
const Schema = `
CREATE TABLE IF NOT EXISTS deployments (
    id TEXT PRIMARY KEY,
    vm_name TEXT NOT NULL,
    template TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('negotiating', 'awaiting_lease', 'transferring', 'completed', 'aborted')),
    lease TEXT,
    error_kind TEXT,
    error_message TEXT,
    total_bytes INTEGER NOT NULL DEFAULT 0,
    transferred_bytes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_deployments_status ON deployments(status);
CREATE INDEX IF NOT EXISTS idx_deployments_created_at ON deployments(created_at);

CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    uri TEXT NOT NULL UNIQUE,
    local_path TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    etag TEXT,
    size INTEGER NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_downloads_uri ON downloads(uri);
`

// Status constants
const (
	StatusNegotiating   = "negotiating"
	StatusAwaitingLease = "awaiting_lease"
	StatusTransferring  = "transferring"
	StatusCompleted     = "completed"
	StatusAborted       = "aborted"
)

// Deployment represents a deployment record
type Deployment struct {
	ID               string
	VMName           string
	Template         string
	Status           string
	Lease            string
	ErrorKind        string
	ErrorMessage     string
	TotalBytes       int64
	TransferredBytes int64
	CreatedAt        string
	UpdatedAt        string
}

// Download represents a template fetched from S3 into the work directory
type Download struct {
	ID        int64
	URI       string
	LocalPath string
	SHA256    string
	ETag      string
	Size      int64
	CreatedAt string
}
