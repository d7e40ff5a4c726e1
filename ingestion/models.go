package ingestion

import "time"

type FileStatus string

const (
	FileUploaded   FileStatus = "uploaded"
	FileProcessing FileStatus = "processing"
	FileProcessed  FileStatus = "processed"
	FileFailed     FileStatus = "failed"
	FileDeleted    FileStatus = "deleted"
)

// File is the stored upload. The bytes live on disk under the workspace
// directory; this row is the metadata and lifecycle record.
type File struct {
	ID          string     `json:"file_id"`
	WorkspaceID string     `json:"workspace_id"`
	StorageURI  string     `json:"-"`
	Filename    string     `json:"filename"`
	MimeType    string     `json:"mime_type"`
	SHA256      string     `json:"sha256"`
	Bytes       int64      `json:"bytes"`
	Status      FileStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	PurgeAt     *time.Time `json:"purge_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Document is the logical content extracted from a file.
type Document struct {
	ID          string
	WorkspaceID string
	FileID      string
	Title       string
	Language    string
	TokenCount  int
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// Revision is one versioned extraction of a document. Numbers are monotonic
// per document.
type Revision struct {
	DocumentID string
	Revision   int
	Content    string
	Meta       map[string]any
	CreatedAt  time.Time
}

// Chunk is the retrieval unit cut from a revision.
type Chunk struct {
	ID          string
	WorkspaceID string
	DocumentID  string
	Revision    int
	Position    int
	Text        string
	Meta        map[string]any
}

// Job type names shared with the scheduler dispatch table.
const (
	JobExtract = "extract"
	JobChunk   = "chunk"
	JobEmbed   = "embed"
)
