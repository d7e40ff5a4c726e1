package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/charla-io/charla/core/database"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/retrieval"
)

type fileModel struct {
	ID          string `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string `gorm:"column:workspace_id;type:uuid;index"`
	StorageURI  string `gorm:"column:storage_uri"`
	Filename    string `gorm:"column:filename"`
	MimeType    string `gorm:"column:mime_type"`
	SHA256      string `gorm:"column:sha256"`
	Bytes       int64  `gorm:"column:bytes"`
	Status      string `gorm:"column:status"`
	Attempts    int    `gorm:"column:attempts"`
	NextRetryAt *time.Time
	LastError   string `gorm:"column:last_error"`
	DeletedAt   *time.Time
	PurgeAt     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (fileModel) TableName() string { return "files" }

type documentModel struct {
	ID          string `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string `gorm:"column:workspace_id;type:uuid;index"`
	FileID      string `gorm:"column:file_id;type:uuid;index"`
	Title       string `gorm:"column:title"`
	Language    string `gorm:"column:language"`
	TokenCount  int    `gorm:"column:token_count"`
	NeedsOCR    bool   `gorm:"column:needs_ocr"`
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

func (documentModel) TableName() string { return "documents" }

type revisionModel struct {
	DocumentID string `gorm:"column:document_id;type:uuid;primaryKey"`
	Revision   int    `gorm:"column:revision;primaryKey"`
	Content    string `gorm:"column:content"`
	Meta       []byte `gorm:"column:meta;type:jsonb"`
	CreatedAt  time.Time
}

func (revisionModel) TableName() string { return "document_revisions" }

type chunkModel struct {
	ID          string `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string `gorm:"column:workspace_id;type:uuid;index"`
	DocumentID  string `gorm:"column:document_id;type:uuid;index:idx_chunks_doc_rev_pos,unique"`
	Revision    int    `gorm:"column:revision;index:idx_chunks_doc_rev_pos,unique"`
	Position    int    `gorm:"column:position;index:idx_chunks_doc_rev_pos,unique"`
	Text        string `gorm:"column:text"`
	Meta        []byte `gorm:"column:meta;type:jsonb"`
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

func (chunkModel) TableName() string { return "chunks" }

// Repository persists the ingestion entities. Tenant-scoped calls run inside
// tenant sessions; only the purge janitor crosses workspaces.
type Repository interface {
	CreateFile(ctx context.Context, f File) (File, bool, error)
	GetFile(ctx context.Context, workspaceID, fileID string) (File, error)
	ListFiles(ctx context.Context, workspaceID string, limit int) ([]File, error)
	SetFileStatus(ctx context.Context, workspaceID, fileID string, status FileStatus, lastError string) error
	ScheduleFileRetry(ctx context.Context, workspaceID, fileID string, nextRetryAt time.Time, lastError string) (int, error)
	SoftDeleteFile(ctx context.Context, workspaceID, fileID string, purgeAt time.Time) error
	RestoreFile(ctx context.Context, workspaceID, fileID string) error
	PurgeFile(ctx context.Context, workspaceID, fileID string) (string, error)
	PurgeExpired(ctx context.Context, now time.Time) ([]string, error)

	EnsureDocument(ctx context.Context, workspaceID, fileID, title string) (Document, error)
	GetDocument(ctx context.Context, workspaceID, documentID string) (Document, error)
	SetDocumentNeedsOCR(ctx context.Context, workspaceID, documentID string, needs bool) error
	ListNeedsOCR(ctx context.Context, limit int) ([]Document, error)
	CreateRevision(ctx context.Context, workspaceID, documentID, content string, meta map[string]any) (int, error)
	LatestRevision(ctx context.Context, workspaceID, documentID string) (Revision, error)

	InsertChunks(ctx context.Context, workspaceID string, chunks []Chunk) (int, error)
	ChunksMissingEmbedding(ctx context.Context, workspaceID, documentID string, revision int) ([]Chunk, error)
	InsertEmbedding(ctx context.Context, workspaceID, documentID, chunkID string, vector []float32) error
}

type GormRepository struct {
	db      *gorm.DB
	timeout time.Duration
}

func NewGormRepository(db *gorm.DB, stmtTimeout time.Duration) *GormRepository {
	return &GormRepository{db: db, timeout: stmtTimeout}
}

// Init migrates the schema: tables, the partial dedup index, the lexical
// index column and the vector store.
func (r *GormRepository) Init(embeddingDim int) error {
	if err := r.db.AutoMigrate(&fileModel{}, &documentModel{}, &revisionModel{}, &chunkModel{}); err != nil {
		return err
	}

	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_files_workspace_sha256
			ON files (workspace_id, sha256) WHERE deleted_at IS NULL`,
		`CREATE EXTENSION IF NOT EXISTS unaccent`,
		`CREATE EXTENSION IF NOT EXISTS vector`,
		// to_tsvector con unaccent no es inmutable; el wrapper si lo es.
		`CREATE OR REPLACE FUNCTION charla_unaccent_tsv(txt text) RETURNS tsvector AS
			$$ SELECT to_tsvector('simple', unaccent(txt)) $$
			LANGUAGE sql IMMUTABLE`,
		`ALTER TABLE chunks ADD COLUMN IF NOT EXISTS tsv tsvector
			GENERATED ALWAYS AS (charla_unaccent_tsv(text)) STORED`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON chunks USING gin (tsv)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_embeddings (
			chunk_id uuid PRIMARY KEY,
			workspace_id uuid NOT NULL,
			document_id uuid NOT NULL,
			vector vector(%d) NOT NULL,
			deleted_at timestamptz,
			created_at timestamptz NOT NULL DEFAULT now()
		)`, embeddingDim),
		`CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_vector
			ON chunk_embeddings USING ivfflat (vector vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_workspace
			ON chunk_embeddings (workspace_id, document_id)`,
	}
	for _, stmt := range stmts {
		if err := r.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ingestion migration: %w", err)
		}
	}
	return nil
}

func toFile(m fileModel) File {
	return File{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		StorageURI:  m.StorageURI,
		Filename:    m.Filename,
		MimeType:    m.MimeType,
		SHA256:      m.SHA256,
		Bytes:       m.Bytes,
		Status:      FileStatus(m.Status),
		Attempts:    m.Attempts,
		NextRetryAt: m.NextRetryAt,
		LastError:   m.LastError,
		DeletedAt:   m.DeletedAt,
		PurgeAt:     m.PurgeAt,
		CreatedAt:   m.CreatedAt,
	}
}

// CreateFile inserts the metadata row; an existing live file with the same
// content hash wins and is returned with duplicate=true.
func (r *GormRepository) CreateFile(ctx context.Context, f File) (File, bool, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	var out File
	var duplicate bool
	err := database.TenantSession(ctx, r.db, f.WorkspaceID, r.timeout, func(tx *gorm.DB) error {
		model := fileModel{
			ID:          f.ID,
			WorkspaceID: f.WorkspaceID,
			StorageURI:  f.StorageURI,
			Filename:    f.Filename,
			MimeType:    f.MimeType,
			SHA256:      f.SHA256,
			Bytes:       f.Bytes,
			Status:      string(FileUploaded),
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Conflicto por sha256: devolver el existente.
			var existing fileModel
			if err := database.Scoped(tx, f.WorkspaceID).
				Where("sha256 = ? AND deleted_at IS NULL", f.SHA256).
				First(&existing).Error; err != nil {
				return err
			}
			out = toFile(existing)
			duplicate = true
			return nil
		}
		out = toFile(model)
		return nil
	})
	return out, duplicate, err
}

func (r *GormRepository) GetFile(ctx context.Context, workspaceID, fileID string) (File, error) {
	var out File
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var m fileModel
		if err := database.Scoped(tx, workspaceID).Where("id = ?", fileID).First(&m).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgError.NotFoundError("archivo no encontrado")
			}
			return err
		}
		out = toFile(m)
		return nil
	})
	return out, err
}

func (r *GormRepository) ListFiles(ctx context.Context, workspaceID string, limit int) ([]File, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []File
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var rows []fileModel
		if err := database.Scoped(tx, workspaceID).
			Where("deleted_at IS NULL").
			Order("created_at DESC").
			Limit(limit).
			Find(&rows).Error; err != nil {
			return err
		}
		for _, m := range rows {
			out = append(out, toFile(m))
		}
		return nil
	})
	return out, err
}

func (r *GormRepository) SetFileStatus(ctx context.Context, workspaceID, fileID string, status FileStatus, lastError string) error {
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		return database.Scoped(tx.Model(&fileModel{}), workspaceID).
			Where("id = ?", fileID).
			Updates(map[string]any{
				"status":     string(status),
				"last_error": lastError,
				"updated_at": time.Now(),
			}).Error
	})
}

// ScheduleFileRetry bumps the attempt counter and records when the file may
// be retried. Returns the new attempt count.
func (r *GormRepository) ScheduleFileRetry(ctx context.Context, workspaceID, fileID string, nextRetryAt time.Time, lastError string) (int, error) {
	var attempts int
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		if err := database.Scoped(tx.Model(&fileModel{}), workspaceID).
			Where("id = ?", fileID).
			Updates(map[string]any{
				"attempts":      gorm.Expr("attempts + 1"),
				"next_retry_at": nextRetryAt,
				"last_error":    lastError,
				"updated_at":    time.Now(),
			}).Error; err != nil {
			return err
		}
		var m fileModel
		if err := database.Scoped(tx, workspaceID).Where("id = ?", fileID).First(&m).Error; err != nil {
			return err
		}
		attempts = m.Attempts
		return nil
	})
	return attempts, err
}

// SoftDeleteFile marks the file and its document cascade as deleted and sets
// the purge deadline.
func (r *GormRepository) SoftDeleteFile(ctx context.Context, workspaceID, fileID string, purgeAt time.Time) error {
	now := time.Now()
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		res := database.Scoped(tx.Model(&fileModel{}), workspaceID).
			Where("id = ? AND deleted_at IS NULL", fileID).
			Updates(map[string]any{
				"status":     string(FileDeleted),
				"deleted_at": now,
				"purge_at":   purgeAt,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgError.NotFoundError("archivo no encontrado")
		}
		return cascadeDeletedAt(tx, workspaceID, fileID, &now)
	})
}

// RestoreFile clears the soft-delete markers on the whole cascade.
func (r *GormRepository) RestoreFile(ctx context.Context, workspaceID, fileID string) error {
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		res := database.Scoped(tx.Model(&fileModel{}), workspaceID).
			Where("id = ? AND deleted_at IS NOT NULL", fileID).
			Updates(map[string]any{
				"status":     string(FileProcessed),
				"deleted_at": nil,
				"purge_at":   nil,
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgError.NotFoundError("archivo no encontrado")
		}
		return cascadeDeletedAt(tx, workspaceID, fileID, nil)
	})
}

func cascadeDeletedAt(tx *gorm.DB, workspaceID, fileID string, deletedAt *time.Time) error {
	if err := tx.Exec(`UPDATE documents SET deleted_at = ?
		WHERE workspace_id = ? AND file_id = ?`, deletedAt, workspaceID, fileID).Error; err != nil {
		return err
	}
	if err := tx.Exec(`UPDATE chunks SET deleted_at = ?
		WHERE workspace_id = ? AND document_id IN
		(SELECT id FROM documents WHERE workspace_id = ? AND file_id = ?)`,
		deletedAt, workspaceID, workspaceID, fileID).Error; err != nil {
		return err
	}
	return tx.Exec(`UPDATE chunk_embeddings SET deleted_at = ?
		WHERE workspace_id = ? AND document_id IN
		(SELECT id FROM documents WHERE workspace_id = ? AND file_id = ?)`,
		deletedAt, workspaceID, workspaceID, fileID).Error
}

// PurgeFile hard-deletes the cascade and returns the storage path so the
// caller can remove the bytes.
func (r *GormRepository) PurgeFile(ctx context.Context, workspaceID, fileID string) (string, error) {
	var storageURI string
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var m fileModel
		if err := database.Scoped(tx, workspaceID).Where("id = ?", fileID).First(&m).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgError.NotFoundError("archivo no encontrado")
			}
			return err
		}
		storageURI = m.StorageURI
		return purgeCascade(tx, workspaceID, fileID)
	})
	return storageURI, err
}

func purgeCascade(tx *gorm.DB, workspaceID, fileID string) error {
	stmts := []string{
		`DELETE FROM chunk_embeddings WHERE workspace_id = ? AND document_id IN
			(SELECT id FROM documents WHERE workspace_id = ? AND file_id = ?)`,
		`DELETE FROM chunks WHERE workspace_id = ? AND document_id IN
			(SELECT id FROM documents WHERE workspace_id = ? AND file_id = ?)`,
		`DELETE FROM document_revisions WHERE document_id IN
			(SELECT id FROM documents WHERE workspace_id = ? AND file_id = ?)`,
		`DELETE FROM documents WHERE workspace_id = ? AND file_id = ?`,
		`DELETE FROM files WHERE workspace_id = ? AND id = ?`,
	}
	args := [][]any{
		{workspaceID, workspaceID, fileID},
		{workspaceID, workspaceID, fileID},
		{workspaceID, fileID},
		{workspaceID, fileID},
		{workspaceID, fileID},
	}
	for i, stmt := range stmts {
		if err := tx.Exec(stmt, args[i]...).Error; err != nil {
			return err
		}
	}
	return nil
}

// PurgeExpired is the janitor pass: it runs under the system role because it
// sweeps every workspace. Returns the storage paths of the purged files so
// the caller can remove the bytes.
func (r *GormRepository) PurgeExpired(ctx context.Context, now time.Time) ([]string, error) {
	var rows []fileModel
	if err := r.db.WithContext(ctx).
		Where("deleted_at IS NOT NULL AND purge_at IS NOT NULL AND purge_at <= ?", now).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	var paths []string
	for _, m := range rows {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return purgeCascade(tx, m.WorkspaceID, m.ID)
		})
		if err != nil {
			return paths, err
		}
		paths = append(paths, m.StorageURI)
	}
	return paths, nil
}

// ListNeedsOCR returns documents flagged for OCR across workspaces, for the
// admin run-once trigger.
func (r *GormRepository) ListNeedsOCR(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []documentModel
	if err := r.db.WithContext(ctx).
		Where("needs_ocr = true AND deleted_at IS NULL").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Document, 0, len(rows))
	for _, m := range rows {
		out = append(out, toDocument(m))
	}
	return out, nil
}

func toDocument(m documentModel) Document {
	return Document{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		FileID:      m.FileID,
		Title:       m.Title,
		Language:    m.Language,
		TokenCount:  m.TokenCount,
		DeletedAt:   m.DeletedAt,
		CreatedAt:   m.CreatedAt,
	}
}

func (r *GormRepository) EnsureDocument(ctx context.Context, workspaceID, fileID, title string) (Document, error) {
	var out Document
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var existing documentModel
		err := database.Scoped(tx, workspaceID).
			Where("file_id = ? AND deleted_at IS NULL", fileID).
			First(&existing).Error
		if err == nil {
			out = toDocument(existing)
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}
		model := documentModel{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			FileID:      fileID,
			Title:       title,
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		out = toDocument(model)
		return nil
	})
	return out, err
}

func (r *GormRepository) GetDocument(ctx context.Context, workspaceID, documentID string) (Document, error) {
	var out Document
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var m documentModel
		if err := database.Scoped(tx, workspaceID).Where("id = ?", documentID).First(&m).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgError.NotFoundError("documento no encontrado")
			}
			return err
		}
		out = toDocument(m)
		return nil
	})
	return out, err
}

func (r *GormRepository) SetDocumentNeedsOCR(ctx context.Context, workspaceID, documentID string, needs bool) error {
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		res := database.Scoped(tx.Model(&documentModel{}), workspaceID).
			Where("id = ?", documentID).
			Update("needs_ocr", needs)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgError.NotFoundError("documento no encontrado")
		}
		return nil
	})
}

// CreateRevision writes content as max(revision)+1 for the document.
func (r *GormRepository) CreateRevision(ctx context.Context, workspaceID, documentID, content string, meta map[string]any) (int, error) {
	var revision int
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var current int
		if err := tx.Model(&revisionModel{}).
			Where("document_id = ?", documentID).
			Select("COALESCE(MAX(revision), 0)").
			Scan(&current).Error; err != nil {
			return err
		}
		revision = current + 1

		rawMeta, _ := json.Marshal(meta)
		return tx.Create(&revisionModel{
			DocumentID: documentID,
			Revision:   revision,
			Content:    content,
			Meta:       rawMeta,
		}).Error
	})
	return revision, err
}

func (r *GormRepository) LatestRevision(ctx context.Context, workspaceID, documentID string) (Revision, error) {
	var out Revision
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var m revisionModel
		if err := tx.Where("document_id = ?", documentID).
			Order("revision DESC").
			First(&m).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return pkgError.NotFoundError("el documento no tiene revisiones")
			}
			return err
		}
		out = Revision{
			DocumentID: m.DocumentID,
			Revision:   m.Revision,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
		}
		if len(m.Meta) > 0 {
			_ = json.Unmarshal(m.Meta, &out.Meta)
		}
		return nil
	})
	return out, err
}

// InsertChunks is idempotent per (document, revision, position); a re-run of
// the chunk step inserts nothing new. Returns the number actually inserted.
func (r *GormRepository) InsertChunks(ctx context.Context, workspaceID string, chunks []Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	inserted := 0
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		for _, c := range chunks {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			rawMeta, _ := json.Marshal(c.Meta)
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunkModel{
				ID:          c.ID,
				WorkspaceID: workspaceID,
				DocumentID:  c.DocumentID,
				Revision:    c.Revision,
				Position:    c.Position,
				Text:        c.Text,
				Meta:        rawMeta,
			})
			if res.Error != nil {
				return res.Error
			}
			inserted += int(res.RowsAffected)
		}
		return nil
	})
	return inserted, err
}

func (r *GormRepository) ChunksMissingEmbedding(ctx context.Context, workspaceID, documentID string, revision int) ([]Chunk, error) {
	var out []Chunk
	err := database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		var rows []chunkModel
		if err := tx.Raw(`SELECT c.* FROM chunks c
			LEFT JOIN chunk_embeddings e ON e.chunk_id = c.id AND e.workspace_id = c.workspace_id
			WHERE c.workspace_id = ? AND c.document_id = ? AND c.revision = ?
			  AND c.deleted_at IS NULL AND e.chunk_id IS NULL
			ORDER BY c.position ASC`,
			workspaceID, documentID, revision).Scan(&rows).Error; err != nil {
			return err
		}
		for _, m := range rows {
			c := Chunk{
				ID:          m.ID,
				WorkspaceID: m.WorkspaceID,
				DocumentID:  m.DocumentID,
				Revision:    m.Revision,
				Position:    m.Position,
				Text:        m.Text,
			}
			if len(m.Meta) > 0 {
				_ = json.Unmarshal(m.Meta, &c.Meta)
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// InsertEmbedding never duplicates: a restarted embed step hits the primary
// key and moves on.
func (r *GormRepository) InsertEmbedding(ctx context.Context, workspaceID, documentID, chunkID string, vector []float32) error {
	return database.TenantSession(ctx, r.db, workspaceID, r.timeout, func(tx *gorm.DB) error {
		return tx.Exec(`INSERT INTO chunk_embeddings (chunk_id, workspace_id, document_id, vector)
			VALUES (?, ?, ?, ?::vector)
			ON CONFLICT (chunk_id) DO NOTHING`,
			chunkID, workspaceID, documentID, retrieval.VectorLiteral(vector)).Error
	})
}
