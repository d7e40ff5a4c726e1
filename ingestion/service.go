package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/infrastructure/ai"
	"github.com/charla-io/charla/observability"
	"github.com/charla-io/charla/scheduler"
)

// Enqueuer is the slice of the scheduler the pipeline needs for chaining.
type Enqueuer interface {
	Enqueue(ctx context.Context, job scheduler.Job) (bool, error)
}

// jobPayload travels between pipeline steps.
type jobPayload struct {
	FileID     string `json:"file_id"`
	DocumentID string `json:"document_id,omitempty"`
	Revision   int    `json:"revision,omitempty"`
}

// UploadResult is the response of the upload endpoint.
type UploadResult struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// Service drives file intake and the extract → chunk → embed chain. Each
// step enqueues the next with a revision-scoped external key, so replays
// and restarts never duplicate work.
type Service struct {
	repo      Repository
	store     *FileStore
	extractor TextExtractor
	ocr       OCRProvider
	embedder  ai.EmbeddingProvider
	queue     Enqueuer

	inflight *semaphore.Weighted
	cfg      config.IngestionConfig
	sched    config.SchedulerConfig
	embedCfg config.EmbeddingConfig
}

func NewService(repo Repository, store *FileStore, extractor TextExtractor, ocr OCRProvider, embedder ai.EmbeddingProvider, queue Enqueuer, cfg config.IngestionConfig, sched config.SchedulerConfig, embedCfg config.EmbeddingConfig) *Service {
	return &Service{
		repo:      repo,
		store:     store,
		extractor: extractor,
		ocr:       ocr,
		embedder:  embedder,
		queue:     queue,
		inflight:  semaphore.NewWeighted(cfg.MaxConcurrent),
		cfg:       cfg,
		sched:     sched,
		embedCfg:  embedCfg,
	}
}

// ExtractExternalKey and friends name the idempotency key of each step.
func ExtractExternalKey(fileID string) string {
	return fileID + ":extract"
}

func ChunkExternalKey(documentID string, revision int) string {
	return fmt.Sprintf("%s:chunk:rev%d", documentID, revision)
}

func EmbedExternalKey(documentID string, revision int) string {
	return fmt.Sprintf("%s:embed:rev%d", documentID, revision)
}

// FileRetryDelay is the file-level schedule: 5·3^(attempts−1) minutes.
func FileRetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(5*math.Pow(3, float64(attempts-1))) * time.Minute
}

// Upload streams the body to storage, dedups by content hash and enqueues
// extraction. A duplicate is a success for the caller.
func (s *Service) Upload(ctx context.Context, workspaceID, filename, mimeType string, src io.Reader) (*UploadResult, error) {
	if err := s.store.ValidateMime(mimeType); err != nil {
		return nil, err
	}

	stored, err := s.store.Write(workspaceID, filename, src)
	if err != nil {
		return nil, err
	}
	if err := s.store.SniffMime(stored.Path, mimeType); err != nil {
		_ = s.store.Remove(stored.Path)
		return nil, err
	}

	file, duplicate, err := s.repo.CreateFile(ctx, File{
		WorkspaceID: workspaceID,
		StorageURI:  stored.Path,
		Filename:    filename,
		MimeType:    mimeType,
		SHA256:      stored.SHA256,
		Bytes:       stored.Bytes,
	})
	if err != nil {
		_ = s.store.Remove(stored.Path)
		return nil, err
	}
	if duplicate {
		// Mismo contenido ya ingerido: descartar la copia nueva.
		_ = s.store.Remove(stored.Path)
		observability.FilesUploaded.WithLabelValues("duplicate").Inc()
		return &UploadResult{
			FileID:   file.ID,
			Filename: file.Filename,
			Status:   "duplicate",
			Message:  "el archivo ya existe",
		}, nil
	}

	observability.FilesUploaded.WithLabelValues("uploaded").Inc()
	logrus.WithFields(logrus.Fields{
		"file_id": file.ID,
		"size":    humanize.Bytes(uint64(stored.Bytes)),
	}).Info("[Ingestion] Archivo subido")
	if err := s.enqueueExtract(ctx, file); err != nil {
		return nil, err
	}
	return &UploadResult{
		FileID:   file.ID,
		Filename: file.Filename,
		Status:   "uploaded",
		Message:  "procesamiento encolado",
	}, nil
}

func (s *Service) enqueueExtract(ctx context.Context, file File) error {
	payload, _ := json.Marshal(jobPayload{FileID: file.ID})
	_, err := s.queue.Enqueue(ctx, scheduler.Job{
		WorkspaceID: file.WorkspaceID,
		JobType:     JobExtract,
		Payload:     payload,
		MaxRetries:  s.sched.MaxRetries,
		ExternalKey: ExtractExternalKey(file.ID),
		Priority:    s.sched.Priorities[JobExtract],

		BackoffBaseSeconds: s.sched.BackoffBaseSeconds,
		BackoffFactor:      s.sched.BackoffFactor,
		JitterSeconds:      s.sched.JitterSeconds,
	})
	return err
}

func (s *Service) GetFile(ctx context.Context, workspaceID, fileID string) (File, error) {
	return s.repo.GetFile(ctx, workspaceID, fileID)
}

func (s *Service) ListFiles(ctx context.Context, workspaceID string, limit int) ([]File, error) {
	return s.repo.ListFiles(ctx, workspaceID, limit)
}

// Delete soft-deletes the file and schedules the purge.
func (s *Service) Delete(ctx context.Context, workspaceID, fileID string) error {
	purgeAt := time.Now().AddDate(0, 0, s.cfg.PurgeWindowDays)
	return s.repo.SoftDeleteFile(ctx, workspaceID, fileID, purgeAt)
}

func (s *Service) Restore(ctx context.Context, workspaceID, fileID string) error {
	return s.repo.RestoreFile(ctx, workspaceID, fileID)
}

// Purge hard-deletes the cascade and the stored bytes.
func (s *Service) Purge(ctx context.Context, workspaceID, fileID string) error {
	path, err := s.repo.PurgeFile(ctx, workspaceID, fileID)
	if err != nil {
		return err
	}
	return s.store.Remove(path)
}

// Reingest re-runs the pipeline from extraction; the new revision gets fresh
// chunk and embed steps.
func (s *Service) Reingest(ctx context.Context, workspaceID, fileID string) error {
	file, err := s.repo.GetFile(ctx, workspaceID, fileID)
	if err != nil {
		return err
	}
	if err := s.repo.SetFileStatus(ctx, workspaceID, fileID, FileProcessing, ""); err != nil {
		return err
	}
	return s.enqueueExtract(ctx, file)
}

// PurgeDeleted runs one janitor pass.
func (s *Service) PurgeDeleted(ctx context.Context, now time.Time) (int, error) {
	paths, err := s.repo.PurgeExpired(ctx, now)
	for _, p := range paths {
		_ = s.store.Remove(p)
	}
	return len(paths), err
}

// StartJanitor sweeps expired soft-deletes on a fixed cadence.
func (s *Service) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := s.PurgeDeleted(ctx, time.Now())
				if err != nil {
					logrus.WithError(err).Error("[Ingestion] Janitor pass failed")
				} else if n > 0 {
					logrus.WithField("purged", n).Info("[Ingestion] Janitor purged expired files")
				}
			}
		}
	}()
}

// EnableOCR flags a document so the next run-once pass re-extracts it.
func (s *Service) EnableOCR(ctx context.Context, workspaceID, documentID string) error {
	return s.repo.SetDocumentNeedsOCR(ctx, workspaceID, documentID, true)
}

// RunOCROnce re-enqueues extraction for every flagged document.
func (s *Service) RunOCROnce(ctx context.Context, limit int) (int, error) {
	docs, err := s.repo.ListNeedsOCR(ctx, limit)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, doc := range docs {
		file, err := s.repo.GetFile(ctx, doc.WorkspaceID, doc.FileID)
		if err != nil {
			logrus.WithError(err).WithField("document_id", doc.ID).Warn("[Ingestion] OCR run-once skipped document")
			continue
		}
		if err := s.enqueueExtract(ctx, file); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// OCRStatsResult summarizes the OCR backlog for the admin surface.
type OCRStatsResult struct {
	Enabled bool  `json:"enabled"`
	Pending int   `json:"pending_documents"`
	Limit   int64 `json:"min_text_threshold"`
}

func (s *Service) OCRStats(ctx context.Context) (OCRStatsResult, error) {
	docs, err := s.repo.ListNeedsOCR(ctx, 1000)
	if err != nil {
		return OCRStatsResult{}, err
	}
	return OCRStatsResult{
		Enabled: s.cfg.OCREnabled,
		Pending: len(docs),
		Limit:   int64(s.cfg.MinTextThreshold),
	}, nil
}

// failFile applies the file-level retry policy around a failed step.
func (s *Service) failFile(ctx context.Context, workspaceID, fileID string, stepErr error) {
	file, err := s.repo.GetFile(ctx, workspaceID, fileID)
	if err != nil {
		logrus.WithError(err).Error("[Ingestion] Could not load file for retry accounting")
		return
	}

	nextAttempt := file.Attempts + 1
	attempts, err := s.repo.ScheduleFileRetry(ctx, workspaceID, fileID,
		time.Now().Add(FileRetryDelay(nextAttempt)), stepErr.Error())
	if err != nil {
		logrus.WithError(err).Error("[Ingestion] Could not record file retry")
		return
	}
	if attempts >= s.cfg.MaxAttempts {
		_ = s.repo.SetFileStatus(ctx, workspaceID, fileID, FileFailed, stepErr.Error())
		observability.FilesUploaded.WithLabelValues("failed").Inc()
	}
}

// ExtractExecutor is the scheduler executor for the extract step.
type ExtractExecutor struct {
	svc *Service
}

func NewExtractExecutor(svc *Service) *ExtractExecutor { return &ExtractExecutor{svc: svc} }

func (e *ExtractExecutor) Execute(ctx context.Context, job scheduler.Job) error {
	s := e.svc
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.inflight.Release(1)

	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("extract payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()

	file, err := s.repo.GetFile(ctx, job.WorkspaceID, payload.FileID)
	if err != nil {
		return err
	}
	if err := s.repo.SetFileStatus(ctx, job.WorkspaceID, file.ID, FileProcessing, ""); err != nil {
		return err
	}

	text, source, err := s.extractText(ctx, file)
	if err != nil {
		s.failFile(ctx, job.WorkspaceID, file.ID, err)
		return err
	}

	doc, err := s.repo.EnsureDocument(ctx, job.WorkspaceID, file.ID, file.Filename)
	if err != nil {
		return err
	}
	revision, err := s.repo.CreateRevision(ctx, job.WorkspaceID, doc.ID, text, map[string]any{"source": source})
	if err != nil {
		return err
	}

	chainPayload, _ := json.Marshal(jobPayload{FileID: file.ID, DocumentID: doc.ID, Revision: revision})
	_, err = s.queue.Enqueue(ctx, scheduler.Job{
		WorkspaceID: job.WorkspaceID,
		DocumentID:  doc.ID,
		JobType:     JobChunk,
		Payload:     chainPayload,
		MaxRetries:  s.sched.MaxRetries,
		ExternalKey: ChunkExternalKey(doc.ID, revision),
		Priority:    s.sched.Priorities[JobChunk],

		BackoffBaseSeconds: s.sched.BackoffBaseSeconds,
		BackoffFactor:      s.sched.BackoffFactor,
		JitterSeconds:      s.sched.JitterSeconds,
	})
	return err
}

// extractText runs the extractor and, for thin PDFs, the OCR fallback.
func (s *Service) extractText(ctx context.Context, file File) (string, string, error) {
	text, err := s.extractor.Extract(ctx, file.StorageURI, file.MimeType)
	if err != nil {
		return "", "", err
	}

	isPDF := strings.HasPrefix(file.MimeType, "application/pdf")
	if !isPDF || !s.cfg.OCREnabled || len(strings.TrimSpace(text)) >= s.cfg.MinTextThreshold || s.ocr == nil {
		return text, "extract", nil
	}

	ocrPath, ocrErr := s.ocr.Run(ctx, file.StorageURI)
	if ocrErr != nil {
		// OCR es best-effort: seguimos con el texto original.
		return text, "extract", nil
	}
	defer func() { _ = s.store.Remove(ocrPath) }()

	ocrText, ocrErr := s.extractor.Extract(ctx, ocrPath, file.MimeType)
	if ocrErr != nil || len(strings.TrimSpace(ocrText)) <= len(strings.TrimSpace(text)) {
		return text, "extract", nil
	}
	return ocrText, "ocr", nil
}

// ChunkExecutor cuts the latest revision into overlapping windows.
type ChunkExecutor struct {
	svc *Service
}

func NewChunkExecutor(svc *Service) *ChunkExecutor { return &ChunkExecutor{svc: svc} }

func (e *ChunkExecutor) Execute(ctx context.Context, job scheduler.Job) error {
	s := e.svc
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("chunk payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()

	rev, err := s.repo.LatestRevision(ctx, job.WorkspaceID, payload.DocumentID)
	if err != nil {
		return err
	}
	if payload.Revision != 0 && payload.Revision != rev.Revision {
		// Una revision mas nueva ya fue encadenada; este paso quedo viejo.
		logrus.WithFields(logrus.Fields{
			"document_id": payload.DocumentID,
			"job_rev":     payload.Revision,
			"latest_rev":  rev.Revision,
		}).Info("[Ingestion] Skipping chunk step for stale revision")
		return nil
	}

	segments := SplitText(rev.Content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	chunks := make([]Chunk, 0, len(segments))
	for i, text := range segments {
		meta := map[string]any{"revision": rev.Revision}
		for k, v := range rev.Meta {
			meta[k] = v
		}
		chunks = append(chunks, Chunk{
			WorkspaceID: job.WorkspaceID,
			DocumentID:  payload.DocumentID,
			Revision:    rev.Revision,
			Position:    i,
			Text:        text,
			Meta:        meta,
		})
	}
	if _, err := s.repo.InsertChunks(ctx, job.WorkspaceID, chunks); err != nil {
		return err
	}

	chainPayload, _ := json.Marshal(jobPayload{FileID: payload.FileID, DocumentID: payload.DocumentID, Revision: rev.Revision})
	_, err = s.queue.Enqueue(ctx, scheduler.Job{
		WorkspaceID: job.WorkspaceID,
		DocumentID:  payload.DocumentID,
		JobType:     JobEmbed,
		Payload:     chainPayload,
		MaxRetries:  s.sched.MaxRetries,
		ExternalKey: EmbedExternalKey(payload.DocumentID, rev.Revision),
		Priority:    s.sched.Priorities[JobEmbed],

		BackoffBaseSeconds: s.sched.BackoffBaseSeconds,
		BackoffFactor:      s.sched.BackoffFactor,
		JitterSeconds:      s.sched.JitterSeconds,
	})
	return err
}

// EmbedExecutor fills in missing vectors for a revision's chunks.
type EmbedExecutor struct {
	svc *Service
}

func NewEmbedExecutor(svc *Service) *EmbedExecutor { return &EmbedExecutor{svc: svc} }

func (e *EmbedExecutor) Execute(ctx context.Context, job scheduler.Job) error {
	s := e.svc
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("embed payload: %w", err)
	}

	chunks, err := s.repo.ChunksMissingEmbedding(ctx, job.WorkspaceID, payload.DocumentID, payload.Revision)
	if err != nil {
		return err
	}

	concurrency := s.embedCfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := semaphore.NewWeighted(concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for _, chunk := range chunks {
		chunk := chunk
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			vectors, err := s.embedder.Embed(gctx, []string{chunk.Text})
			if err != nil {
				return err
			}
			return s.repo.InsertEmbedding(gctx, job.WorkspaceID, payload.DocumentID, chunk.ID, vectors[0])
		})
	}
	if err := g.Wait(); err != nil {
		s.failFile(ctx, job.WorkspaceID, payload.FileID, err)
		return err
	}

	if err := s.repo.SetFileStatus(ctx, job.WorkspaceID, payload.FileID, FileProcessed, ""); err != nil {
		return err
	}
	observability.FilesUploaded.WithLabelValues("processed").Inc()
	return nil
}
