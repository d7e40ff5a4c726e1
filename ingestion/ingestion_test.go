package ingestion

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-io/charla/core/config"
	pkgError "github.com/charla-io/charla/pkg/error"
	"github.com/charla-io/charla/scheduler"
)

func TestSplitTextWindowsAndOverlap(t *testing.T) {
	content := strings.Repeat("a", 2000)
	chunks := SplitText(content, 800, 150)

	require.NotEmpty(t, chunks)
	assert.Len(t, chunks[0], 800)
	// Cada ventana avanza size-overlap (650): 2000 caracteres dan 3 ventanas.
	assert.Len(t, chunks, 3)

	// El solapamiento repite el final de una ventana al inicio de la otra.
	full := SplitText("abcdefghij", 4, 2)
	assert.Equal(t, []string{"abcd", "cdef", "efgh", "ghij"}, full)
}

func TestSplitTextDropsEmptySegments(t *testing.T) {
	chunks := SplitText("hola"+strings.Repeat(" ", 900)+"mundo", 800, 150)
	for _, c := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(c))
	}
}

func TestSplitTextEmptyContent(t *testing.T) {
	assert.Empty(t, SplitText("", 800, 150))
	assert.Empty(t, SplitText("   \n  ", 800, 150))
}

func TestFileRetryDelaySchedule(t *testing.T) {
	// 5·3^(n−1) minutos.
	assert.Equal(t, 5*time.Minute, FileRetryDelay(1))
	assert.Equal(t, 15*time.Minute, FileRetryDelay(2))
	assert.Equal(t, 45*time.Minute, FileRetryDelay(3))
}

func TestExternalKeysPerRevision(t *testing.T) {
	assert.Equal(t, "doc-1:chunk:rev3", ChunkExternalKey("doc-1", 3))
	assert.Equal(t, "doc-1:embed:rev3", EmbedExternalKey("doc-1", 3))
	assert.Equal(t, "file-1:extract", ExtractExternalKey("file-1"))
}

func TestFileStoreRejectsOversizedUpload(t *testing.T) {
	store := NewFileStore(t.TempDir(), 10, false)

	_, err := store.Write("ws-1", "grande.txt", bytes.NewReader(make([]byte, 11)))
	require.Error(t, err)
	var tooLarge pkgError.PayloadTooLargeError
	assert.ErrorAs(t, err, &tooLarge)
}

func TestFileStoreHashesStoredBytes(t *testing.T) {
	store := NewFileStore(t.TempDir(), 1024, false)

	a, err := store.Write("ws-1", "uno.txt", strings.NewReader("contenido identico"))
	require.NoError(t, err)
	b, err := store.Write("ws-1", "dos.txt", strings.NewReader("contenido identico"))
	require.NoError(t, err)

	// Mismos bytes, mismo hash, rutas distintas.
	assert.Equal(t, a.SHA256, b.SHA256)
	assert.NotEqual(t, a.Path, b.Path)
	assert.EqualValues(t, 18, a.Bytes)
}

func TestValidateMimeAllowList(t *testing.T) {
	store := NewFileStore(t.TempDir(), 1024, false)

	assert.NoError(t, store.ValidateMime("application/pdf"))
	assert.NoError(t, store.ValidateMime("text/plain; charset=utf-8"))
	assert.NoError(t, store.ValidateMime("application/json"))

	err := store.ValidateMime("application/x-msdownload")
	require.Error(t, err)
	var unsupported pkgError.UnsupportedMediaError
	assert.ErrorAs(t, err, &unsupported)
}

// fakeIngestRepo cubre solo lo que Upload necesita.
type fakeIngestRepo struct {
	Repository
	existing map[string]File
	created  []File
}

func (f *fakeIngestRepo) CreateFile(_ context.Context, file File) (File, bool, error) {
	if existing, ok := f.existing[file.SHA256]; ok {
		return existing, true, nil
	}
	file.ID = "file-nuevo"
	file.Status = FileUploaded
	f.created = append(f.created, file)
	f.existing[file.SHA256] = file
	return file, false, nil
}

type fakeQueue struct {
	jobs []scheduler.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, job scheduler.Job) (bool, error) {
	for _, j := range f.jobs {
		if j.JobType == job.JobType && j.ExternalKey == job.ExternalKey {
			return false, nil
		}
	}
	f.jobs = append(f.jobs, job)
	return true, nil
}

func uploadService(t *testing.T, repo Repository, queue Enqueuer) *Service {
	t.Helper()
	cfg := config.IngestionConfig{
		MaxUploadBytes:  1024,
		MaxConcurrent:   2,
		ProcessTimeout:  time.Second,
		MaxAttempts:     3,
		PurgeWindowDays: 7,
		ChunkSize:       800,
		ChunkOverlap:    150,
	}
	sched := config.SchedulerConfig{
		MaxRetries: 2,
		Priorities: map[string]int{JobExtract: 3, JobChunk: 2, JobEmbed: 1},
	}
	store := NewFileStore(t.TempDir(), cfg.MaxUploadBytes, false)
	return NewService(repo, store, nil, nil, nil, queue, cfg, sched, config.EmbeddingConfig{Concurrency: 2})
}

func TestUploadDuplicateReturnsExistingFile(t *testing.T) {
	repo := &fakeIngestRepo{existing: map[string]File{}}
	queue := &fakeQueue{}
	svc := uploadService(t, repo, queue)
	ctx := context.Background()

	first, err := svc.Upload(ctx, "ws-1", "menu.txt", "text/plain", strings.NewReader("pizzas y empanadas"))
	require.NoError(t, err)
	assert.Equal(t, "uploaded", first.Status)
	require.Len(t, queue.jobs, 1)
	assert.Equal(t, JobExtract, queue.jobs[0].JobType)

	// Segunda subida con los mismos bytes: mismo file_id, estado duplicate,
	// sin nuevo job de extraccion.
	second, err := svc.Upload(ctx, "ws-1", "otro-nombre.txt", "text/plain", strings.NewReader("pizzas y empanadas"))
	require.NoError(t, err)
	assert.Equal(t, "duplicate", second.Status)
	assert.Equal(t, first.FileID, second.FileID)
	assert.Len(t, queue.jobs, 1)
	assert.Len(t, repo.created, 1)
}

func TestUploadRejectsUnknownMime(t *testing.T) {
	svc := uploadService(t, &fakeIngestRepo{existing: map[string]File{}}, &fakeQueue{})

	_, err := svc.Upload(context.Background(), "ws-1", "virus.exe", "application/x-msdownload", strings.NewReader("MZ"))
	require.Error(t, err)
	var unsupported pkgError.UnsupportedMediaError
	assert.ErrorAs(t, err, &unsupported)
}
