package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// The job queue is operated by the scheduler process under a system role, so
// claims and status transitions run outside tenant sessions. Every row still
// carries its workspace and admin listings restate the predicate.

type jobModel struct {
	ID          string    `gorm:"column:id;primaryKey;type:uuid"`
	WorkspaceID string    `gorm:"column:workspace_id;type:uuid;index"`
	DocumentID  string    `gorm:"column:document_id;type:uuid;index"`
	JobType     string    `gorm:"column:job_type;index:idx_jobs_claim"`
	Status      string    `gorm:"column:status;index:idx_jobs_claim"`
	Payload     []byte    `gorm:"column:payload;type:jsonb"`
	Retries     int       `gorm:"column:retries"`
	MaxRetries  int       `gorm:"column:max_retries"`
	NextRunAt   time.Time `gorm:"column:next_run_at;index:idx_jobs_claim"`
	ExternalKey string    `gorm:"column:external_key"`
	Priority    int       `gorm:"column:priority"`
	Paused      bool      `gorm:"column:paused"`
	LastError   string    `gorm:"column:last_error"`

	BackoffBaseSeconds int     `gorm:"column:backoff_base_seconds"`
	BackoffFactor      float64 `gorm:"column:backoff_factor"`
	JitterSeconds      int     `gorm:"column:jitter_seconds"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (jobModel) TableName() string {
	return "processing_jobs"
}

func toJob(m jobModel) Job {
	return Job{
		ID:          m.ID,
		WorkspaceID: m.WorkspaceID,
		DocumentID:  m.DocumentID,
		JobType:     m.JobType,
		Status:      JobStatus(m.Status),
		Payload:     json.RawMessage(m.Payload),
		Retries:     m.Retries,
		MaxRetries:  m.MaxRetries,
		NextRunAt:   m.NextRunAt,
		ExternalKey: m.ExternalKey,
		Priority:    m.Priority,
		Paused:      m.Paused,
		LastError:   m.LastError,

		BackoffBaseSeconds: m.BackoffBaseSeconds,
		BackoffFactor:      m.BackoffFactor,
		JitterSeconds:      m.JitterSeconds,

		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// Repository is the persistence surface of the queue.
type Repository interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
	Claim(ctx context.Context, jobType string, limit int) ([]Job, error)
	RunningCount(ctx context.Context, jobType string) (int64, error)
	MarkCompleted(ctx context.Context, jobID string) error
	MarkRetry(ctx context.Context, jobID string, nextRunAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, jobID string, lastError string) error
	SetPaused(ctx context.Context, jobID string, paused bool) error
	RequeueFailed(ctx context.Context, jobType string) (int64, error)
	RequeueOne(ctx context.Context, jobID string) error
	ListDLQ(ctx context.Context, jobType string, limit int) ([]Job, error)
	NextJobs(ctx context.Context, limit int) ([]Job, error)
	Stats(ctx context.Context) ([]TypeStats, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Init() error {
	if err := r.db.AutoMigrate(&jobModel{}); err != nil {
		return err
	}
	// Unicidad parcial: un solo job no terminal por (job_type, external_key).
	return r.db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_external_key
		ON processing_jobs (job_type, external_key)
		WHERE status NOT IN ('completed', 'failed')`).Error
}

// Enqueue inserts a job unless an equivalent non-terminal one exists.
// Returns false when the insert was a no-op.
func (r *GormRepository) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = time.Now()
	}

	res := r.db.WithContext(ctx).Exec(`INSERT INTO processing_jobs
		(id, workspace_id, document_id, job_type, status, payload, retries, max_retries,
		 next_run_at, external_key, priority, paused, last_error,
		 backoff_base_seconds, backoff_factor, jitter_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, false, '', ?, ?, ?, now(), now())
		ON CONFLICT (job_type, external_key) WHERE status NOT IN ('completed', 'failed')
		DO NOTHING`,
		job.ID, job.WorkspaceID, job.DocumentID, job.JobType, string(job.Status),
		[]byte(job.Payload), job.MaxRetries, job.NextRunAt, job.ExternalKey, job.Priority,
		job.BackoffBaseSeconds, job.BackoffFactor, job.JitterSeconds)
	if res.Error != nil {
		return false, fmt.Errorf("enqueue %s job: %w", job.JobType, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Claim atomically moves up to limit due jobs of one type to processing.
// SKIP LOCKED keeps concurrent dispatchers from double-claiming.
func (r *GormRepository) Claim(ctx context.Context, jobType string, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []jobModel
	err := r.db.WithContext(ctx).Raw(`UPDATE processing_jobs SET
			status = 'processing', started_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE job_type = ?
			  AND status IN ('pending', 'retry')
			  AND paused = false
			  AND next_run_at <= now()
			ORDER BY priority DESC, next_run_at ASC
			LIMIT ?
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, jobType, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("claim %s jobs: %w", jobType, err)
	}

	jobs := make([]Job, 0, len(rows))
	for _, m := range rows {
		jobs = append(jobs, toJob(m))
	}
	return jobs, nil
}

func (r *GormRepository) RunningCount(ctx context.Context, jobType string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("job_type = ? AND status = ?", jobType, string(StatusProcessing)).
		Count(&n).Error
	return n, err
}

func (r *GormRepository) MarkCompleted(ctx context.Context, jobID string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       string(StatusCompleted),
			"completed_at": now,
			"last_error":   "",
			"updated_at":   now,
		}).Error
}

func (r *GormRepository) MarkRetry(ctx context.Context, jobID string, nextRunAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"status":      string(StatusRetry),
			"retries":     gorm.Expr("retries + 1"),
			"next_run_at": nextRunAt,
			"last_error":  lastError,
			"updated_at":  time.Now(),
		}).Error
}

func (r *GormRepository) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"status":       string(StatusFailed),
			"completed_at": now,
			"last_error":   lastError,
			"updated_at":   now,
		}).Error
}

func (r *GormRepository) SetPaused(ctx context.Context, jobID string, paused bool) error {
	res := r.db.WithContext(ctx).Model(&jobModel{}).Where("id = ?", jobID).
		Updates(map[string]any{"paused": paused, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RequeueFailed puts every failed job of a type back in the queue.
func (r *GormRepository) RequeueFailed(ctx context.Context, jobType string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("job_type = ? AND status = ?", jobType, string(StatusFailed)).
		Updates(map[string]any{
			"status":      string(StatusPending),
			"retries":     0,
			"next_run_at": time.Now(),
			"last_error":  "",
			"updated_at":  time.Now(),
		})
	return res.RowsAffected, res.Error
}

func (r *GormRepository) RequeueOne(ctx context.Context, jobID string) error {
	res := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("id = ? AND status = ?", jobID, string(StatusFailed)).
		Updates(map[string]any{
			"status":      string(StatusPending),
			"retries":     0,
			"next_run_at": time.Now(),
			"last_error":  "",
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListDLQ returns terminal failures, newest first.
func (r *GormRepository) ListDLQ(ctx context.Context, jobType string, limit int) ([]Job, error) {
	q := r.db.WithContext(ctx).Model(&jobModel{}).Where("status = ?", string(StatusFailed))
	if jobType != "" {
		q = q.Where("job_type = ?", jobType)
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []jobModel
	if err := q.Order("updated_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, m := range rows {
		jobs = append(jobs, toJob(m))
	}
	return jobs, nil
}

// NextJobs previews the upcoming dispatch order.
func (r *GormRepository) NextJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []jobModel
	err := r.db.WithContext(ctx).Model(&jobModel{}).
		Where("status IN ? AND paused = false", []string{string(StatusPending), string(StatusRetry)}).
		Order("priority DESC, next_run_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(rows))
	for _, m := range rows {
		jobs = append(jobs, toJob(m))
	}
	return jobs, nil
}

func (r *GormRepository) Stats(ctx context.Context) ([]TypeStats, error) {
	type row struct {
		JobType string
		Status  string
		N       int64
	}
	var rows []row
	err := r.db.WithContext(ctx).Model(&jobModel{}).
		Select("job_type, status, count(*) AS n").
		Group("job_type, status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	byType := map[string]*TypeStats{}
	order := []string{}
	for _, rw := range rows {
		st, ok := byType[rw.JobType]
		if !ok {
			st = &TypeStats{JobType: rw.JobType}
			byType[rw.JobType] = st
			order = append(order, rw.JobType)
		}
		switch JobStatus(rw.Status) {
		case StatusPending:
			st.Pending = rw.N
		case StatusProcessing:
			st.Processing = rw.N
		case StatusCompleted:
			st.Completed = rw.N
		case StatusRetry:
			st.Retry = rw.N
		case StatusFailed:
			st.Failed = rw.N
		}
	}

	out := make([]TypeStats, 0, len(order))
	for _, t := range order {
		out = append(out, *byType[t])
	}
	return out, nil
}
