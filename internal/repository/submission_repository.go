package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-capture/internal/logging"
)

// SubmissionLog represents a persisted terminal submission of a capture session.
type SubmissionLog struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"column:session_id;index;size:64"`
	OperatorID      string    `gorm:"column:operator_id;index;size:64"`
	Purpose         string    `gorm:"column:purpose;size:16"`
	Stage           string    `gorm:"column:stage;size:16"`
	Kind            string    `gorm:"column:kind;size:32"`
	Category        string    `gorm:"column:category;size:32"`
	IdentityID      string    `gorm:"column:identity_id;size:128"`
	IdentityName    string    `gorm:"column:identity_name;size:256"`
	Confidence      float64   `gorm:"column:confidence"`
	Attempts        int       `gorm:"column:attempts"`
	FramesSubmitted int       `gorm:"column:frames_submitted"`
	StatusCode      int       `gorm:"column:status_code"`
	Message         string    `gorm:"column:message;type:text"`
	CreatedAt       time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (SubmissionLog) TableName() string {
	return "submission_logs"
}

// MetricsAggregation is the raw aggregate over persisted submissions.
type MetricsAggregation struct {
	TotalCount        int64
	SucceededCount    int64
	AverageConfidence float64
	AverageAttempts   float64
}

// SubmissionRepository provides persistence APIs for submission logs.
type SubmissionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubmissionRepository creates a new repository instance.
func NewSubmissionRepository(db *gorm.DB, logger *zap.Logger) *SubmissionRepository {
	return &SubmissionRepository{
		db:             db,
		logger:         logger.Named("submission_repository"),
		retryAttempts:  3,
		initialBackoff: 100 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SubmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&SubmissionLog{})
}

// SaveLog persists a submission log entry.
func (r *SubmissionRepository) SaveLog(ctx context.Context, log *SubmissionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return r.executeWithRetry(ctx, "repository.save_log", log.SessionID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindBySession retrieves the latest submission of a session owned by operatorID.
func (r *SubmissionRepository) FindBySession(ctx context.Context, sessionID, operatorID string) (*SubmissionLog, error) {
	var log SubmissionLog
	err := r.executeWithRetry(ctx, "repository.find_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ? AND operator_id = ?", sessionID, operatorID).
			Order("created_at DESC").
			First(&log).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// ListByOperator returns the most recent submissions of an operator.
func (r *SubmissionRepository) ListByOperator(ctx context.Context, operatorID string, limit int) ([]*SubmissionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var logs []*SubmissionLog
	err := r.executeWithRetry(ctx, "repository.list_by_operator", "", func() error {
		return r.db.WithContext(ctx).
			Where("operator_id = ?", operatorID).
			Order("created_at DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics summarizes all persisted submissions.
func (r *SubmissionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount        int64
		SucceededCount    int64
		AverageConfidence float64
		AverageAttempts   float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&SubmissionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN stage = 'succeeded' THEN 1 ELSE 0 END), 0) AS succeeded_count,
				COALESCE(AVG(CASE WHEN kind = 'recognized' THEN confidence END), 0) AS average_confidence,
				COALESCE(AVG(attempts), 0) AS average_attempts`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:        row.TotalCount,
		SucceededCount:    row.SucceededCount,
		AverageConfidence: row.AverageConfidence,
		AverageAttempts:   row.AverageAttempts,
	}, nil
}

// executeWithRetry runs fn up to retryAttempts times, backing off between
// transient failures. Every returned error is an OperationError.
func (r *SubmissionRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

// transientSQLStates are postgres error classes worth retrying: connection
// exceptions, serialization failures, deadlocks and admin shutdown.
var transientSQLStates = map[string]bool{
	"08000": true, "08003": true, "08006": true, "08001": true, "08004": true,
	"40001": true, "40P01": true, "57P01": true, "57P03": true,
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
