//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newPostgresRepository(t *testing.T) *SubmissionRepository {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("facecapture"),
		tcpostgres.WithUsername("facecapture"),
		tcpostgres.WithPassword("facecapture"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	repo := NewSubmissionRepository(db, zap.NewNop())
	require.NoError(t, repo.AutoMigrate(ctx))
	return repo
}

func TestSubmissionRepositoryRoundTrip(t *testing.T) {
	repo := newPostgresRepository(t)
	ctx := context.Background()

	older := &SubmissionLog{SessionID: "s-1", OperatorID: "op-1", Purpose: "recognize", Stage: "failed",
		Kind: "transport_failed", Category: "timeout", Attempts: 4, CreatedAt: time.Now().Add(-time.Minute).UTC()}
	newer := &SubmissionLog{SessionID: "s-1", OperatorID: "op-1", Purpose: "recognize", Stage: "succeeded",
		Kind: "recognized", Category: "success", IdentityID: "u-1", Confidence: 0.9, Attempts: 1}
	require.NoError(t, repo.SaveLog(ctx, older))
	require.NoError(t, repo.SaveLog(ctx, newer))

	found, err := repo.FindBySession(ctx, "s-1", "op-1")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, found.ID)

	_, err = repo.FindBySession(ctx, "s-1", "someone-else")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	logs, err := repo.ListByOperator(ctx, "op-1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	agg, err := repo.AggregateMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.TotalCount)
	assert.Equal(t, int64(1), agg.SucceededCount)
	assert.InDelta(t, 0.9, agg.AverageConfidence, 1e-9)
	assert.InDelta(t, 2.5, agg.AverageAttempts, 1e-9)
}
