// Package usecase owns capture sessions: the recognition/registration state
// machine, and the manager that creates sessions per operator, persists
// their results and caches them for later retrieval.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-capture/internal/capture"
	"github.com/example/face-capture/internal/logging"
	"github.com/example/face-capture/internal/metrics"
	"github.com/example/face-capture/internal/recognition"
	"github.com/example/face-capture/internal/repository"
)

var ErrSessionNotFound = errors.New("session not found")

// SubmissionRepository defines the persistence operations needed by the manager.
type SubmissionRepository interface {
	SaveLog(ctx context.Context, log *repository.SubmissionLog) error
	FindBySession(ctx context.Context, sessionID, operatorID string) (*repository.SubmissionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// ManagerConfig carries the policy applied to every new session.
type ManagerConfig struct {
	FramesUsed          int
	UseMultiAngle       bool
	ConfidenceThreshold float64
	ShowDetailedErrors  bool
	ResultTTL           time.Duration
	// IdleTTL closes sessions nobody has touched for this long. Zero keeps
	// sessions until they are closed explicitly.
	IdleTTL time.Duration
	// ReapInterval is how often idle sessions are looked for. Defaults to
	// IdleTTL/4 with a one second floor.
	ReapInterval time.Duration
}

// Dependencies groups the collaborators of a Manager. Repo and Cache may be
// nil, in which case results are neither persisted nor cached.
type Dependencies struct {
	Repo         SubmissionRepository
	Cache        Cache
	Submitter    Submitter
	Factory      capture.DeviceFactory
	Orchestrator *capture.Orchestrator
	// Preprocessors holds one engine per purpose; they differ in target dimension.
	Preprocessors map[recognition.Purpose]Preprocessor
	Metrics       *metrics.Pipeline
}

// Manager creates and tracks sessions.
type Manager struct {
	deps           Dependencies
	cfg            ManagerConfig
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	sessions map[string]*Session
	lastSeen map[string]time.Time
}

// StoredResult is the retrievable summary of a finished session.
type StoredResult struct {
	SessionID       string    `json:"session_id"`
	OperatorID      string    `json:"operator_id"`
	Purpose         string    `json:"purpose"`
	Stage           string    `json:"stage"`
	Kind            string    `json:"kind"`
	Category        string    `json:"category"`
	IdentityID      string    `json:"identity_id,omitempty"`
	IdentityName    string    `json:"identity_name,omitempty"`
	Confidence      float64   `json:"confidence"`
	Attempts        int       `json:"attempts"`
	FramesSubmitted int       `json:"frames_submitted"`
	StatusCode      int       `json:"status_code,omitempty"`
	Message         string    `json:"message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewManager constructs a manager.
func NewManager(deps Dependencies, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 15 * time.Minute
	}
	m := &Manager{
		deps:           deps,
		cfg:            cfg,
		logger:         logger.Named("session_manager"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
		now:            time.Now,
		stop:           make(chan struct{}),
		sessions:       make(map[string]*Session),
		lastSeen:       make(map[string]time.Time),
	}
	if cfg.IdleTTL > 0 {
		interval := cfg.ReapInterval
		if interval <= 0 {
			interval = max(cfg.IdleTTL/4, time.Second)
		}
		go m.runReaper(interval)
	}
	return m
}

// Open creates a new Idle session for operatorID.
func (m *Manager) Open(operatorID string, purpose recognition.Purpose) (*Session, error) {
	if !purpose.Valid() {
		return nil, &recognition.ValidationError{Field: "purpose", Message: fmt.Sprintf("Unknown purpose %q", purpose)}
	}
	pre, ok := m.deps.Preprocessors[purpose]
	if !ok {
		return nil, fmt.Errorf("no preprocessor configured for %s", purpose)
	}

	id := uuid.NewString()
	session := newSession(id, operatorID, SessionConfig{
		Purpose:             purpose,
		FramesUsed:          m.cfg.FramesUsed,
		UseMultiAngle:       m.cfg.UseMultiAngle,
		ConfidenceThreshold: m.cfg.ConfidenceThreshold,
		ShowDetailedErrors:  m.cfg.ShowDetailedErrors,
	}, sessionDeps{
		factory:      m.deps.Factory,
		orchestrator: m.deps.Orchestrator,
		preprocessor: pre,
		submitter:    m.deps.Submitter,
		onResult:     m.persist,
		logger:       m.logger,
	})

	m.mu.Lock()
	m.sessions[id] = session
	m.lastSeen[id] = m.now()
	m.mu.Unlock()
	m.deps.Metrics.SessionOpened()

	logging.WithOperation(m.logger, "manager.open", id).Info("session opened",
		zap.String("operator_id", operatorID), zap.String("purpose", string(purpose)))
	return session, nil
}

// Get returns the session id owned by operatorID.
// Every lookup counts as activity and keeps the session from being reaped.
func (m *Manager) Get(operatorID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok || session.OperatorID() != operatorID {
		return nil, ErrSessionNotFound
	}
	m.lastSeen[id] = m.now()
	return session, nil
}

// Close releases and forgets a session.
func (m *Manager) Close(operatorID, id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok || session.OperatorID() != operatorID {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	delete(m.lastSeen, id)
	m.mu.Unlock()

	session.Close()
	m.deps.Metrics.SessionClosed()
	return nil
}

// Shutdown stops the idle reaper and closes every open session.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.lastSeen = make(map[string]time.Time)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.deps.Metrics.SessionClosed()
	}
}

func (m *Manager) runReaper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

// reapIdle closes sessions idle for longer than IdleTTL and returns their ids.
// A session with a submission in flight is left alone until it finishes.
func (m *Manager) reapIdle() []string {
	if m.cfg.IdleTTL <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.cfg.IdleTTL)

	var expired []*Session
	m.mu.Lock()
	for id, seen := range m.lastSeen {
		session := m.sessions[id]
		if session == nil || !seen.Before(cutoff) || session.busy() {
			continue
		}
		delete(m.sessions, id)
		delete(m.lastSeen, id)
		expired = append(expired, session)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, session := range expired {
		session.Close()
		m.deps.Metrics.SessionClosed()
		ids = append(ids, session.ID())
		logging.WithOperation(m.logger, "manager.reap", session.ID()).Info("idle session closed",
			zap.String("operator_id", session.OperatorID()))
	}
	return ids
}

// persist records a finished submission in the repository and the result cache.
// Failures are logged; they never change the session's result.
func (m *Manager) persist(ctx context.Context, snap Snapshot, result Result) {
	m.deps.Metrics.ObserveSubmission(string(snap.Purpose), string(result.Category))
	stored := toStoredResult(snap, result)
	opLogger := logging.WithOperation(m.logger, "manager.persist", snap.ID)

	if m.deps.Repo != nil {
		log := stored.toLog()
		if err := m.deps.Repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist submission log", zap.Error(err))
		}
	}

	if m.deps.Cache == nil {
		return
	}
	serialized, err := json.Marshal(stored)
	if err != nil {
		opLogger.Error("failed to serialize session result", zap.Error(err))
		return
	}
	if err := m.withRedisRetry(ctx, snap.ID, "cache.set.result", func() error {
		return m.deps.Cache.Set(ctx, resultKey(snap.ID), string(serialized), m.cfg.ResultTTL)
	}); err != nil {
		opLogger.Error("failed to cache session result", zap.Error(err))
	}
}

// GetResult retrieves a cached session result or loads it from persistence.
func (m *Manager) GetResult(ctx context.Context, operatorID, sessionID string) (*StoredResult, error) {
	if m.deps.Cache != nil {
		cached, err := m.withRedisGet(ctx, sessionID, "cache.get.result", resultKey(sessionID))
		switch {
		case err == nil:
			var payload StoredResult
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				logging.WithOperation(m.logger, "manager.get_result", sessionID).Warn("failed to decode cached result", zap.Error(err))
			} else if payload.OperatorID == operatorID {
				return &payload, nil
			}
		case !errors.Is(err, redis.Nil):
			logging.WithOperation(m.logger, "manager.get_result", sessionID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if m.deps.Repo == nil {
		return nil, ErrSessionNotFound
	}
	log, err := m.deps.Repo.FindBySession(ctx, sessionID, operatorID)
	if err != nil {
		return nil, err
	}
	return fromLog(log), nil
}

func resultKey(sessionID string) string {
	return fmt.Sprintf("session-result:%s", sessionID)
}

func toStoredResult(snap Snapshot, result Result) StoredResult {
	out := StoredResult{
		SessionID:       snap.ID,
		OperatorID:      snap.OperatorID,
		Purpose:         string(snap.Purpose),
		Stage:           string(snap.Stage),
		Kind:            result.Outcome.Kind.String(),
		Category:        string(result.Category),
		Confidence:      result.Outcome.Confidence,
		Attempts:        result.Outcome.Attempts,
		FramesSubmitted: result.FramesSubmitted,
		StatusCode:      result.Outcome.StatusCode,
		Message:         result.Message,
		CreatedAt:       result.CompletedAt,
	}
	if id := result.Outcome.Identity; id != nil {
		out.IdentityID = id.ID
		out.IdentityName = id.Name
	}
	return out
}

func (r StoredResult) toLog() *repository.SubmissionLog {
	return &repository.SubmissionLog{
		SessionID:       r.SessionID,
		OperatorID:      r.OperatorID,
		Purpose:         r.Purpose,
		Stage:           r.Stage,
		Kind:            r.Kind,
		Category:        r.Category,
		IdentityID:      r.IdentityID,
		IdentityName:    r.IdentityName,
		Confidence:      r.Confidence,
		Attempts:        r.Attempts,
		FramesSubmitted: r.FramesSubmitted,
		StatusCode:      r.StatusCode,
		Message:         r.Message,
		CreatedAt:       r.CreatedAt,
	}
}

func fromLog(log *repository.SubmissionLog) *StoredResult {
	return &StoredResult{
		SessionID:       log.SessionID,
		OperatorID:      log.OperatorID,
		Purpose:         log.Purpose,
		Stage:           log.Stage,
		Kind:            log.Kind,
		Category:        log.Category,
		IdentityID:      log.IdentityID,
		IdentityName:    log.IdentityName,
		Confidence:      log.Confidence,
		Attempts:        log.Attempts,
		FramesSubmitted: log.FramesSubmitted,
		StatusCode:      log.StatusCode,
		Message:         log.Message,
		CreatedAt:       log.CreatedAt,
	}
}

func (m *Manager) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if m.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := m.initialBackoff
	opLogger := logging.WithOperation(m.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= m.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == m.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (m *Manager) withRedisGet(ctx context.Context, sessionID, operation, key string) (string, error) {
	var result string
	err := m.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := m.deps.Cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
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
