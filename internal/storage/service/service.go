// Package service implements the storage facade: the public surface callers
// use to read, save, and delete prompt and context records. The facade owns
// the write queue, the retry executor, and the two record stores; callers
// never touch the persisted maps directly.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/errors"
	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/bus"
	"github.com/promptvault/promptvault/internal/storage/backend"
	"github.com/promptvault/promptvault/internal/storage/executor"
	"github.com/promptvault/promptvault/internal/storage/metrics"
	"github.com/promptvault/promptvault/internal/storage/queue"
	"github.com/promptvault/promptvault/internal/storage/store"
	v1 "github.com/promptvault/promptvault/pkg/api/v1"
)

// Backing keys. Each holds one record map.
const (
	KeyPrompts  = "prompts"
	KeyContexts = "contexts"
)

const eventSource = "storage-service"

// Non-atomic saves and deletes use a local bounded retry: a fixed small
// attempt count with a short fixed backoff, no queue serialization.
const (
	directAttempts = 3
	directBackoff  = 50 * time.Millisecond
)

// Options configures a Service.
type Options struct {
	// MaxRetries bounds attempts of atomic operations. Zero means the
	// executor default.
	MaxRetries int

	// BaseDelay and MaxDelay parameterize the exponential backoff of atomic
	// retries. Zero values mean the executor defaults.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Sleeper overrides the suspend primitive used between attempts.
	// Intended for tests; nil means real sleeping.
	Sleeper executor.Sleeper
}

// Service is the storage facade.
type Service struct {
	prompts  *store.Store
	contexts *store.Store
	queue    *queue.WriteQueue
	executor *executor.Executor
	bus      bus.EventBus
	logger   *logger.Logger

	maxRetries int
	sleep      executor.Sleeper
}

// New creates a storage facade over the given backing store. Each facade owns
// its own write queue, so independent facades (and tests) never share queue
// state.
func New(b backend.Store, eventBus bus.EventBus, log *logger.Logger, opts Options) *Service {
	q := queue.New(log)

	execOpts := []executor.Option{}
	if opts.BaseDelay > 0 && opts.MaxDelay > 0 {
		execOpts = append(execOpts, executor.WithBackoff(opts.BaseDelay, opts.MaxDelay))
	}
	if opts.Sleeper != nil {
		execOpts = append(execOpts, executor.WithSleeper(opts.Sleeper))
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = executor.DefaultMaxRetries
	}

	sleep := opts.Sleeper
	if sleep == nil {
		sleep = func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return &Service{
		prompts:    store.New(b, KeyPrompts, log),
		contexts:   store.New(b, KeyContexts, log),
		queue:      q,
		executor:   executor.New(q, log, execOpts...),
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "storage_service")),
		maxRetries: maxRetries,
		sleep:      sleep,
	}
}

// Prompt operations

// GetPrompts returns all prompt records ordered by creation time, ties broken
// by id.
func (s *Service) GetPrompts(ctx context.Context) ([]*v1.Record, error) {
	records, err := s.prompts.Read(ctx)
	if err != nil {
		return nil, err
	}
	return store.Sorted(records), nil
}

// SavePrompt creates or updates a prompt record without queue serialization.
// Unsafe under concurrent writers; retained for single-writer call sites.
// The record is updated in place with its assigned id and timestamps.
func (s *Service) SavePrompt(ctx context.Context, rec *v1.Record) error {
	return s.saveDirect(ctx, s.prompts, rec, "save_prompt", bus.SubjectPromptSaved)
}

// SavePromptAtomic creates or updates a prompt record through the write
// queue, with retry and post-write verification.
func (s *Service) SavePromptAtomic(ctx context.Context, rec *v1.Record) error {
	return s.saveAtomic(ctx, s.prompts, rec, "save_prompt", bus.SubjectPromptSaved)
}

// DeletePrompt removes a prompt record without queue serialization.
// Deleting an absent id is a successful no-op.
func (s *Service) DeletePrompt(ctx context.Context, id string) error {
	return s.deleteDirect(ctx, s.prompts, id, "delete_prompt", bus.SubjectPromptDeleted)
}

// DeletePromptAtomic removes a prompt record through the write queue.
func (s *Service) DeletePromptAtomic(ctx context.Context, id string) error {
	return s.deleteAtomic(ctx, s.prompts, id, "delete_prompt", bus.SubjectPromptDeleted)
}

// Context operations

// GetContexts returns all context records ordered by creation time, ties
// broken by id.
func (s *Service) GetContexts(ctx context.Context) ([]*v1.Record, error) {
	records, err := s.contexts.Read(ctx)
	if err != nil {
		return nil, err
	}
	return store.Sorted(records), nil
}

// SaveContext creates or updates a context record without queue
// serialization. Unsafe under concurrent writers.
func (s *Service) SaveContext(ctx context.Context, rec *v1.Record) error {
	return s.saveDirect(ctx, s.contexts, rec, "save_context", bus.SubjectContextSaved)
}

// SaveContextAtomic creates or updates a context record through the write
// queue, with retry and post-write verification.
func (s *Service) SaveContextAtomic(ctx context.Context, rec *v1.Record) error {
	return s.saveAtomic(ctx, s.contexts, rec, "save_context", bus.SubjectContextSaved)
}

// DeleteContext removes a context record without queue serialization.
func (s *Service) DeleteContext(ctx context.Context, id string) error {
	return s.deleteDirect(ctx, s.contexts, id, "delete_context", bus.SubjectContextDeleted)
}

// DeleteContextAtomic removes a context record through the write queue.
func (s *Service) DeleteContextAtomic(ctx context.Context, id string) error {
	return s.deleteAtomic(ctx, s.contexts, id, "delete_context", bus.SubjectContextDeleted)
}

// Observability

// GetConcurrencyMetrics combines executor-level and queue-level counters into
// one snapshot.
func (s *Service) GetConcurrencyMetrics() v1.StorageMetrics {
	return metrics.Combine(
		s.executor.Metrics().Snapshot(),
		s.queue.Metrics().Snapshot(),
		s.queue.Depth(),
	)
}

// ResetMetrics zeroes both metric layers.
func (s *Service) ResetMetrics() {
	s.executor.Metrics().Reset()
	s.queue.Metrics().Reset()
}

// Flush drains the write queue, waiting for every queued operation.
func (s *Service) Flush(ctx context.Context) error {
	return s.queue.Flush(ctx)
}

// Close stops the write queue worker. Pending queued operations are rejected.
func (s *Service) Close() {
	s.queue.Close()
}

// Save/delete algorithm bodies. Both are idempotent: every attempt re-reads
// current state, so the executor can retry them blindly.

// saveRecord is one save attempt: read, overlay the caller's fields on the
// prior record, force id and timestamps, merge-write, then verify the write
// landed. Payloads may be partial: an empty field means "unchanged", so a
// save supplying only a new name keeps the prior template and description.
func (s *Service) saveRecord(ctx context.Context, st *store.Store, rec *v1.Record) error {
	records, err := st.Read(ctx)
	if err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = store.NewRecordID()
	}

	now := time.Now().UnixMilli()
	if prior, ok := records[rec.ID]; ok {
		if rec.Name == "" {
			rec.Name = prior.Name
		}
		if rec.Template == "" {
			rec.Template = prior.Template
		}
		if rec.Text == "" {
			rec.Text = prior.Text
		}
		if rec.Description == "" {
			rec.Description = prior.Description
		}
		// createdAt is immutable once a record exists.
		rec.CreatedAt = prior.CreatedAt
	} else if rec.CreatedAt == 0 {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	if err := st.Write(ctx, map[string]*v1.Record{rec.ID: rec.Clone()}, store.ModeMerge); err != nil {
		return err
	}

	// A write that silently didn't land is a failure, not a success; this is
	// what gives the outer retry loop something to act on.
	verify, err := st.Read(ctx)
	if err != nil {
		return err
	}
	got, ok := verify[rec.ID]
	if !ok || got.UpdatedAt != rec.UpdatedAt || got.Name != rec.Name {
		return errors.VerificationFailed("save", rec.ID)
	}
	return nil
}

// deleteRecord is one delete attempt: read, drop the key, replace-write (a
// merge would resurrect the key), then verify the id is gone. Returns whether
// the record existed.
func (s *Service) deleteRecord(ctx context.Context, st *store.Store, id string) (bool, error) {
	records, err := st.Read(ctx)
	if err != nil {
		return false, err
	}

	if _, ok := records[id]; !ok {
		return false, nil
	}
	delete(records, id)

	if err := st.Write(ctx, records, store.ModeReplace); err != nil {
		return true, err
	}

	verify, err := st.Read(ctx)
	if err != nil {
		return true, err
	}
	if _, still := verify[id]; still {
		return true, errors.VerificationFailed("delete", id)
	}
	return true, nil
}

// Path wiring

func (s *Service) saveAtomic(ctx context.Context, st *store.Store, rec *v1.Record, name, subject string) error {
	err := s.executor.ExecuteAtomicWithRetry(ctx, name, func(ctx context.Context) error {
		return s.saveRecord(ctx, st, rec)
	}, s.maxRetries)
	if err != nil {
		return err
	}
	s.publish(ctx, subject, rec.ID)
	return nil
}

func (s *Service) saveDirect(ctx context.Context, st *store.Store, rec *v1.Record, name, subject string) error {
	var lastErr error
	for attempt := 1; attempt <= directAttempts; attempt++ {
		lastErr = s.saveRecord(ctx, st, rec)
		if lastErr == nil {
			s.publish(ctx, subject, rec.ID)
			return nil
		}
		if attempt < directAttempts {
			if err := s.sleep(ctx, directBackoff); err != nil {
				break
			}
		}
	}
	return errors.RetryExhausted(name, directAttempts, lastErr)
}

func (s *Service) deleteAtomic(ctx context.Context, st *store.Store, id, name, subject string) error {
	existed := false
	err := s.executor.ExecuteAtomicWithRetry(ctx, name, func(ctx context.Context) error {
		var opErr error
		existed, opErr = s.deleteRecord(ctx, st, id)
		return opErr
	}, s.maxRetries)
	if err != nil {
		return err
	}
	if existed {
		s.publish(ctx, subject, id)
	}
	return nil
}

func (s *Service) deleteDirect(ctx context.Context, st *store.Store, id, name, subject string) error {
	var lastErr error
	for attempt := 1; attempt <= directAttempts; attempt++ {
		existed, opErr := s.deleteRecord(ctx, st, id)
		if opErr == nil {
			if existed {
				s.publish(ctx, subject, id)
			}
			return nil
		}
		lastErr = opErr
		if attempt < directAttempts {
			if err := s.sleep(ctx, directBackoff); err != nil {
				break
			}
		}
	}
	return errors.RetryExhausted(name, directAttempts, lastErr)
}

func (s *Service) publish(ctx context.Context, subject, recordID string) {
	if s.bus == nil {
		return
	}
	event := bus.NewEvent(subject, eventSource, map[string]interface{}{
		"record_id": recordID,
	})
	if err := s.bus.Publish(ctx, subject, event); err != nil {
		s.logger.Warn("failed to publish change event",
			zap.String("subject", subject),
			zap.String("record_id", recordID),
			zap.Error(err))
	}
}
