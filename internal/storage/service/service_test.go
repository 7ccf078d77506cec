package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/promptvault/promptvault/internal/common/errors"
	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/events/bus"
	"github.com/promptvault/promptvault/internal/storage/backend"
	v1 "github.com/promptvault/promptvault/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	return log
}

func noSleep(ctx context.Context, d time.Duration) error {
	return nil
}

func newTestService(t *testing.T, b backend.Store, eventBus bus.EventBus) *Service {
	t.Helper()
	svc := New(b, eventBus, newTestLogger(), Options{
		MaxRetries: 3,
		Sleeper:    noSleep,
	})
	t.Cleanup(svc.Close)
	return svc
}

// flakyBackend silently drops the first dropWrites Set calls, so the write
// appears to succeed but a read-back does not reflect it.
type flakyBackend struct {
	*backend.MemoryStore
	dropWrites int32
}

func (f *flakyBackend) Set(ctx context.Context, key string, value []byte) error {
	if atomic.AddInt32(&f.dropWrites, -1) >= 0 {
		return nil
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestSavePromptAssignsIDAndTimestamps(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := &v1.Record{Name: "greeting", Template: "Hello, {name}"}
	if err := svc.SavePromptAtomic(ctx, rec); err != nil {
		t.Fatalf("SavePromptAtomic failed: %v", err)
	}

	if rec.ID == "" {
		t.Error("expected an id to be assigned in place")
	}
	if rec.CreatedAt == 0 || rec.UpdatedAt == 0 {
		t.Error("expected timestamps to be assigned in place")
	}

	prompts, err := svc.GetPrompts(ctx)
	if err != nil {
		t.Fatalf("GetPrompts failed: %v", err)
	}
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}
	if prompts[0].ID != rec.ID || prompts[0].Template != "Hello, {name}" {
		t.Errorf("persisted record does not match: %+v", prompts[0])
	}
}

func TestSavePromptPreservesCreatedAt(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := &v1.Record{Name: "greeting", Template: "v1"}
	if err := svc.SavePromptAtomic(ctx, rec); err != nil {
		t.Fatalf("initial save failed: %v", err)
	}
	created := rec.CreatedAt

	time.Sleep(2 * time.Millisecond)

	// An update carrying a bogus createdAt must not be able to rewrite it.
	update := &v1.Record{ID: rec.ID, Name: "greeting", Template: "v2", CreatedAt: 12345}
	if err := svc.SavePromptAtomic(ctx, update); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	if update.CreatedAt != created {
		t.Errorf("createdAt changed on update: got %d, want %d", update.CreatedAt, created)
	}
	if update.UpdatedAt <= created {
		t.Errorf("updatedAt should advance, got %d (created %d)", update.UpdatedAt, created)
	}

	prompts, _ := svc.GetPrompts(ctx)
	if len(prompts) != 1 {
		t.Fatalf("update should not create a second record, got %d", len(prompts))
	}
	if prompts[0].Template != "v2" {
		t.Errorf("expected updated template, got %q", prompts[0].Template)
	}
}

func TestPartialSavePreservesPriorFields(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := &v1.Record{
		Name:        "greeting",
		Template:    "Hello, {name}",
		Description: "says hi",
	}
	if err := svc.SavePromptAtomic(ctx, rec); err != nil {
		t.Fatalf("initial save failed: %v", err)
	}

	// A save supplying only id and name must leave the other fields alone.
	update := &v1.Record{ID: rec.ID, Name: "greeting-v2"}
	if err := svc.SavePromptAtomic(ctx, update); err != nil {
		t.Fatalf("partial save failed: %v", err)
	}

	prompts, _ := svc.GetPrompts(ctx)
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}
	got := prompts[0]
	if got.Name != "greeting-v2" {
		t.Errorf("expected updated name, got %q", got.Name)
	}
	if got.Template != "Hello, {name}" {
		t.Errorf("partial save wiped template: got %q", got.Template)
	}
	if got.Description != "says hi" {
		t.Errorf("partial save wiped description: got %q", got.Description)
	}

	// The caller's record is filled in with the merged state.
	if update.Template != "Hello, {name}" || update.Description != "says hi" {
		t.Errorf("expected merged fields on the passed record, got %+v", update)
	}
}

func TestDeletePrompt(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := &v1.Record{Name: "victim", Template: "t"}
	_ = svc.SavePromptAtomic(ctx, rec)

	if err := svc.DeletePromptAtomic(ctx, rec.ID); err != nil {
		t.Fatalf("DeletePromptAtomic failed: %v", err)
	}

	prompts, _ := svc.GetPrompts(ctx)
	if len(prompts) != 0 {
		t.Errorf("expected 0 prompts after delete, got %d", len(prompts))
	}
}

func TestDeleteAbsentPromptIsNoOp(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)

	if err := svc.DeletePromptAtomic(context.Background(), "never-existed"); err != nil {
		t.Errorf("deleting an absent id should succeed, got %v", err)
	}
}

func TestPromptsAndContextsAreIndependent(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	prompt := &v1.Record{Name: "p", Template: "t"}
	contextRec := &v1.Record{Name: "c", Text: "background info"}
	_ = svc.SavePromptAtomic(ctx, prompt)
	_ = svc.SaveContextAtomic(ctx, contextRec)

	prompts, _ := svc.GetPrompts(ctx)
	contexts, _ := svc.GetContexts(ctx)
	if len(prompts) != 1 || len(contexts) != 1 {
		t.Fatalf("expected 1 of each, got %d prompts and %d contexts", len(prompts), len(contexts))
	}

	if err := svc.DeletePromptAtomic(ctx, prompt.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	contexts, _ = svc.GetContexts(ctx)
	if len(contexts) != 1 {
		t.Error("deleting a prompt must not touch contexts")
	}
}

func TestConcurrentAtomicSaves(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := &v1.Record{Name: fmt.Sprintf("prompt-%d", i), Template: "t"}
			errs[i] = svc.SavePromptAtomic(ctx, rec)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	prompts, err := svc.GetPrompts(ctx)
	if err != nil {
		t.Fatalf("GetPrompts failed: %v", err)
	}
	if len(prompts) != n {
		t.Errorf("expected %d prompts to survive concurrent saves, got %d", n, len(prompts))
	}
}

func TestLegacyListMigratedThroughFacade(t *testing.T) {
	b := backend.NewMemoryStore()
	ctx := context.Background()

	legacy := []*v1.Record{
		{ID: "old-1", Name: "first", Template: "t1", CreatedAt: 100},
		{ID: "old-2", Name: "second", Template: "t2", CreatedAt: 200},
	}
	raw, _ := json.Marshal(legacy)
	_ = b.Set(ctx, KeyPrompts, raw)

	svc := newTestService(t, b, nil)

	prompts, err := svc.GetPrompts(ctx)
	if err != nil {
		t.Fatalf("GetPrompts failed: %v", err)
	}
	if len(prompts) != 2 {
		t.Fatalf("expected 2 migrated prompts, got %d", len(prompts))
	}
	if prompts[0].ID != "old-1" || prompts[1].ID != "old-2" {
		t.Errorf("unexpected ordering after migration: %s, %s", prompts[0].ID, prompts[1].ID)
	}

	// The migrated map must accept normal saves.
	rec := &v1.Record{Name: "third", Template: "t3"}
	if err := svc.SavePromptAtomic(ctx, rec); err != nil {
		t.Fatalf("save after migration failed: %v", err)
	}
	prompts, _ = svc.GetPrompts(ctx)
	if len(prompts) != 3 {
		t.Errorf("expected 3 prompts, got %d", len(prompts))
	}
}

func TestSaveRetriesVerificationFailure(t *testing.T) {
	flaky := &flakyBackend{MemoryStore: backend.NewMemoryStore(), dropWrites: 1}
	svc := newTestService(t, flaky, nil)

	rec := &v1.Record{Name: "resilient", Template: "t"}
	if err := svc.SavePromptAtomic(context.Background(), rec); err != nil {
		t.Fatalf("expected the retry to recover from a dropped write, got %v", err)
	}

	prompts, _ := svc.GetPrompts(context.Background())
	if len(prompts) != 1 {
		t.Errorf("expected the record to land on retry, got %d prompts", len(prompts))
	}
}

func TestSaveExhaustsRetries(t *testing.T) {
	// More dropped writes than the save has attempts.
	flaky := &flakyBackend{MemoryStore: backend.NewMemoryStore(), dropWrites: 100}
	svc := newTestService(t, flaky, nil)

	rec := &v1.Record{Name: "doomed", Template: "t"}
	err := svc.SavePromptAtomic(context.Background(), rec)
	if err == nil {
		t.Fatal("expected an error when every write is dropped")
	}
	if !apperrors.IsRetryExhausted(err) {
		t.Errorf("expected a retry-exhausted error, got %v", err)
	}
}

func TestDirectSaveAndDelete(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	rec := &v1.Record{Name: "direct", Template: "t"}
	if err := svc.SavePrompt(ctx, rec); err != nil {
		t.Fatalf("SavePrompt failed: %v", err)
	}

	prompts, _ := svc.GetPrompts(ctx)
	if len(prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(prompts))
	}

	if err := svc.DeletePrompt(ctx, rec.ID); err != nil {
		t.Fatalf("DeletePrompt failed: %v", err)
	}
	prompts, _ = svc.GetPrompts(ctx)
	if len(prompts) != 0 {
		t.Errorf("expected 0 prompts after direct delete, got %d", len(prompts))
	}
}

func TestGetConcurrencyMetrics(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	_ = svc.SavePromptAtomic(ctx, &v1.Record{Name: "a", Template: "t"})
	_ = svc.SavePromptAtomic(ctx, &v1.Record{Name: "b", Template: "t"})

	m := svc.GetConcurrencyMetrics()
	// Each atomic save records once at the executor layer and once at the
	// queue layer.
	if m.TotalOperations != 4 {
		t.Errorf("expected 4 combined operations, got %d", m.TotalOperations)
	}
	if m.FailedOperations != 0 {
		t.Errorf("expected no failures, got %d", m.FailedOperations)
	}
	if m.QueueDepth != 0 {
		t.Errorf("expected empty queue, got depth %d", m.QueueDepth)
	}
	if m.LastOperationTime == 0 {
		t.Error("expected last operation time to be set")
	}

	svc.ResetMetrics()
	m = svc.GetConcurrencyMetrics()
	if m.TotalOperations != 0 {
		t.Errorf("expected zeroed metrics after reset, got %d", m.TotalOperations)
	}
}

func TestChangeEventsPublished(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	defer eventBus.Close()

	received := make(chan *bus.Event, 10)
	_, err := eventBus.Subscribe("storage.>", func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	svc := newTestService(t, backend.NewMemoryStore(), eventBus)
	ctx := context.Background()

	rec := &v1.Record{Name: "announced", Template: "t"}
	if err := svc.SavePromptAtomic(ctx, rec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	select {
	case event := <-received:
		if event.Type != bus.SubjectPromptSaved {
			t.Errorf("expected %s, got %s", bus.SubjectPromptSaved, event.Type)
		}
		if event.Data["record_id"] != rec.ID {
			t.Errorf("expected record_id %s, got %v", rec.ID, event.Data["record_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for saved event")
	}

	if err := svc.DeletePromptAtomic(ctx, rec.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	select {
	case event := <-received:
		if event.Type != bus.SubjectPromptDeleted {
			t.Errorf("expected %s, got %s", bus.SubjectPromptDeleted, event.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for deleted event")
	}
}

func TestNoEventForAbsentDelete(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(newTestLogger())
	defer eventBus.Close()

	received := make(chan *bus.Event, 10)
	_, _ = eventBus.Subscribe("storage.>", func(ctx context.Context, event *bus.Event) error {
		received <- event
		return nil
	})

	svc := newTestService(t, backend.NewMemoryStore(), eventBus)
	if err := svc.DeletePromptAtomic(context.Background(), "ghost"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	select {
	case event := <-received:
		t.Errorf("no-op delete should not publish, got %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFlushDrainsQueue(t *testing.T) {
	svc := newTestService(t, backend.NewMemoryStore(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		rec := &v1.Record{Name: fmt.Sprintf("p%d", i), Template: "t"}
		_ = svc.SavePromptAtomic(ctx, rec)
	}

	if err := svc.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if depth := svc.GetConcurrencyMetrics().QueueDepth; depth != 0 {
		t.Errorf("expected empty queue after flush, got depth %d", depth)
	}
}
