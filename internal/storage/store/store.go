// Package store implements the record store: a persisted mapping from record
// id to versioned record, with transparent migration of the legacy list
// format and a deterministic externally-visible ordering.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptvault/promptvault/internal/common/logger"
	"github.com/promptvault/promptvault/internal/storage/backend"
	v1 "github.com/promptvault/promptvault/pkg/api/v1"
)

// WriteMode selects how Write combines the caller's map with persisted state.
type WriteMode int

const (
	// ModeMerge reads the latest persisted map and shallow-merges the
	// caller's map on top before persisting. Used for creates and updates to
	// narrow the clobber window between concurrent writers.
	ModeMerge WriteMode = iota

	// ModeReplace persists the caller's map verbatim. Mandatory for
	// deletions: a merge would resurrect a deleted key if a concurrent read
	// raced ahead of the delete.
	ModeReplace
)

// Store owns one backing key holding a map of records. It is the only
// component that touches the raw persisted value; callers never mutate
// records in place.
type Store struct {
	backend backend.Store
	key     string
	logger  *logger.Logger
}

// New creates a record store over the given backing key.
func New(b backend.Store, key string, log *logger.Logger) *Store {
	return &Store{
		backend: b,
		key:     key,
		logger:  log.WithFields(zap.String("storage_key", key)),
	}
}

// Key returns the backing key this store owns.
func (s *Store) Key() string {
	return s.key
}

// snapshotShape classifies the raw persisted value at the deserialization
// boundary so migration is a decision over a sum type rather than ad hoc
// type probing.
type snapshotShape int

const (
	shapeEmpty snapshotShape = iota
	shapeMap
	shapeList
	shapeMalformed
)

// classify inspects the raw value's leading token.
func classify(raw []byte) snapshotShape {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return shapeEmpty
	}
	switch trimmed[0] {
	case '{':
		return shapeMap
	case '[':
		return shapeList
	default:
		return shapeMalformed
	}
}

// Read returns the current persisted map. A legacy list value is migrated to
// the map form, persisted back, and returned; an absent value yields an empty
// map; a value that is neither map nor list is logged and replaced by an
// empty map. Backing I/O failures propagate to the caller.
func (s *Store) Read(ctx context.Context) (map[string]*v1.Record, error) {
	raw, err := s.backend.Get(ctx, s.key)
	if err == backend.ErrKeyNotFound {
		return map[string]*v1.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key %s: %w", s.key, err)
	}

	switch classify(raw) {
	case shapeEmpty:
		return map[string]*v1.Record{}, nil

	case shapeMap:
		var records map[string]*v1.Record
		if err := json.Unmarshal(raw, &records); err != nil {
			s.logger.Warn("persisted map is not decodable, substituting empty map", zap.Error(err))
			return map[string]*v1.Record{}, nil
		}
		if records == nil {
			records = map[string]*v1.Record{}
		}
		for id, rec := range records {
			if rec == nil {
				delete(records, id)
				continue
			}
			if rec.ID == "" {
				rec.ID = id
			}
		}
		return records, nil

	case shapeList:
		return s.migrate(ctx, raw)

	default:
		s.logger.Warn("persisted value is neither map nor list, substituting empty map")
		return map[string]*v1.Record{}, nil
	}
}

// migrate converts a legacy ordered list of records into the canonical map
// form and persists the migration before returning it, so the conversion
// happens exactly once.
func (s *Store) migrate(ctx context.Context, raw []byte) (map[string]*v1.Record, error) {
	var list []*v1.Record
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn("legacy list is not decodable, substituting empty map", zap.Error(err))
		return map[string]*v1.Record{}, nil
	}

	records := make(map[string]*v1.Record, len(list))
	for _, rec := range list {
		if rec == nil {
			continue
		}
		if rec.ID == "" {
			rec.ID = NewRecordID()
		}
		records[rec.ID] = rec
	}

	if err := s.persist(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to persist legacy migration: %w", err)
	}

	s.logger.Info("migrated legacy record list to map form", zap.Int("records", len(records)))
	return records, nil
}

// Write persists the caller's map according to mode.
func (s *Store) Write(ctx context.Context, records map[string]*v1.Record, mode WriteMode) error {
	if mode == ModeReplace {
		return s.persist(ctx, records)
	}

	latest, err := s.Read(ctx)
	if err != nil {
		return err
	}
	for id, rec := range records {
		latest[id] = rec
	}
	return s.persist(ctx, latest)
}

func (s *Store) persist(ctx context.Context, records map[string]*v1.Record) error {
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, raw); err != nil {
		return fmt.Errorf("failed to write key %s: %w", s.key, err)
	}
	return nil
}

// Sorted returns the records ordered ascending by creation time, ties broken
// by id lexical order. The result is stable for any given map state.
func Sorted(records map[string]*v1.Record) []*v1.Record {
	out := make([]*v1.Record, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// NewRecordID generates a collision-resistant record id: a millisecond
// timestamp prefix keeps ids roughly creation-ordered, a random suffix breaks
// same-millisecond collisions.
func NewRecordID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
