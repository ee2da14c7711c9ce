package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// CheckpointStore tracks the per-lane created-at high-water mark for one invocation
// and persists it after every processed record.
type CheckpointStore struct {
	Writer CheckpointWriter
	Logger zerolog.Logger

	marks map[string]time.Time
}

func NewCheckpointStore(w CheckpointWriter, logger zerolog.Logger) *CheckpointStore {
	return &CheckpointStore{Writer: w, Logger: logger, marks: make(map[string]time.Time)}
}

// Read returns the persisted checkpoint for lane.
func (s *CheckpointStore) Read(ctx context.Context, lane string) (time.Time, bool, error) {
	cp, found, err := s.Writer.ReadCheckpoint(ctx, lane)
	if err != nil || !found {
		return time.Time{}, false, err
	}
	if s.marks == nil {
		s.marks = make(map[string]time.Time)
	}
	if mark, ok := s.marks[lane]; !ok || cp.CreatedAt.After(mark) {
		s.marks[lane] = cp.CreatedAt
	}
	return cp.CreatedAt, true, nil
}

// Advance writes max(current mark, createdAt) for lane. Records older than the
// mark rewrite the mark unchanged, so the stored value never moves backwards
// within an invocation.
func (s *CheckpointStore) Advance(ctx context.Context, lane string, createdAt time.Time) (UpsertResult, error) {
	if s.marks == nil {
		s.marks = make(map[string]time.Time)
	}
	mark := createdAt.UTC().Truncate(time.Second)
	if current, ok := s.marks[lane]; ok && current.After(mark) {
		mark = current
	}
	s.marks[lane] = mark
	result, err := s.Writer.UpsertCheckpoint(ctx, CheckpointRecord{Lane: lane, CreatedAt: mark})
	if err != nil {
		return result, err
	}
	checkpointTimestamp.WithLabelValues(lane).Set(float64(mark.Unix()))
	s.Logger.Debug().Str("lane", lane).Str("checkpoint", strconv.FormatInt(mark.Unix(), 10)).Msg("checkpoint advanced")
	return result, nil
}

// Mark returns the in-memory high-water mark for lane.
func (s *CheckpointStore) Mark(lane string) (time.Time, bool) {
	t, ok := s.marks[lane]
	return t, ok
}
