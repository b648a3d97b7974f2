package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Repository persists task records. It performs no lifecycle validation;
// Store layers the state machine on top of it.
type Repository interface {
	Insert(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, t *Task) error
	List(ctx context.Context, f Filter) ([]*Task, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

type memRecord struct {
	task *Task
	seq  uint64
}

// MemoryRepository keeps tasks in a map. Records are copied on the way in
// and out so callers never share state with the repository.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]memRecord
	seq   uint64
}

// NewMemoryRepository returns an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]memRecord)}
}

func (r *MemoryRepository) Insert(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrAlreadyExists)
	}
	r.seq++
	r.tasks[t.ID] = memRecord{task: t.Clone(), seq: r.seq}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return rec.task.Clone(), nil
}

func (r *MemoryRepository) Update(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.tasks[t.ID]
	if !ok {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	rec.task = t.Clone()
	r.tasks[t.ID] = rec
	return nil
}

func (r *MemoryRepository) List(_ context.Context, f Filter) ([]*Task, error) {
	r.mu.RLock()
	recs := make([]memRecord, 0, len(r.tasks))
	for _, rec := range r.tasks {
		if matchFilter(rec.task, f) {
			recs = append(recs, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].task, recs[j].task
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return recs[i].seq < recs[j].seq
	})

	if f.Offset > 0 {
		if f.Offset >= len(recs) {
			return nil, nil
		}
		recs = recs[f.Offset:]
	}
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}

	out := make([]*Task, len(recs))
	for i, rec := range recs {
		out[i] = rec.task.Clone()
	}
	return out, nil
}

func (r *MemoryRepository) CountByStatus(_ context.Context) (map[Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, rec := range r.tasks {
		counts[rec.task.Status]++
	}
	return counts, nil
}

func matchFilter(t *Task, f Filter) bool {
	if f.Status != nil && t.Status != *f.Status {
		return false
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.ParentID != "" && t.ParentID != f.ParentID {
		return false
	}
	if f.AssignedAgent != "" && t.AssignedAgent != f.AssignedAgent {
		return false
	}
	return true
}
