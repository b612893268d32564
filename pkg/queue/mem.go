package queue

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

type memRecord struct {
	job     Job
	expires time.Time
}

// Mem keeps jobs in process memory. It serves single process deployments
// and tests.
type Mem struct {
	mu    sync.Mutex
	items map[string]*memRecord
	queue []string
	wake  chan struct{}
	now   func() time.Time
}

func NewMem() *Mem {
	return &Mem{items: make(map[string]*memRecord), wake: make(chan struct{}), now: time.Now}
}

// record returns the live record for id. Callers hold mu.
func (s *Mem) record(id string) (*memRecord, bool) {
	rec, ok := s.items[id]
	if !ok {
		return nil, false
	}
	if !rec.expires.IsZero() && !s.now().Before(rec.expires) {
		delete(s.items, id)
		return nil, false
	}
	return rec, true
}

func clone(j Job) *Job {
	return &j
}

func (s *Mem) Enqueue(_ context.Context, job *Job) (*Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.record(job.ID); ok {
		return clone(rec.job), false, nil
	}
	fresh := *job
	fresh.Status = StatusQueued
	fresh.EnqueuedAt = s.now().Unix()
	s.items[fresh.ID] = &memRecord{job: fresh}
	s.queue = append(s.queue, fresh.ID)
	close(s.wake)
	s.wake = make(chan struct{})
	return clone(fresh), true, nil
}

func (s *Mem) Dequeue(ctx context.Context, workerID string, timeout, wait time.Duration) (*Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		for len(s.queue) > 0 {
			id := s.queue[0]
			s.queue = s.queue[1:]
			rec, ok := s.record(id)
			if !ok || rec.job.Status != StatusQueued {
				continue
			}
			now := s.now()
			rec.job.Status = StatusStarted
			rec.job.WorkerID = workerID
			rec.job.StartedAt = now.Unix()
			rec.job.Deadline = now.Add(timeout).Unix()
			out := clone(rec.job)
			s.mu.Unlock()
			return out, nil
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Mem) Get(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.record(id)
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec.job), nil
}

func (s *Mem) UpdateMeta(_ context.Context, id string, meta Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.record(id)
	if !ok {
		return ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return ErrTerminal
	}
	rec.job.Meta = meta
	return nil
}

func (s *Mem) finish(id string, ttl time.Duration, apply func(*Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.record(id)
	if !ok {
		return ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return ErrTerminal
	}
	apply(&rec.job)
	now := s.now()
	rec.job.EndedAt = now.Unix()
	if ttl > 0 {
		rec.expires = now.Add(ttl)
	}
	s.dropQueued(id)
	return nil
}

func (s *Mem) dropQueued(id string) {
	for i, q := range s.queue {
		if q == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

func (s *Mem) Complete(_ context.Context, id string, result json.RawMessage, ttl time.Duration) error {
	return s.finish(id, ttl, func(job *Job) {
		job.Status = StatusFinished
		job.Result = result
	})
}

func (s *Mem) Fail(_ context.Context, id string, msg string, ttl time.Duration) error {
	return s.finish(id, ttl, func(job *Job) {
		job.Status = StatusFailed
		job.Error = msg
		job.Meta.Detail = msg
	})
}

func (s *Mem) Position(_ context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.queue {
		if q == id {
			return int64(i), nil
		}
	}
	return -1, nil
}

func (s *Mem) Pending(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.queue)), nil
}

func (s *Mem) List(_ context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Job, 0, len(s.items))
	for id := range s.items {
		if rec, ok := s.record(id); ok {
			result = append(result, clone(rec.job))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Mem) ReapExpired(ctx context.Context, now time.Time, msg string, ttl time.Duration) ([]string, error) {
	s.mu.Lock()
	var expired []string
	for id, rec := range s.items {
		if rec.job.Status == StatusStarted && rec.job.Deadline > 0 && rec.job.Deadline < now.Unix() {
			expired = append(expired, id)
		}
	}
	s.mu.Unlock()

	sort.Strings(expired)
	var reaped []string
	for _, id := range expired {
		if err := s.Fail(ctx, id, msg, ttl); err == nil {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

func (s *Mem) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.record(id)
	if !ok {
		return ErrNotFound
	}
	if !rec.job.Status.Terminal() {
		return ErrActive
	}
	delete(s.items, id)
	return nil
}

func (s *Mem) Close() error { return nil }
