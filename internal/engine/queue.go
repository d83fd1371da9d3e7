package engine

import (
	"context"
	"sync"
)

// laneQueue runs tasks for the same key one at a time, in submission order. Tasks for
// different keys run concurrently. A lane's goroutine exits when its queue empties.
type laneQueue struct {
	mu    sync.Mutex
	lanes map[string][]func()
	wg    sync.WaitGroup
}

func newLaneQueue() *laneQueue {
	return &laneQueue{lanes: make(map[string][]func())}
}

// Enqueue appends fn to the lane for key.
func (q *laneQueue) Enqueue(key string, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.wg.Add(1)
	tasks, running := q.lanes[key]
	q.lanes[key] = append(tasks, fn)
	if !running {
		go q.drain(key)
	}
}

func (q *laneQueue) drain(key string) {
	for {
		q.mu.Lock()
		tasks := q.lanes[key]
		if len(tasks) == 0 {
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		fn := tasks[0]
		tasks[0] = nil
		q.lanes[key] = tasks[1:]
		q.mu.Unlock()

		fn()
		q.wg.Done()
	}
}

// Pending returns how many lanes currently have work.
func (q *laneQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Wait blocks until every queued task has run or ctx is done.
func (q *laneQueue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
