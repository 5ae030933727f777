// Copyright 2025 The clip-as-service Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipelines

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Backend selects how preprocessing work is executed.
type Backend string

const (
	// BackendThread runs preprocessing on a bounded pool of goroutines
	// sharing the server's address space.
	BackendThread Backend = "thread"

	// BackendProcess is accepted for compatibility with deployments that
	// ask for process isolation. Preprocessing here is pure in-memory
	// compute, so process isolation would only add serialization cost;
	// the pool runs such requests on the goroutine backend and logs the
	// substitution once at construction.
	BackendProcess Backend = "process"
)

// DefaultWorkers is the pool size used when the configuration does not
// set one.
const DefaultWorkers = 4

// Pool bounds how many preprocessing tasks run concurrently. Submission
// never blocks; admission to a worker slot does. Tasks submitted without
// a free slot wait their turn, so a burst of minibatches queues up behind
// at most `workers` in-flight transforms.
type Pool struct {
	workers int
	backend Backend
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// NewPool creates a Pool with the given worker count and backend. A
// non-positive worker count falls back to DefaultWorkers.
func NewPool(workers int, backend Backend, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	switch backend {
	case BackendThread:
	case BackendProcess:
		logger.Warn("process pool backend requested, running preprocessing on goroutines instead",
			zap.Int("workers", workers))
	case "":
		backend = BackendThread
	default:
		return nil, fmt.Errorf("unknown pool backend %q", backend)
	}
	return &Pool{
		workers: workers,
		backend: backend,
		sem:     semaphore.NewWeighted(int64(workers)),
		logger:  logger,
	}, nil
}

// Workers returns the pool's concurrency bound.
func (p *Pool) Workers() int { return p.workers }

// Backend returns the backend the pool was configured with.
func (p *Pool) Backend() Backend { return p.backend }

// Task is a handle to a submitted unit of preprocessing work.
type Task struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task finishes or the context is cancelled.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn for execution and returns immediately. The returned
// Task completes once fn has run, or fails with the context's error if
// the context is cancelled before a worker slot frees up.
func (p *Pool) Submit(ctx context.Context, fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		if err := p.sem.Acquire(ctx, 1); err != nil {
			t.err = err
			return
		}
		defer p.sem.Release(1)
		t.err = fn()
	}()
	return t
}
