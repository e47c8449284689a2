// Copyright 2024 LockCache Authors
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

// Package concurrent provides named background executors and helpers for
// stopping a group of resources in one pass.
package concurrent

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"lockcache/internal/common"
)

// StoppableExecutor runs functions on background goroutines and waits for
// all of them on Stop.
type StoppableExecutor interface {
	Execute(fn func()) error
	Stop() error
}

// ExecutorFactory creates named executors.
type ExecutorFactory interface {
	Create(name string) StoppableExecutor
}

// DefaultExecutorFactory creates goroutine backed executors.
type DefaultExecutorFactory struct{}

// NewExecutorFactory returns the default executor factory.
func NewExecutorFactory() *DefaultExecutorFactory {
	return &DefaultExecutorFactory{}
}

// Create returns a new executor with the given display name.
func (f *DefaultExecutorFactory) Create(name string) StoppableExecutor {
	return &goroutineExecutor{name: name}
}

type goroutineExecutor struct {
	name    string
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	panics  []error
}

func (e *goroutineExecutor) Execute(fn func()) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("executor %s: %w", e.name, common.ErrClosed)
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("[Executor.%s] task panicked: %v", e.name, r)
				e.mu.Lock()
				e.panics = append(e.panics, fmt.Errorf("task in %s panicked: %v", e.name, r))
				e.mu.Unlock()
			}
		}()
		fn()
	}()
	return nil
}

// Stop rejects new work and blocks until all running tasks return.
func (e *goroutineExecutor) Stop() error {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.panics) == 0 {
		return nil
	}
	return e.panics[0]
}
