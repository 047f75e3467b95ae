// Copyright 2025 The Corral Authors
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

// Package cancel implements the cooperative cancellation plane: one-shot
// tokens keyed by execution-id. Runtimes check their token at every
// suspension point and return promptly once it fires.
package cancel

import (
	"context"
	"sync"
)

// Token is a one-shot cancellation flag with a broadcast channel.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken creates an unfired token. Most callers obtain tokens from a
// Registry instead.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel fires the token. Subsequent calls are no-ops.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has fired.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns the broadcast channel, closed once the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Context derives a context that is cancelled when either the token fires or
// the parent is cancelled. The returned CancelFunc must be called to release
// the watcher goroutine.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCtx := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancelCtx()
		case <-ctx.Done():
		}
	}()
	return ctx, cancelCtx
}

// Registry maps execution-ids to tokens.
type Registry struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Register creates and stores a token for the execution. Registering an id
// twice returns the existing token.
func (r *Registry) Register(executionID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[executionID]; ok {
		return t
	}
	t := NewToken()
	r.tokens[executionID] = t
	return t
}

// Get returns the token for an execution, if registered.
func (r *Registry) Get(executionID string) (*Token, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[executionID]
	return t, ok
}

// Cancel fires the token for an execution. Unknown or already-released ids
// are a no-op; returns whether a token was found.
func (r *Registry) Cancel(executionID string) bool {
	r.mu.RLock()
	t, ok := r.tokens[executionID]
	r.mu.RUnlock()
	if ok {
		t.Cancel()
	}
	return ok
}

// Release removes the token once the execution reaches a terminal state.
func (r *Registry) Release(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tokens, executionID)
}

// Count returns the number of live registrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tokens)
}
