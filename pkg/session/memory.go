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

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryService keeps sessions in a process-local map. Suitable for tests
// and single-process deployments without persistence.
type InMemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{sessions: make(map[string]*Session)}
}

func (s *InMemoryService) Create(_ context.Context, title string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	return snapshot(sess), nil
}

func (s *InMemoryService) Get(_ context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return snapshot(sess), nil
}

func (s *InMemoryService) List(_ context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, snapshot(sess))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryService) AppendMessage(_ context.Context, id string, msg Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.Messages = append(sess.Messages, msg)
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryService) AddUsage(_ context.Context, id string, inputTokens, outputTokens int64, cost float64) error {
	if inputTokens < 0 || outputTokens < 0 || cost < 0 {
		return fmt.Errorf("usage deltas must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess.InputTokens += inputTokens
	sess.OutputTokens += outputTokens
	sess.Cost += cost
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryService) Usage(_ context.Context, id string) (Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Usage{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return Usage{
		InputTokens:  sess.InputTokens,
		OutputTokens: sess.OutputTokens,
		Cost:         sess.Cost,
	}, nil
}

func (s *InMemoryService) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	delete(s.sessions, id)
	return nil
}

func snapshot(sess *Session) *Session {
	out := *sess
	out.Messages = append([]Message{}, sess.Messages...)
	return &out
}

var _ Service = (*InMemoryService)(nil)
