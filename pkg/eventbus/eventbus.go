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

// Package eventbus delivers per-execution ordered progress events to
// transient subscribers. Delivery is best-effort: events published with no
// subscriber attached, or to a subscriber that has fallen behind, are
// dropped. Execution never blocks on a slow consumer.
package eventbus

import (
	"log/slog"
	"sync"
	"time"
)

// Type tags an event.
type Type string

const (
	TypeExecutionStarted Type = "execution_started"
	TypeStatus           Type = "status"
	TypeAgentStart       Type = "agent_start"
	TypeIterationStart   Type = "iteration_start"
	TypeAgentReasoning   Type = "agent_reasoning"
	TypeToolExecution    Type = "tool_execution"
	TypeToolResult       Type = "tool_result"
	TypeAgentIteration   Type = "agent_iteration"
	TypeAgentAnswer      Type = "agent_answer"
	TypeAgentComplete    Type = "agent_complete"
	TypeComplete         Type = "complete"
	TypeError            Type = "error"
	TypeCumulativeTokens Type = "cumulative_tokens"
)

// Event is one typed progress record on an execution's stream.
type Event struct {
	Type        Type           `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// New builds an event stamped with the current time.
func New(t Type, executionID string, payload map[string]any) Event {
	return Event{
		Type:        t,
		Timestamp:   time.Now(),
		ExecutionID: executionID,
		Payload:     payload,
	}
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

type subscriber struct {
	ch     chan Event
	closed bool
}

// Bus fans events out to subscribers keyed by execution-id.
type Bus struct {
	mu      sync.Mutex
	buffer  int
	subs    map[string][]*subscriber
	dropped uint64
}

// NewBus creates a Bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return NewBusWithBuffer(DefaultBuffer)
}

func NewBusWithBuffer(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[string][]*subscriber),
	}
}

// Subscribe attaches to an execution's stream. The returned detach function
// closes the channel and releases the subscription; it is safe to call more
// than once. Events published before Subscribe are not replayed.
func (b *Bus) Subscribe(executionID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	b.subs[executionID] = append(b.subs[executionID], sub)
	b.mu.Unlock()

	detach := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub.closed {
			return
		}
		sub.closed = true
		close(sub.ch)

		remaining := b.subs[executionID][:0]
		for _, s := range b.subs[executionID] {
			if s != sub {
				remaining = append(remaining, s)
			}
		}
		if len(remaining) == 0 {
			delete(b.subs, executionID)
		} else {
			b.subs[executionID] = remaining
		}
	}

	return sub.ch, detach
}

// Publish delivers an event to every subscriber of its execution. Returns
// true if at least one subscriber received it.
func (b *Bus) Publish(evt Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := false
	for _, sub := range b.subs[evt.ExecutionID] {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- evt:
			delivered = true
		default:
			b.dropped++
			slog.Debug("Event dropped, subscriber lagging",
				"execution_id", evt.ExecutionID, "type", string(evt.Type))
		}
	}
	return delivered
}

// Close drops every subscriber of an execution, closing their channels.
// Called after the terminal event has been published.
func (b *Bus) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[executionID] {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	delete(b.subs, executionID)
}

// Dropped returns the total number of events dropped since creation.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
