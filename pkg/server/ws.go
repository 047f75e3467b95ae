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

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/corralhq/corral/pkg/eventbus"
	"github.com/corralhq/corral/pkg/orchestrator"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The API binds locally; cross-origin browsers are not a concern here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is what a websocket client may send: cancel an execution or
// start a new one on the same connection.
type clientMessage struct {
	Type string `json:"type"` // "run" or "cancel"

	// For cancel.
	ExecutionID string `json:"execution_id,omitempty"`

	// For run.
	Kind            string            `json:"kind,omitempty"` // agent | team | workflow
	TargetID        string            `json:"target_id,omitempty"`
	Task            string            `json:"task,omitempty"`
	SessionID       string            `json:"session_id,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	Params          map[string]string `json:"params,omitempty"`
	ApprovalGranted bool              `json:"approval_granted,omitempty"`
}

// wsConn serializes writes; the event forwarders and the read loop share
// one connection.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// handleWebSocket streams execution events. `GET /ws?execution_id=<id>`
// attaches to a running execution; the client can also send run messages to
// start executions and stream them on the same connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	// Detaching closes the forwarders' channels, so wg.Wait cannot outlive
	// the connection. Deferred after wg.Wait to run before it.
	var wg sync.WaitGroup
	var detaches []func()
	defer wg.Wait()
	defer func() {
		for _, detach := range detaches {
			detach()
		}
	}()

	if id := r.URL.Query().Get("execution_id"); id != "" {
		if detach := s.streamExecution(c, id, &wg); detach != nil {
			detaches = append(detaches, detach)
		}
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Type {
		case "cancel":
			if err := s.facade.Cancel(msg.ExecutionID); err != nil {
				_ = c.sendJSON(map[string]any{"type": "error", "error": err.Error()})
			}
		case "run":
			id, err := s.startFromMessage(r.Context(), msg)
			if err != nil {
				_ = c.sendJSON(map[string]any{"type": "error", "error": err.Error()})
				continue
			}
			if detach := s.streamExecution(c, id, &wg); detach != nil {
				detaches = append(detaches, detach)
			}
		default:
			_ = c.sendJSON(map[string]any{"type": "error", "error": "unknown message type"})
		}
	}
}

// streamExecution forwards one execution's events until its stream closes,
// returning the detach func for a live subscription. Unknown executions get
// an error message; terminal ones get their record replayed instead of a
// stream.
func (s *Server) streamExecution(c *wsConn, id string, wg *sync.WaitGroup) func() {
	rec, ok := s.facade.Execution(id)
	if !ok {
		_ = c.sendJSON(map[string]any{"type": "error", "error": "unknown execution " + id})
		return nil
	}
	if rec.Status.Terminal() {
		s.replayExecution(c, id, rec)
		return nil
	}

	ch, unsubscribe := s.bus.Subscribe(id)

	// The execution may have finished between the lookup and the subscribe,
	// leaving a channel its closed stream will never close.
	if rec, ok := s.facade.Execution(id); ok && rec.Status.Terminal() {
		unsubscribe()
		s.replayExecution(c, id, rec)
		return nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer unsubscribe()
		for evt := range ch {
			if err := c.sendJSON(evt); err != nil {
				return
			}
		}
	}()
	return unsubscribe
}

func (s *Server) replayExecution(c *wsConn, id string, rec orchestrator.Record) {
	_ = c.sendJSON(eventbus.New(eventbus.TypeComplete, id, map[string]any{
		"status": string(rec.Status),
		"answer": rec.Answer,
		"replay": true,
	}))
}

func (s *Server) startFromMessage(ctx context.Context, msg clientMessage) (string, error) {
	opts := orchestrator.RunOptions{
		SessionID:       msg.SessionID,
		Context:         msg.Context,
		Params:          msg.Params,
		ApprovalGranted: msg.ApprovalGranted,
	}
	switch msg.Kind {
	case "team":
		return s.facade.RunTeam(ctx, msg.TargetID, msg.Task, opts)
	case "workflow":
		return s.facade.RunWorkflow(ctx, msg.TargetID, opts)
	default:
		return s.facade.RunAgent(ctx, msg.TargetID, msg.Task, opts)
	}
}
