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

package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishWithoutSubscriberDrops(t *testing.T) {
	bus := NewBus()
	delivered := bus.Publish(New(TypeStatus, "exec-1", nil))
	assert.False(t, delivered)
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus()
	ch, detach := bus.Subscribe("exec-1")
	defer detach()

	for i := 0; i < 10; i++ {
		ok := bus.Publish(New(TypeStatus, "exec-1", map[string]any{"i": i}))
		require.True(t, ok)
	}

	for i := 0; i < 10; i++ {
		evt := <-ch
		assert.Equal(t, i, evt.Payload["i"])
	}
}

func TestPublishIsolatesExecutions(t *testing.T) {
	bus := NewBus()
	ch1, detach1 := bus.Subscribe("exec-1")
	defer detach1()
	ch2, detach2 := bus.Subscribe("exec-2")
	defer detach2()

	bus.Publish(New(TypeStatus, "exec-1", nil))

	evt := <-ch1
	assert.Equal(t, "exec-1", evt.ExecutionID)
	assert.Empty(t, ch2)
}

func TestLaggingSubscriberDropsNewest(t *testing.T) {
	bus := NewBusWithBuffer(2)
	ch, detach := bus.Subscribe("exec-1")
	defer detach()

	for i := 0; i < 5; i++ {
		bus.Publish(New(TypeStatus, "exec-1", map[string]any{"i": i}))
	}

	// Buffer held the first two; the rest were dropped.
	assert.Equal(t, 0, (<-ch).Payload["i"])
	assert.Equal(t, 1, (<-ch).Payload["i"])
	assert.Empty(t, ch)
	assert.Equal(t, uint64(3), bus.Dropped())
}

func TestDetachIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, detach := bus.Subscribe("exec-1")
	detach()
	detach()

	assert.False(t, bus.Publish(New(TypeStatus, "exec-1", nil)))
}

func TestCloseClosesSubscriberChannels(t *testing.T) {
	bus := NewBus()
	ch, detach := bus.Subscribe("exec-1")
	defer detach()

	bus.Publish(New(TypeComplete, "exec-1", nil))
	bus.Close("exec-1")

	evt, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, TypeComplete, evt.Type)

	_, ok = <-ch
	assert.False(t, ok)
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	bus := NewBus()
	var chans []<-chan Event
	for i := 0; i < 3; i++ {
		ch, detach := bus.Subscribe("exec-1")
		defer detach()
		chans = append(chans, ch)
	}

	bus.Publish(New(TypeStatus, "exec-1", map[string]any{"msg": "hi"}))

	for i, ch := range chans {
		evt := <-ch
		assert.Equal(t, "hi", evt.Payload["msg"], fmt.Sprintf("subscriber %d", i))
	}
}
