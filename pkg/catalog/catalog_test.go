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

package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/protocol"
)

func entry(name string) Entry {
	return Entry{
		Name:     name,
		Endpoint: "http://localhost:9000",
		Tools: []ToolSpec{
			{Name: "read", Description: "read a file"},
		},
		Health:  HealthHealthy,
		Version: "1.0.0",
	}
}

func TestRegisterAndResolve(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(entry("file-provider")))

	e, ok := cat.Resolve("file-provider")
	require.True(t, ok)
	assert.Equal(t, "file-provider", e.Name)
	require.Len(t, e.Tools, 1)
	assert.Equal(t, "read", e.Tools[0].Name)
}

func TestRegisterRejectsInvalidName(t *testing.T) {
	cat := New()
	err := cat.Register(entry("bad__name"))
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConfiguration, protocol.KindOf(err))

	err = cat.Register(Entry{Name: ""})
	require.Error(t, err)
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(entry("p")))
	assert.Error(t, cat.Register(entry("p")))
}

func TestDeregister(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(entry("p")))
	require.NoError(t, cat.Deregister("p"))

	_, ok := cat.Resolve("p")
	assert.False(t, ok)

	err := cat.Deregister("p")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrUnknownProvider, protocol.KindOf(err))
}

func TestResolveReturnsSnapshot(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(entry("p")))

	e, _ := cat.Resolve("p")
	e.Tools[0].Name = "mutated"
	e.Health = HealthUnhealthy

	again, _ := cat.Resolve("p")
	assert.Equal(t, "read", again.Tools[0].Name)
	assert.Equal(t, HealthHealthy, again.Health)
}

func TestListOrdersByName(t *testing.T) {
	cat := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, cat.Register(entry(name)))
	}

	names := []string{}
	for _, e := range cat.List() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)
}

func TestSetHealth(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(entry("p")))

	assert.True(t, cat.SetHealth("p", HealthUnhealthy))
	e, _ := cat.Resolve("p")
	assert.Equal(t, HealthUnhealthy, e.Health)

	assert.False(t, cat.SetHealth("ghost", HealthHealthy))
}

func TestSetTools(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(entry("p")))

	assert.True(t, cat.SetTools("p", []ToolSpec{{Name: "write"}, {Name: "list"}}))
	e, _ := cat.Resolve("p")
	require.Len(t, e.Tools, 2)
}

func TestProberMarksHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	cat := New()
	require.NoError(t, cat.Register(Entry{Name: "p", Endpoint: srv.URL, Health: HealthUnknown}))

	prober := NewProber(cat, WithProbeTimeout(2*time.Second))
	prober.ProbeAll(context.Background())

	e, _ := cat.Resolve("p")
	assert.Equal(t, HealthHealthy, e.Health)

	healthy.Store(false)
	prober.ProbeAll(context.Background())

	e, _ = cat.Resolve("p")
	assert.Equal(t, HealthUnhealthy, e.Health)

	// Unhealthy entries stay registered.
	assert.Equal(t, 1, cat.Count())
}

func TestProberUsesCustomHealthPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cat := New()
	require.NoError(t, cat.Register(Entry{
		Name:       "p",
		Endpoint:   srv.URL,
		HealthPath: "/status",
	}))

	prober := NewProber(cat, WithProbeTimeout(2*time.Second))
	prober.ProbeAll(context.Background())

	e, _ := cat.Resolve("p")
	assert.Equal(t, srv.URL+"/status", e.HealthURL())
	assert.Equal(t, HealthHealthy, e.Health)
}

func TestProberSkipsStdioProviders(t *testing.T) {
	cat := New()
	require.NoError(t, cat.Register(Entry{
		Name:      "local",
		Endpoint:  "/usr/bin/provider",
		Transport: TransportStdio,
		Health:    HealthHealthy,
	}))

	prober := NewProber(cat)
	prober.ProbeAll(context.Background())

	e, _ := cat.Resolve("local")
	assert.Equal(t, HealthHealthy, e.Health)
}
