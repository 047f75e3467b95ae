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
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corralhq/corral/pkg/httpclient"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 8
)

// Prober periodically checks every HTTP provider's health endpoint and
// updates the catalog's health field. Probes are best-effort: failures mark
// the entry unhealthy, they never remove it.
type Prober struct {
	catalog     *Catalog
	client      *httpclient.Client
	interval    time.Duration
	timeout     time.Duration
	concurrency int
}

type ProberOption func(*Prober)

func WithInterval(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.interval = d
	}
}

func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = d
	}
}

func WithProbeClient(c *httpclient.Client) ProberOption {
	return func(p *Prober) {
		p.client = c
	}
}

func NewProber(cat *Catalog, opts ...ProberOption) *Prober {
	p := &Prober{
		catalog:     cat,
		client:      httpclient.New(httpclient.WithMaxRetries(0)),
		interval:    defaultProbeInterval,
		timeout:     defaultProbeTimeout,
		concurrency: defaultProbeConcurrency,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run probes all entries on every tick until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll probes every registered HTTP provider once.
func (p *Prober) ProbeAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, entry := range p.catalog.List() {
		if entry.Transport != TransportHTTP {
			continue
		}
		entry := entry
		g.Go(func() error {
			health := p.probe(gctx, entry.HealthURL())
			if health != entry.Health {
				slog.Info("Provider health changed",
					"provider", entry.Name, "from", string(entry.Health), "to", string(health))
			}
			p.catalog.SetHealth(entry.Name, health)
			return nil
		})
	}
	_ = g.Wait()
}

// Probe checks a single health URL immediately.
func (p *Prober) Probe(ctx context.Context, healthURL string) Health {
	return p.probe(ctx, healthURL)
}

func (p *Prober) probe(ctx context.Context, healthURL string) Health {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return HealthUnhealthy
	}

	// Do reports non-2xx statuses as errors alongside the response; either
	// way a response needs closing and the status decides.
	resp, err := p.client.Do(req)
	if err != nil && resp == nil {
		return HealthUnhealthy
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return HealthHealthy
	}
	return HealthUnhealthy
}
