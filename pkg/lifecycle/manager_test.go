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

package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/protocol"
)

// oprec records the order of runtime, probe, and tool-client operations so
// tests can assert lifecycle ordering invariants.
type oprec struct {
	mu  sync.Mutex
	ops []string
}

func (o *oprec) add(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ops = append(o.ops, op)
}

func (o *oprec) list() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.ops...)
}

func (o *oprec) indexOf(t *testing.T, op string) int {
	t.Helper()
	for i, v := range o.list() {
		if v == op {
			return i
		}
	}
	t.Fatalf("operation %q not recorded in %v", op, o.list())
	return -1
}

type fakeRuntime struct {
	rec *oprec

	mu      sync.Mutex
	nextID  int
	started map[string]bool

	failStart bool
	onStop    func(id string)
}

func newFakeRuntime(rec *oprec) *fakeRuntime {
	return &fakeRuntime{rec: rec, started: make(map[string]bool)}
}

func (f *fakeRuntime) PullImage(ctx context.Context, image string) error {
	f.rec.add("pull:" + image)
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.mu.Unlock()
	f.rec.add("create:" + spec.Name)
	return id, nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.rec.add("start:" + id)
	if f.failStart {
		return protocol.NewError(protocol.ErrTransport, "start refused")
	}
	f.mu.Lock()
	f.started[id] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	if f.onStop != nil {
		f.onStop(id)
	}
	f.rec.add("stop:" + id)
	f.mu.Lock()
	f.started[id] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.rec.add("remove:" + id)
	return nil
}

func (f *fakeRuntime) ListContainers(ctx context.Context, labelKey, labelValue string) ([]ContainerInfo, error) {
	return nil, nil
}

func (f *fakeRuntime) ContainerLogs(ctx context.Context, id string, tail int) (string, error) {
	f.rec.add("logs:" + id)
	return "log line\n", nil
}

type fakeToolClient struct {
	rec   *oprec
	tools []catalog.ToolSpec

	mu        sync.Mutex
	forgotten []string
}

func (f *fakeToolClient) ListTools(ctx context.Context, entry catalog.Entry) ([]catalog.ToolSpec, error) {
	f.rec.add("list_tools:" + entry.Name)
	return f.tools, nil
}

func (f *fakeToolClient) Call(ctx context.Context, entry catalog.Entry, tool string, args map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *fakeToolClient) Forget(endpoint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, endpoint)
}

// packageServer serves descriptors for a fixed set of packages. Requesting
// version "2.0.0" of any package moves it to port 7002 so tests can tell old
// and new containers apart by endpoint.
func packageServer(t *testing.T, descs map[string]PackageDescriptor) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pkg := strings.TrimPrefix(r.URL.Path, "/v1/packages/")
		d, ok := descs[pkg]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if v := r.URL.Query().Get("version"); v != "" {
			d.Version = v
			if v == "2.0.0" {
				d.Port = 7002
				d.Image = strings.Split(d.Image, ":")[0] + ":2.0.0"
			}
		}
		_ = json.NewEncoder(w).Encode(d)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	rec   *oprec
	rt    *fakeRuntime
	cat   *catalog.Catalog
	tools *fakeToolClient
	mgr   *Manager
}

func newFixture(t *testing.T, registryURL string, probe HealthProbe) *fixture {
	t.Helper()

	rec := &oprec{}
	rt := newFakeRuntime(rec)
	cat := catalog.New()
	tools := &fakeToolClient{
		rec: rec,
		tools: []catalog.ToolSpec{
			{Name: "scan", Description: "Scan a network range"},
		},
	}

	manifest, err := OpenManifest(t.TempDir(), "manifest.json")
	require.NoError(t, err)

	if probe == nil {
		probe = func(ctx context.Context, endpoint string) error {
			rec.add("probe")
			return nil
		}
	}
	mgr := NewManager(rt, NewRegistryClient(registryURL), cat, tools, manifest,
		WithHealthProbe(probe),
		WithHealthTimeout(50*time.Millisecond),
	)
	return &fixture{rec: rec, rt: rt, cat: cat, tools: tools, mgr: mgr}
}

func scannerDescriptor() PackageDescriptor {
	return PackageDescriptor{
		Name:    "net-scanner",
		Kind:    "provider",
		Version: "1.0.0",
		Image:   "ghcr.io/corral/net-scanner:1.0.0",
		Port:    7001,
	}
}

func TestInstallOrderingAndRegistration(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	entry, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	assert.Equal(t, "net", entry.Name)
	assert.Equal(t, "corral-net-1.0.0", entry.ContainerName)
	assert.Equal(t, "http://127.0.0.1:7001", entry.Endpoint)
	assert.True(t, entry.Started)

	// Pull, create, start, health, then tool discovery. The catalog entry
	// appears only after the health probe has responded.
	pull := f.rec.indexOf(t, "pull:ghcr.io/corral/net-scanner:1.0.0")
	create := f.rec.indexOf(t, "create:corral-net-1.0.0")
	start := f.rec.indexOf(t, "start:ctr-1")
	probe := f.rec.indexOf(t, "probe")
	list := f.rec.indexOf(t, "list_tools:net")
	assert.True(t, pull < create && create < start && start < probe && probe < list,
		"unexpected operation order: %v", f.rec.list())

	ce, ok := f.cat.Resolve("net")
	require.True(t, ok)
	assert.Equal(t, catalog.HealthHealthy, ce.Health)
	require.Len(t, ce.Tools, 1)
	assert.Equal(t, "scan", ce.Tools[0].Name)

	got, ok := f.mgr.manifest.Get("net")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestInstallHealthFailureCleansUp(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, func(ctx context.Context, endpoint string) error {
		return fmt.Errorf("connection refused")
	})

	_, err := f.mgr.Install(context.Background(), InstallRequest{Package: "net-scanner"})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrTimeout, protocol.KindOf(err))

	// The never-healthy container is stopped and removed, and the provider
	// never reaches the catalog or the manifest.
	assert.Zero(t, f.cat.Count())
	assert.Empty(t, f.mgr.Installed())

	ops := f.rec.list()
	assert.Contains(t, ops, "stop:ctr-1")
	assert.Contains(t, ops, "remove:ctr-1")
}

func TestInstallRejectsDuplicateAndBadName(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	_, err := f.mgr.Install(context.Background(), InstallRequest{Package: "net-scanner"})
	require.NoError(t, err)

	_, err = f.mgr.Install(context.Background(), InstallRequest{Package: "net-scanner"})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConfiguration, protocol.KindOf(err))

	_, err = f.mgr.Install(context.Background(), InstallRequest{Name: "bad__name", Package: "net-scanner"})
	require.Error(t, err)
	assert.Equal(t, protocol.ErrConfiguration, protocol.KindOf(err))
}

func TestUninstallDeregistersBeforeStop(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	entry, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	// At the moment the container stops, the provider must already be gone
	// from the catalog.
	var inCatalogAtStop bool
	f.rt.onStop = func(id string) {
		_, inCatalogAtStop = f.cat.Resolve("net")
	}

	require.NoError(t, f.mgr.Uninstall(context.Background(), "net"))

	assert.False(t, inCatalogAtStop, "provider was still resolvable while its container stopped")
	assert.Zero(t, f.cat.Count())
	assert.Empty(t, f.mgr.Installed())
	assert.Contains(t, f.tools.forgotten, entry.Endpoint)

	err = f.mgr.Uninstall(context.Background(), "net")
	require.Error(t, err)
	assert.Equal(t, protocol.ErrUnknownProvider, protocol.KindOf(err))
}

func TestReinstallAfterUninstall(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	first, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Uninstall(context.Background(), "net"))

	second, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, first.Endpoint, second.Endpoint)
	assert.NotEqual(t, first.ContainerID, second.ContainerID)

	ce, ok := f.cat.Resolve("net")
	require.True(t, ok)
	assert.Equal(t, catalog.HealthHealthy, ce.Health)
}

func TestStopDeregistersAndStartReregisters(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	_, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	var inCatalogAtStop bool
	f.rt.onStop = func(id string) {
		_, inCatalogAtStop = f.cat.Resolve("net")
	}
	require.NoError(t, f.mgr.Stop(context.Background(), "net"))
	assert.False(t, inCatalogAtStop)
	assert.Zero(t, f.cat.Count())

	entry, ok := f.mgr.manifest.Get("net")
	require.True(t, ok)
	assert.False(t, entry.Started)

	require.NoError(t, f.mgr.Start(context.Background(), "net"))
	_, ok = f.cat.Resolve("net")
	assert.True(t, ok)
	entry, _ = f.mgr.manifest.Get("net")
	assert.True(t, entry.Started)
}

func TestCustomHealthPathPersistsAcrossRestart(t *testing.T) {
	desc := scannerDescriptor()
	desc.HealthPath = "/status"
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": desc})

	var mu sync.Mutex
	var probed []string
	f := newFixture(t, srv.URL, func(ctx context.Context, healthURL string) error {
		mu.Lock()
		probed = append(probed, healthURL)
		mu.Unlock()
		return nil
	})

	entry, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)
	assert.Equal(t, "/status", entry.HealthPath)

	// The catalog entry carries the path so the periodic prober uses it.
	ce, ok := f.cat.Resolve("net")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:7001/status", ce.HealthURL())

	// Start after a stop reads the persisted path, not a hardcoded one.
	require.NoError(t, f.mgr.Stop(context.Background(), "net"))
	require.NoError(t, f.mgr.Start(context.Background(), "net"))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, probed)
	for _, url := range probed {
		assert.True(t, strings.HasSuffix(url, "/status"), "probed %s", url)
	}
}

func TestUpdateReplacesContainer(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	_, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	require.NoError(t, f.mgr.Update(context.Background(), "net", "2.0.0"))

	entry, ok := f.mgr.manifest.Get("net")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", entry.Version)
	assert.Equal(t, "http://127.0.0.1:7002", entry.Endpoint)
	assert.NotEqual(t, "ctr-1", entry.ContainerID)

	ops := f.rec.list()
	assert.Contains(t, ops, "stop:ctr-1")
	assert.Contains(t, ops, "remove:ctr-1")

	ce, ok := f.cat.Resolve("net")
	require.True(t, ok)
	assert.Equal(t, "2.0.0", ce.Version)
}

func TestUpdateFailureRestoresPrevious(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})

	// The replacement container (port 7002) never becomes healthy; the
	// original (port 7001) always is.
	f := newFixture(t, srv.URL, func(ctx context.Context, endpoint string) error {
		if strings.Contains(endpoint, ":7002") {
			return fmt.Errorf("connection refused")
		}
		return nil
	})

	_, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	err = f.mgr.Update(context.Background(), "net", "2.0.0")
	require.Error(t, err)

	// The old container was restarted and the provider re-registered; the
	// manifest still records the old version.
	restart := f.rec.indexOf(t, "remove:ctr-2")
	assert.Less(t, restart, len(f.rec.list()))
	assert.Contains(t, f.rec.list()[restart:], "start:ctr-1")

	entry, ok := f.mgr.manifest.Get("net")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", entry.Version)

	ce, ok := f.cat.Resolve("net")
	require.True(t, ok)
	assert.Equal(t, catalog.HealthHealthy, ce.Health)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	f.mgr.Reconcile(context.Background(), []InstallRequest{
		{Name: "ghost", Package: "no-such-package"},
		{Name: "net", Package: "net-scanner"},
	})

	// The unknown package fails; the valid one still installs.
	assert.Len(t, f.mgr.Installed(), 1)
	_, ok := f.cat.Resolve("net")
	assert.True(t, ok)
}

func TestReconcileStartsStoppedAndReregistersRunning(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	_, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Stop(context.Background(), "net"))
	require.Zero(t, f.cat.Count())

	f.mgr.Reconcile(context.Background(), []InstallRequest{{Name: "net", Package: "net-scanner"}})

	entry, ok := f.mgr.manifest.Get("net")
	require.True(t, ok)
	assert.True(t, entry.Started)
	_, ok = f.cat.Resolve("net")
	assert.True(t, ok)

	// A second reconcile over a running provider is a no-op apart from
	// refreshing the registration.
	f.mgr.Reconcile(context.Background(), []InstallRequest{{Name: "net", Package: "net-scanner"}})
	assert.Len(t, f.mgr.Installed(), 1)
}

func TestTriggerContainersStayOutOfCatalog(t *testing.T) {
	desc := scannerDescriptor()
	desc.Kind = "trigger"
	srv := packageServer(t, map[string]PackageDescriptor{"nightly-scan": desc})
	f := newFixture(t, srv.URL, nil)

	entry, err := f.mgr.Install(context.Background(), InstallRequest{Name: "nightly", Package: "nightly-scan"})
	require.NoError(t, err)
	assert.Equal(t, "trigger", entry.Kind)
	assert.Zero(t, f.cat.Count())
	assert.NotContains(t, f.rec.list(), "list_tools:nightly")
}

func TestLogsForInstalledPackage(t *testing.T) {
	srv := packageServer(t, map[string]PackageDescriptor{"net-scanner": scannerDescriptor()})
	f := newFixture(t, srv.URL, nil)

	_, err := f.mgr.Install(context.Background(), InstallRequest{Name: "net", Package: "net-scanner"})
	require.NoError(t, err)

	out, err := f.mgr.Logs(context.Background(), "net", 50)
	require.NoError(t, err)
	assert.Equal(t, "log line\n", out)

	_, err = f.mgr.Logs(context.Background(), "ghost", 50)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrUnknownProvider, protocol.KindOf(err))
}

func TestContainerNameSanitizesVersion(t *testing.T) {
	assert.Equal(t, "corral-net-1.2.3", containerNameFor("net", "1.2.3"))
	assert.Equal(t, "corral-net-v1.0-rc.1", containerNameFor("net", "V1.0+RC.1"))
	assert.Equal(t, "corral-net", containerNameFor("net", ""))
}
