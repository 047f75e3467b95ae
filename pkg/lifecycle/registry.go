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
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corralhq/corral/pkg/httpclient"
	"github.com/corralhq/corral/pkg/protocol"
)

// PackageDescriptor is one installable package as described by the package
// catalog.
type PackageDescriptor struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"` // "provider" or "trigger"
	Version    string            `json:"version"`
	Image      string            `json:"image"`
	Port       int               `json:"port"`
	HealthPath string            `json:"health_path,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// RegistryClient fetches package descriptors from a package-catalog HTTP
// API.
type RegistryClient struct {
	baseURL string
	http    *httpclient.Client
}

func NewRegistryClient(baseURL string) *RegistryClient {
	return &RegistryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http: httpclient.New(
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

// ListPackages returns every package the catalog offers.
func (c *RegistryClient) ListPackages(ctx context.Context) ([]PackageDescriptor, error) {
	var out []PackageDescriptor
	if err := c.getJSON(ctx, c.baseURL+"/v1/packages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchDescriptor resolves one package, optionally pinned to a version.
func (c *RegistryClient) FetchDescriptor(ctx context.Context, pkg, version string) (*PackageDescriptor, error) {
	u := c.baseURL + "/v1/packages/" + url.PathEscape(pkg)
	if version != "" {
		u += "?version=" + url.QueryEscape(version)
	}

	var desc PackageDescriptor
	if err := c.getJSON(ctx, u, &desc); err != nil {
		return nil, err
	}
	if desc.Image == "" {
		return nil, protocol.NewError(protocol.ErrMalformedResponse,
			"package %q descriptor has no image", pkg)
	}
	if desc.HealthPath == "" {
		desc.HealthPath = "/health"
	}
	return &desc, nil
}

func (c *RegistryClient) getJSON(ctx context.Context, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return protocol.WrapError(protocol.ErrConfiguration, err, "build registry request")
	}
	req.Header.Set("Accept", "application/json")

	// Do reports non-2xx statuses as errors; the response is still returned
	// so the status can be mapped below.
	resp, err := c.http.Do(req)
	if resp == nil {
		return protocol.WrapError(protocol.ErrTransport, err, "package catalog request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.WrapError(protocol.ErrTransport, err, "read package catalog response")
	}
	if resp.StatusCode == http.StatusNotFound {
		return protocol.NewError(protocol.ErrUnknownProvider, "package not found: %s", u)
	}
	if resp.StatusCode != http.StatusOK {
		return protocol.NewError(protocol.ErrProviderReported,
			"package catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return protocol.WrapError(protocol.ErrMalformedResponse, err,
			"decode package catalog response from %s", u)
	}
	return nil
}
