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

package agent

import (
	"context"
	"fmt"

	"github.com/corralhq/corral/pkg/catalog"
	"github.com/corralhq/corral/pkg/model"
	"github.com/corralhq/corral/pkg/protocol"
	"github.com/corralhq/corral/pkg/toolclient"
)

// Dispatcher prepares an agent's visible tool set and dispatches calls to
// providers. The runtime depends on this interface so tests can substitute
// fakes for the catalog and the tool client.
type Dispatcher interface {
	// VisibleTools builds the model-facing tool set for the declared
	// provider names. Providers missing from the catalog are skipped and
	// returned in missing.
	VisibleTools(providers []string) (tools []model.ToolDef, missing []string)

	// Dispatch invokes one tool on one provider.
	Dispatch(ctx context.Context, provider, tool string, args map[string]any) (map[string]any, error)
}

// CatalogDispatcher resolves providers in the tool catalog and calls them
// through the tool client.
type CatalogDispatcher struct {
	catalog *catalog.Catalog
	client  toolclient.Client
}

func NewCatalogDispatcher(cat *catalog.Catalog, client toolclient.Client) *CatalogDispatcher {
	return &CatalogDispatcher{catalog: cat, client: client}
}

func (d *CatalogDispatcher) VisibleTools(providers []string) ([]model.ToolDef, []string) {
	var tools []model.ToolDef
	var missing []string

	for _, name := range providers {
		entry, ok := d.catalog.Resolve(name)
		if !ok {
			missing = append(missing, name)
			continue
		}
		for _, spec := range entry.Tools {
			tools = append(tools, model.ToolDef{
				Name:        protocol.QualifyTool(name, spec.Name),
				Description: fmt.Sprintf("[%s] %s", name, spec.Description),
				InputSchema: spec.InputSchema,
			})
		}
	}
	return tools, missing
}

func (d *CatalogDispatcher) Dispatch(ctx context.Context, provider, tool string, args map[string]any) (map[string]any, error) {
	entry, ok := d.catalog.Resolve(provider)
	if !ok {
		return nil, protocol.NewError(protocol.ErrUnknownProvider,
			"provider %q not in catalog", provider)
	}
	return d.client.Call(ctx, entry, tool, args)
}

var _ Dispatcher = (*CatalogDispatcher)(nil)
