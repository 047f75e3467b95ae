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

package observability

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTracerIsNil(t *testing.T) {
	tr, err := NewTracer(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestNilTracerIsSafe(t *testing.T) {
	var tr *Tracer

	ctx, span := tr.StartExecution(context.Background(), "agent", "exec-1", "researcher")
	assert.NotNil(t, ctx)
	require.NotNil(t, span)

	tr.AddUsage(span, 10, 5, 0.01)
	tr.RecordError(span, fmt.Errorf("boom"))
	span.End()

	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestStdoutTracerStartsSpans(t *testing.T) {
	tr, err := NewTracer(context.Background(), Config{Enabled: true, Stdout: true, ServiceName: "corral-test"})
	require.NoError(t, err)
	require.NotNil(t, tr)
	defer func() { _ = tr.Shutdown(context.Background()) }()

	ctx, root := tr.StartExecution(context.Background(), "workflow", "exec-2", "net-sweep")
	_, child := tr.StartToolDispatch(ctx, "net", "scan")
	child.End()
	root.End()

	assert.True(t, root.SpanContext().IsValid())
}
