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

package protocol

import "time"

// Timeouts holds the layered execution deadlines. A zero field means no
// deadline at that layer.
type Timeouts struct {
	PerLLMCall   time.Duration `yaml:"per_llm_call" json:"per_llm_call"`
	PerToolCall  time.Duration `yaml:"per_tool_call" json:"per_tool_call"`
	PerIteration time.Duration `yaml:"per_iteration" json:"per_iteration"`
	PerExecution time.Duration `yaml:"per_execution" json:"per_execution"`
}

// DefaultTimeouts returns the engine defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		PerLLMCall:   2 * time.Minute,
		PerToolCall:  1 * time.Minute,
		PerIteration: 3 * time.Minute,
		PerExecution: 10 * time.Minute,
	}
}
