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

package model

import "strings"

// modelPricing holds USD prices per million tokens.
type modelPricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// pricingTable is keyed by model name prefix; longest match wins. Unknown
// models cost zero.
var pricingTable = map[string]modelPricing{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-haiku-4":    {0.80, 4.00},
	"claude-3-5-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"gpt-4o-mini":       {0.15, 0.60},
	"gpt-4o":            {2.50, 10.00},
	"gpt-4.1-mini":      {0.40, 1.60},
	"gpt-4.1":           {2.00, 8.00},
	"o3-mini":           {1.10, 4.40},
	"o3":                {2.00, 8.00},
}

// Cost computes the USD cost of one call from provider-reported usage.
func Cost(modelName string, usage Usage) float64 {
	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(modelName, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricingTable[best]
	return float64(usage.InputTokens)/1e6*p.InputPerMTok +
		float64(usage.OutputTokens)/1e6*p.OutputPerMTok
}
