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

const truncationMarker = "... (truncated)"

// Truncate returns a copy of a JSON-shaped value with every string cut to at
// most max runes. Maps and slices are recursed; other scalars pass through
// untouched. Used to keep event payload snapshots small while the full value
// lives in the message list.
func Truncate(v any, max int) any {
	if max <= 0 {
		return v
	}
	switch val := v.(type) {
	case string:
		return TruncateString(val, max)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Truncate(item, max)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Truncate(item, max)
		}
		return out
	default:
		return v
	}
}

// TruncateMap is Truncate specialized to map-shaped values, preserving the
// map type for callers that pass snapshots on.
func TruncateMap(m map[string]any, max int) map[string]any {
	out, _ := Truncate(m, max).(map[string]any)
	return out
}

// TruncateString cuts s to max runes, appending a marker when cut.
func TruncateString(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + truncationMarker
}
