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

package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	// ${VAR} or ${VAR:-default}
	envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

	// {{node.path.to.field}} or {{node}}
	nodeRefPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_-]+)((?:\.[^}]+)?)\}\}`)
)

// resolver resolves parameter templates and conditional predicates against
// the finalized results of ancestor nodes.
type resolver struct {
	// raw caches each completed node's output as JSON for gjson lookups.
	raw     map[string][]byte
	results map[string]*NodeResult

	// params overlay the process environment for ${KEY} references.
	params map[string]string

	// allowed restricts lookups to a node's transitive dependencies; nil
	// means unrestricted.
	allowed map[string]bool
}

func newResolver(results map[string]*NodeResult, params map[string]string) *resolver {
	return &resolver{
		raw:     make(map[string][]byte),
		results: results,
		params:  params,
	}
}

// scoped returns a resolver restricted to the given node set. The JSON
// cache is shared with the parent.
func (r *resolver) scoped(allowed map[string]bool) *resolver {
	s := *r
	s.allowed = allowed
	return &s
}

// resolveParams resolves a node's parameter template into concrete
// arguments. Unresolved references fail the node.
func (r *resolver) resolveParams(params map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return map[string]any{}, nil
	}
	out, err := r.resolveValue(params)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *resolver) resolveValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString expands env and node references. A string that is exactly
// one node reference keeps the referenced value's type; embedded references
// interpolate as text.
func (r *resolver) resolveString(s string) (any, error) {
	if m := nodeRefPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		res, err := r.lookup(m[1], strings.TrimPrefix(m[2], "."))
		if err != nil {
			return nil, err
		}
		return res.Value(), nil
	}

	var refErr error
	out := nodeRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := nodeRefPattern.FindStringSubmatch(match)
		res, err := r.lookup(m[1], strings.TrimPrefix(m[2], "."))
		if err != nil {
			if refErr == nil {
				refErr = err
			}
			return match
		}
		return res.String()
	})
	if refErr != nil {
		return nil, refErr
	}

	out = envRefPattern.ReplaceAllStringFunc(out, func(match string) string {
		m := envRefPattern.FindStringSubmatch(match)
		if v, ok := r.params[m[1]]; ok {
			return v
		}
		if v, ok := os.LookupEnv(m[1]); ok {
			return v
		}
		if m[2] != "" {
			return m[3]
		}
		if refErr == nil {
			refErr = fmt.Errorf("environment variable %q is not set and has no default", m[1])
		}
		return match
	})
	if refErr != nil {
		return nil, refErr
	}
	return out, nil
}

// lookup resolves node.path against a completed ancestor's output. Only
// declared dependencies are visible: a reference to an unrelated node is an
// error regardless of execution order.
func (r *resolver) lookup(nodeID, path string) (gjson.Result, error) {
	if r.allowed != nil && !r.allowed[nodeID] {
		return gjson.Result{}, fmt.Errorf("reference to node %q which is not a declared dependency", nodeID)
	}
	nr, ok := r.results[nodeID]
	if !ok {
		return gjson.Result{}, fmt.Errorf("reference to unknown node %q", nodeID)
	}
	if nr.Status != NodeCompleted {
		return gjson.Result{}, fmt.Errorf("reference to node %q which did not complete", nodeID)
	}

	raw, ok := r.raw[nodeID]
	if !ok {
		var err error
		raw, err = json.Marshal(nr.Output)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("marshal output of node %q: %w", nodeID, err)
		}
		r.raw[nodeID] = raw
	}

	if path == "" {
		return gjson.ParseBytes(raw), nil
	}
	res := gjson.GetBytes(raw, path)
	if !res.Exists() {
		return gjson.Result{}, fmt.Errorf("node %q has no value at path %q", nodeID, path)
	}
	return res, nil
}

// evalCondition evaluates a conditional node's predicate. Supported forms:
//
//	exists(node.path)
//	node.path == literal
//	node.path != literal
//	node.path >  number   (also >=, <, <=)
//
// A reference to a skipped or failed ancestor evaluates false rather than
// erroring. A malformed predicate is an error.
func (r *resolver) evalCondition(cond string) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return false, fmt.Errorf("empty condition")
	}

	if strings.HasPrefix(cond, "exists(") && strings.HasSuffix(cond, ")") {
		ref := strings.TrimSpace(cond[len("exists(") : len(cond)-1])
		res, err := r.lookupRef(ref)
		if err != nil {
			return false, nil
		}
		return res.Exists(), nil
	}

	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(cond, op)
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(cond[:idx])
		right := strings.TrimSpace(cond[idx+len(op):])
		if left == "" || right == "" {
			return false, fmt.Errorf("malformed condition %q", cond)
		}

		res, err := r.lookupRef(left)
		if err != nil {
			// Skipped or failed ancestor: the predicate is false.
			return false, nil
		}
		return compare(res, op, right)
	}

	return false, fmt.Errorf("unsupported condition %q", cond)
}

// lookupRef accepts both bare node.path references and {{node.path}} forms.
func (r *resolver) lookupRef(ref string) (gjson.Result, error) {
	if m := nodeRefPattern.FindStringSubmatch(ref); m != nil && m[0] == ref {
		return r.lookup(m[1], strings.TrimPrefix(m[2], "."))
	}
	nodeID, path, _ := strings.Cut(ref, ".")
	return r.lookup(nodeID, path)
}

func compare(res gjson.Result, op, literal string) (bool, error) {
	lit := strings.Trim(literal, `"'`)

	switch op {
	case "==", "!=":
		var eq bool
		if ln, err := strconv.ParseFloat(lit, 64); err == nil && res.Type == gjson.Number {
			eq = res.Float() == ln
		} else if lit == "true" || lit == "false" {
			eq = res.IsBool() && res.Bool() == (lit == "true")
		} else {
			eq = res.String() == lit
		}
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil

	case ">", ">=", "<", "<=":
		ln, err := strconv.ParseFloat(lit, 64)
		if err != nil {
			return false, fmt.Errorf("numeric comparison against non-number %q", literal)
		}
		if res.Type != gjson.Number {
			return false, nil
		}
		v := res.Float()
		switch op {
		case ">":
			return v > ln, nil
		case ">=":
			return v >= ln, nil
		case "<":
			return v < ln, nil
		default:
			return v <= ln, nil
		}
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}
