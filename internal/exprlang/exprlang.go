// Package exprlang sandboxes github.com/expr-lang/expr for use in
// parse.expression steps: no host imports, no arbitrary function calls, no
// unbounded loops — only the bindings the executor hands in and a small
// whitelist of pure helper functions (protocol_executor.py's SAFE_FUNCTIONS).
package exprlang

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the binding set visible to an expression: registers, coils,
// payload, steps.* and the template's own variables, assembled by the
// executor per step.
type Env map[string]any

var helperEnv = map[string]any{
	"int": func(v any) int {
		switch t := v.(type) {
		case int:
			return t
		case int64:
			return int(t)
		case float64:
			return int(t)
		case string:
			var n int
			fmt.Sscanf(t, "%d", &n)
			return n
		default:
			return 0
		}
	},
	"float": func(v any) float64 {
		switch t := v.(type) {
		case float64:
			return t
		case int:
			return float64(t)
		case int64:
			return float64(t)
		case string:
			var f float64
			fmt.Sscanf(t, "%g", &f)
			return f
		default:
			return 0
		}
	},
	"str": func(v any) string {
		return fmt.Sprintf("%v", v)
	},
	"abs":   math.Abs,
	"round": math.Round,
	"min": func(a, b float64) float64 {
		if a < b {
			return a
		}
		return b
	},
	"max": func(a, b float64) float64 {
		if a > b {
			return a
		}
		return b
	},
	"len": func(v any) int {
		switch t := v.(type) {
		case string:
			return len(t)
		case []any:
			return len(t)
		case map[string]any:
			return len(t)
		default:
			return 0
		}
	},
	"json_loads": func(s string) (any, error) {
		var out any
		err := json.Unmarshal([]byte(s), &out)
		return out, err
	},
	"json_get": func(m map[string]any, key string) any {
		return m[key]
	},
}

// compiled caches the compiled program for a given source so a poll loop
// evaluating the same template step repeatedly doesn't re-parse it.
type compiled struct {
	src     string
	program *vm.Program
}

var (
	cacheMu sync.Mutex
	cache   = map[string]*compiled{}
)

// Eval compiles (if needed) and runs src against bindings, returning the
// raw result value. Compilation is re-attempted on every distinct source
// string but never touches the filesystem, network, or os/exec — expr's
// own interpreter has no such builtins to begin with. Device runtimes each
// run on their own goroutine and share this cache, so lookups and inserts
// are guarded by cacheMu.
func Eval(src string, bindings Env) (any, error) {
	full := map[string]any{}
	for k, v := range helperEnv {
		full[k] = v
	}
	for k, v := range bindings {
		full[k] = v
	}

	cacheMu.Lock()
	c, ok := cache[src]
	cacheMu.Unlock()
	if ok {
		return vm.Run(c.program, full)
	}

	program, err := expr.Compile(src, expr.Env(full), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression: %w", err)
	}

	cacheMu.Lock()
	cache[src] = &compiled{src: src, program: program}
	cacheMu.Unlock()
	return vm.Run(program, full)
}
