// ABOUTME: Compiled-expression cache shared by the condition and code handlers.
// ABOUTME: Each distinct source string compiles once; programs run against per-call environments.

package engine

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// programCache memoizes compiled expressions by source text. Diagram
// expressions are static for the life of the process, so entries are never
// invalidated.
type programCache struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

func newProgramCache() *programCache {
	return &programCache{programs: make(map[string]*vm.Program)}
}

// compile returns the cached program for src, compiling on first use.
// Undefined variables are allowed so an expression can reference inputs
// that are absent on some iterations; they evaluate to nil.
func (c *programCache) compile(src string) (*vm.Program, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.programs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	c.programs[src] = p
	return p, nil
}

// exprEnv builds the evaluation environment for a request: execution
// variables first, then edge inputs layered on top so local values win on
// key collisions. The full input map and iteration number ride along under
// fixed names.
func exprEnv(req *Request) map[string]any {
	env := make(map[string]any, len(req.Variables)+len(req.Inputs)+2)
	for k, v := range req.Variables {
		env[k] = v
	}
	for k, v := range req.Inputs {
		env[k] = v
	}
	env["inputs"] = req.Inputs
	env["execution_count"] = req.ExecutionCount
	return env
}
