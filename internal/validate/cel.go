package validate

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
)

const celCacheSize = 256

// celEvaluator compiles and runs CEL-subset expressions via expr-lang,
// caching compiled programs by expression text.
type celEvaluator struct {
	cache *lru.Cache[string, *vm.Program]
}

func newCELEvaluator() *celEvaluator {
	cache, _ := lru.New[string, *vm.Program](celCacheSize)
	return &celEvaluator{cache: cache}
}

// Eval runs one expression against the environment. A compile error,
// runtime error or non-boolean result returns false with the error; the
// caller treats all of those as a failed constraint.
func (c *celEvaluator) Eval(expression string, env map[string]any) (bool, error) {
	prog, ok := c.cache.Get(expression)
	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.AllowUndefinedVariables())
		if err != nil {
			return false, fmt.Errorf("compile %q: %w", expression, err)
		}
		c.cache.Add(expression, prog)
	}

	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", expression, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q is not boolean", expression)
	}
	return b, nil
}
