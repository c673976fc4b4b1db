package formula

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Expressions see the record's fields as the `record` map, e.g.
//
//	record.stage == "won" && record.amount > 1000.0
var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
})

var (
	prgMu    sync.RWMutex
	prgCache = map[string]cel.Program{}
)

// program compiles expr once and caches the result. Expressions must have a
// boolean (or dynamic) result type.
func program(expr string) (cel.Program, error) {
	prgMu.RLock()
	prg, hit := prgCache[expr]
	prgMu.RUnlock()
	if hit {
		return prg, nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("create CEL env: %w", err)
	}

	prgMu.Lock()
	defer prgMu.Unlock()
	if prg, hit = prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression %q returns %s, want bool", expr, out)
	}
	prg, err = env.Program(ast, cel.CostLimit(10000), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	prgCache[expr] = prg
	return prg, nil
}

// evalBool runs prg against fields. Evaluation errors (a missing key, a type
// mismatch) and non-boolean results count as no match.
func evalBool(prg cel.Program, fields map[string]any) bool {
	out, _, err := prg.Eval(map[string]any{"record": fields})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
