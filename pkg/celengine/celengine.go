package celengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles boolean CEL expressions over a loose attribute map and
// caches compiled programs by expression and attribute shape.
type Engine struct {
	programs sync.Map // cacheKey -> cel.Program
}

func New() *Engine {
	return &Engine{}
}

func varType(val any) *cel.Type {
	switch val.(type) {
	case string:
		return cel.StringType
	case int, int32, int64:
		return cel.IntType
	case float32, float64:
		return cel.DoubleType
	case bool:
		return cel.BoolType
	case []any:
		return cel.ListType(cel.DynType)
	case map[string]any:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

// BuildEnv declares one variable per attribute key.
func BuildEnv(attrs map[string]any) (*cel.Env, error) {
	variables := make([]cel.EnvOption, 0, len(attrs)+1)
	variables = append(variables, cel.CrossTypeNumericComparisons(true))
	for key, val := range attrs {
		variables = append(variables, cel.Variable(key, varType(val)))
	}
	return cel.NewEnv(variables...)
}

func shapeKey(expr string, attrs map[string]any) string {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		keys = append(keys, fmt.Sprintf("%s:%s", k, varType(v).String()))
	}
	sort.Strings(keys)
	return expr + "|" + strings.Join(keys, ",")
}

func (e *Engine) program(expr string, attrs map[string]any) (cel.Program, error) {
	key := shapeKey(expr, attrs)
	if v, ok := e.programs.Load(key); ok {
		return v.(cel.Program), nil
	}

	env, err := BuildEnv(attrs)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.programs.Store(key, prg)
	return prg, nil
}

// Evaluate runs expr against attrs and requires a boolean result.
func (e *Engine) Evaluate(expr string, attrs map[string]any) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return false, fmt.Errorf("expression must not be empty")
	}
	if attrs == nil {
		attrs = map[string]any{}
	}

	prg, err := e.program(expr, attrs)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}
	return b, nil
}

// Validate parses expr without type-checking, so it can run before the
// attribute set is known, e.g. when saving a rule.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("expression must not be empty")
	}
	env, err := cel.NewEnv()
	if err != nil {
		return err
	}
	_, issues := env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	return nil
}
