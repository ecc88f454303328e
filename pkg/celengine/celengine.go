package celengine

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

// Engine compiles boolean rules against a fixed variable set and caches the programs by source.
type Engine struct {
	env      *cel.Env
	programs sync.Map
}

func New(vars map[string]*cel.Type) (*Engine, error) {
	opts := make([]cel.EnvOption, 0, len(vars))
	for name, typ := range vars {
		opts = append(opts, cel.Variable(name, typ))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	return &Engine{env: env}, nil
}

// NewFromAttributes infers variable types from sample values.
func NewFromAttributes(attrs map[string]any) (*Engine, error) {
	return New(TypesFromAttributes(attrs))
}

func TypesFromAttributes(attrs map[string]any) map[string]*cel.Type {
	out := make(map[string]*cel.Type, len(attrs))
	for key, val := range attrs {
		switch v := val.(type) {
		case string:
			out[key] = cel.StringType
		case int, int32, int64:
			out[key] = cel.IntType
		case float32, float64:
			out[key] = cel.DoubleType
		case bool:
			out[key] = cel.BoolType
		case []any:
			if len(v) > 0 {
				if _, ok := v[0].(map[string]any); ok {
					out[key] = cel.ListType(cel.MapType(cel.StringType, cel.DynType))
					continue
				}
			}
			out[key] = cel.ListType(cel.DynType)
		case map[string]any:
			out[key] = cel.MapType(cel.StringType, cel.DynType)
		default:
			zap.L().Debug("unhandled attribute type, declaring as dyn", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", val)))
			out[key] = cel.DynType
		}
	}
	return out
}

func (e *Engine) program(expr string) (cel.Program, error) {
	if v, ok := e.programs.Load(expr); ok {
		return v.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}

	e.programs.Store(expr, prg)
	return prg, nil
}

func (e *Engine) ValidateExpression(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Engine) Evaluate(expr string, attrs map[string]any) (bool, error) {
	prg, err := e.program(expr)
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
