package task

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
)

// MergeStrategy selects how the outputs of upstream tasks are combined into
// a downstream task's input.
type MergeStrategy string

const (
	// MergeReplace keeps the last non-nil upstream output.
	MergeReplace MergeStrategy = "replace"
	// MergeDict unions map-valued outputs, later keys overriding; non-map
	// outputs are attached under a synthetic output_<i> key.
	MergeDict MergeStrategy = "merge_dict"
	// MergeList concatenates list-valued outputs; non-list outputs are
	// appended as single items.
	MergeList MergeStrategy = "merge_list"
	// MergeCustom delegates to a mapper looked up by name in the mapper
	// registry.
	MergeCustom MergeStrategy = "custom"
)

// Mapper is a custom merge function: it receives the full list of upstream
// outputs in edge-declaration order and returns the downstream input.
type Mapper func(outputs []any) (any, error)

// mappers is the process-wide mapper registry. The original design resolved
// custom mappers by dynamic import at run time; here edges reference
// mappers by name and applications register the functions at startup.
var mappers = struct {
	mu sync.RWMutex
	m  map[string]Mapper
}{m: make(map[string]Mapper)}

// RegisterMapper binds a custom merge function to a name that dependency
// edges can reference with MergeCustom.
func RegisterMapper(name string, fn Mapper) error {
	if name == "" {
		return fmt.Errorf("mapper name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("mapper %q cannot be nil", name)
	}

	mappers.mu.Lock()
	defer mappers.mu.Unlock()

	if _, exists := mappers.m[name]; exists {
		return fmt.Errorf("mapper %q already registered", name)
	}
	mappers.m[name] = fn
	return nil
}

// LookupMapper resolves a registered mapper by name.
func LookupMapper(name string) (Mapper, error) {
	mappers.mu.RLock()
	defer mappers.mu.RUnlock()

	fn, ok := mappers.m[name]
	if !ok {
		return nil, fmt.Errorf("no mapper registered under %q", name)
	}
	return fn, nil
}

// ExprMapper compiles an expr-lang expression into a Mapper. The expression
// sees the upstream outputs as the variable "outputs", so edges can carry
// small data-driven mergers without Go code:
//
//	m, err := task.ExprMapper(`outputs[0]`)
//	task.RegisterMapper("pick_first", m)
func ExprMapper(src string) (Mapper, error) {
	program, err := expr.Compile(src, expr.Env(map[string]any{"outputs": []any{}}))
	if err != nil {
		return nil, fmt.Errorf("compile mapper expression: %w", err)
	}
	return func(outputs []any) (any, error) {
		out, err := expr.Run(program, map[string]any{"outputs": outputs})
		if err != nil {
			return nil, fmt.Errorf("evaluate mapper expression: %w", err)
		}
		return out, nil
	}, nil
}

// MergeOutputs applies a merge strategy to the upstream outputs. The mapper
// is consulted only for MergeCustom and must be non-nil there.
func MergeOutputs(outputs []any, strategy MergeStrategy, mapper Mapper) (any, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	switch strategy {
	case MergeReplace:
		for i := len(outputs) - 1; i >= 0; i-- {
			if outputs[i] != nil {
				return outputs[i], nil
			}
		}
		return nil, nil

	case MergeDict:
		result := make(map[string]any)
		for _, out := range outputs {
			switch v := out.(type) {
			case map[string]any:
				for k, val := range v {
					result[k] = val
				}
			case nil:
			default:
				result[fmt.Sprintf("output_%d", len(result))] = v
			}
		}
		return result, nil

	case MergeList:
		result := make([]any, 0, len(outputs))
		for _, out := range outputs {
			switch v := out.(type) {
			case []any:
				result = append(result, v...)
			case nil:
			default:
				result = append(result, v)
			}
		}
		return result, nil

	case MergeCustom:
		if mapper == nil {
			return nil, fmt.Errorf("custom merge strategy requires a mapper")
		}
		return mapper(outputs)

	default:
		return nil, fmt.Errorf("unknown merge strategy %q", strategy)
	}
}

// PrepareInput refreshes t.Input from the outputs of its upstream tasks.
// The first incoming edge's strategy governs; edges that disagree on the
// strategy are rejected rather than silently picking one. Tasks without
// upstream keep whatever input they were created with.
func PrepareInput(t *Task) error {
	if len(t.UpstreamLinks) == 0 {
		return nil
	}

	first := t.UpstreamLinks[0]
	for _, l := range t.UpstreamLinks[1:] {
		if l.Strategy != first.Strategy {
			return fmt.Errorf("task %s has conflicting merge strategies %s and %s",
				t.describe(), first.Strategy, l.Strategy)
		}
	}

	var mapper Mapper
	if first.Strategy == MergeCustom {
		if first.Mapper == "" {
			return fmt.Errorf("task %s uses custom merge without a mapper name", t.describe())
		}
		var err error
		mapper, err = LookupMapper(first.Mapper)
		if err != nil {
			return err
		}
	}

	outputs := make([]any, 0, len(t.UpstreamLinks))
	for _, l := range t.UpstreamLinks {
		if l.UpstreamTask != nil {
			outputs = append(outputs, l.UpstreamTask.OutputValue())
		}
	}

	merged, err := MergeOutputs(outputs, first.Strategy, mapper)
	if err != nil {
		return err
	}
	t.Input = merged
	return nil
}
