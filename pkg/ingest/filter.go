package ingest

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Arpeggio-Labs/chorus/pkg/event"
)

// AdmissionFilter evaluates CEL rules against each anchor and its payload
// before verification. All rules must pass; the first failing rule stops
// the event with that rule as the reason. Operators use this to scope a
// node to the slice of traffic it cares about, for example one author
// set or one type range.
type AdmissionFilter struct {
	env      *cel.Env
	rules    []string
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewAdmissionFilter compiles rules eagerly so malformed expressions fail
// at startup rather than on the first matching event.
func NewAdmissionFilter(rules []string) (*AdmissionFilter, error) {
	env, err := cel.NewEnv(
		cel.Variable("anchor", cel.DynType),
		cel.Variable("event", cel.DynType),
		cel.Variable("now", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: create CEL environment: %w", err)
	}
	f := &AdmissionFilter{
		env:      env,
		rules:    rules,
		prgCache: make(map[string]cel.Program),
	}
	for i, rule := range rules {
		if _, err := f.program(rule); err != nil {
			return nil, fmt.Errorf("ingest: admission rule %d: %w", i, err)
		}
	}
	return f, nil
}

// Admit evaluates every rule against the anchor and payload. It returns
// false with the failing rule when any rule denies. Evaluation errors
// fail closed.
func (f *AdmissionFilter) Admit(anchor *event.Anchor, payload event.Event, nowUnix int64) (bool, string, error) {
	if f == nil || len(f.rules) == 0 {
		return true, "", nil
	}
	input := map[string]any{
		"now": nowUnix,
		"anchor": map[string]any{
			"author": anchor.Author,
			"type":   anchor.Type,
			"ts":     anchor.TS,
			"tags":   anchor.Tags,
		},
		"event": celValue(map[string]any(payload)),
	}
	for _, rule := range f.rules {
		ok, err := f.evaluate(rule, input)
		if err != nil {
			return false, rule, err
		}
		if !ok {
			return false, rule, nil
		}
	}
	return true, "", nil
}

func (f *AdmissionFilter) program(expr string) (cel.Program, error) {
	f.mu.RLock()
	prg, hit := f.prgCache[expr]
	f.mu.RUnlock()
	if hit {
		return prg, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if prg, hit = f.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := f.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := f.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	f.prgCache[expr] = prg
	return prg, nil
}

// celValue rewrites json.Number values, which CEL would otherwise see
// as strings, into native integers or floats. Maps and slices are walked
// recursively.
func celValue(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if fl, err := val.Float64(); err == nil {
			return fl
		}
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = celValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = celValue(item)
		}
		return out
	default:
		return v
	}
}

func (f *AdmissionFilter) evaluate(expr string, input map[string]any) (bool, error) {
	prg, err := f.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule %q did not produce a boolean", expr)
	}
	return val, nil
}
