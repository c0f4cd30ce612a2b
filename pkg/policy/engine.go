// Package policy evaluates per-community escalation rules: CEL expressions
// that can force a verdict into manual confirmation. A rule can only add
// human review; it can never make a manual action automatic.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"
)

// Input is the attribute set a rule can reference.
type Input struct {
	Community        string
	Action           string
	Rule             string
	Reasoning        string
	Tier             string
	PriorInfractions int
	ChannelID        string
	TestMode         bool
}

func (in Input) activation() map[string]any {
	return map[string]any{
		"community":         in.Community,
		"action":            in.Action,
		"rule":              in.Rule,
		"reasoning":         in.Reasoning,
		"tier":              in.Tier,
		"prior_infractions": int64(in.PriorInfractions),
		"channel":           in.ChannelID,
		"test_mode":         in.TestMode,
	}
}

// Decision is the outcome of evaluating a community's rules.
type Decision struct {
	ForceManual bool
	MatchedRule string
}

// Engine compiles and caches rule programs.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	programs map[string]cel.Program
	logger   *slog.Logger
}

// NewEngine initializes the CEL environment.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("community", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("rule", types.StringType),
			decls.NewVariable("reasoning", types.StringType),
			decls.NewVariable("tier", types.StringType),
			decls.NewVariable("prior_infractions", types.IntType),
			decls.NewVariable("channel", types.StringType),
			decls.NewVariable("test_mode", types.BoolType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Engine{
		env:      env,
		programs: make(map[string]cel.Program),
		logger:   slog.Default().With("component", "policy"),
	}, nil
}

// Validate compiles source and checks that it yields a bool.
func (e *Engine) Validate(source string) error {
	_, err := e.program(source)
	return err
}

func (e *Engine) program(source string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[source]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy compilation failed: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(types.BoolType) {
		return nil, fmt.Errorf("policy %q must evaluate to bool, got %s", source, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program construction failed: %w", err)
	}

	e.mu.Lock()
	e.programs[source] = prg
	e.mu.Unlock()
	return prg, nil
}

// Evaluate runs rules in order and stops at the first that holds. Rules that
// fail to compile or evaluate are logged and skipped.
func (e *Engine) Evaluate(ctx context.Context, rules []string, in Input) Decision {
	act := in.activation()
	for _, src := range rules {
		prg, err := e.program(src)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping invalid escalation rule", "community", in.Community, "rule", src, "error", err)
			continue
		}
		out, _, err := prg.Eval(act)
		if err != nil {
			e.logger.WarnContext(ctx, "escalation rule evaluation failed", "community", in.Community, "rule", src, "error", err)
			continue
		}
		if hit, ok := out.Value().(bool); ok && hit {
			return Decision{ForceManual: true, MatchedRule: src}
		}
	}
	return Decision{}
}
