package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
)

// Engine evaluates Rego policies against converge reviews. It implements
// converge.Guard.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	logger      zerolog.Logger
	environment string
	noBuiltins  bool
}

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEnvironment sets the environment passed to policies in input.context.
func WithEnvironment(env string) EngineOption {
	return func(e *Engine) {
		e.environment = env
	}
}

// WithoutBuiltins starts the engine with no policies loaded.
func WithoutBuiltins() EngineOption {
	return func(e *Engine) {
		e.noBuiltins = true
	}
}

var _ converge.Guard = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(ctx context.Context, logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.noBuiltins {
		return e, nil
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStore(ctx, &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")

	return e, nil
}

// AddPolicy compiles p and adds it, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compileAndStore(ctx, &p)
}

// LoadPolicies loads policy files and directories and adds their policies.
// Nothing is added if any policy fails to compile.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(paths)
	if err != nil {
		return err
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := compile(ctx, &policies[i])
		if err != nil {
			return err
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}
	e.mu.Unlock()

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Evaluate evaluates every enabled policy against input, in name order.
// A policy that fails to evaluate is reported in Result.Errors and skipped.
func (e *Engine) Evaluate(ctx context.Context, input *Input) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.namesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("policy %s: %v", name, err))
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// Review evaluates the policies against review and returns an error with
// code POLICY_DENIED when any blocking violation is found. Warnings are
// logged.
func (e *Engine) Review(ctx context.Context, review *converge.Review) error {
	result, err := e.Evaluate(ctx, &Input{
		Review: review,
		Context: &Context{
			Environment: e.environment,
			Timestamp:   time.Now().UTC(),
		},
	})
	if err != nil {
		return err
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("domain", review.Name).
			Str("phase", string(review.Phase)).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, len(result.Violations))
	policies := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		messages[i] = v.Message
		policies[i] = v.Policy
	}
	return engine.NewPermanentError("denied by policy: "+strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(review.Name).
		WithOperation(string(review.Phase)).
		WithDetail("policies", policies)
}

// evaluatePolicy evaluates the deny set of a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}

	// Sets come back in no particular order.
	sort.Slice(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from one member of a deny set.
func createViolation(p *Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}
	if input.Review != nil {
		v.Domain = input.Name
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok && Severity(sev).Validate() {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

func (e *Engine) compileAndStore(ctx context.Context, p *Policy) error {
	cp, err := compile(ctx, p)
	if err != nil {
		return err
	}
	e.policies[p.Name] = cp
	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// compile parses p and prepares the query for its deny set.
func compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, engine.NewPermanentError("policy name is required", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if !p.Severity.Validate() {
		return nil, engine.NewPermanentError(fmt.Sprintf("invalid severity %q", p.Severity), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(p.Name)
	}

	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, engine.NewPermanentError("failed to parse policy", err).
			WithCode(engine.ErrCodeParse).
			WithResource(p.Name)
	}

	query, err := rego.New(
		rego.Query(module.Package.Path.String()+".deny"),
		rego.Module(p.Name, p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, engine.NewPermanentError("failed to prepare policy", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(p.Name)
	}

	return &compiledPolicy{
		policy:   p,
		query:    query,
		compiled: time.Now(),
	}, nil
}

func (e *Engine) namesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, notFound(name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := e.namesLocked()
	policies := make([]Policy, len(names))
	for i, name := range names {
		policies[i] = *e.policies[name].policy
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return notFound(name)
	}
	cp.policy.Enabled = enabled
	e.logger.Debug().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func notFound(name string) error {
	return engine.NewPermanentError("policy not found: "+name, nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(name)
}
