package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// Request carries the arguments every effector of a composed operation
// receives.
type Request struct {
	// Name identifies the domain.
	Name string

	// Definition is the serialized domain definition, used by define and create.
	Definition string

	// Wait is how long an effector may wait for its destination state.
	// Zero means do not wait.
	Wait time.Duration
}

// Effector performs one transition on a real domain. A nil error means the
// transition succeeded.
type Effector func(ctx context.Context, req Request) error

// Effectors binds effector names to implementations.
type Effectors map[EffectorName]Effector

// Planner computes composed operations that move a domain between states.
type Planner struct {
	effectors Effectors
	logger    zerolog.Logger
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerLogger sets the planner's logger.
func WithPlannerLogger(logger zerolog.Logger) PlannerOption {
	return func(p *Planner) {
		p.logger = logger
	}
}

// NewPlanner creates a planner whose operations call effectors.
func NewPlanner(effectors Effectors, opts ...PlannerOption) *Planner {
	p := &Planner{
		effectors: effectors,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan returns the operation moving a domain from current to desired under
// policy. Planning fails with code UNREACHABLE if the policy's graph has no
// path, and with VALIDATION_ERROR if an effector on the path is not bound.
func (p *Planner) Plan(current, desired State, policy Policy) (*Operation, error) {
	for _, s := range []State{current, desired} {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}

	path, err := NewGraph(policy).ShortestPath(current, desired)
	if err != nil {
		return nil, err
	}

	for _, t := range path {
		if p.effectors[t.Effector] == nil {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("no effector bound for %s", t.Effector), nil,
			).WithCode(engine.ErrCodeValidation).WithOperation(string(t.Effector))
		}
	}

	op := &Operation{
		ID:        uuid.New().String(),
		From:      current,
		To:        desired,
		Policy:    policy,
		Steps:     path,
		effectors: p.effectors,
		logger:    p.logger,
	}

	p.logger.Debug().
		Str("operation_id", op.ID).
		Str("from", string(current)).
		Str("to", string(desired)).
		Int("steps", len(path)).
		Msg("planned transition")

	return op, nil
}

// Operation is a chain of transitions executed in order.
type Operation struct {
	ID     string       `json:"id"`
	From   State        `json:"from"`
	To     State        `json:"to"`
	Policy Policy       `json:"policy"`
	Steps  []Transition `json:"steps"`

	effectors Effectors
	logger    zerolog.Logger
}

// RunReport describes how far an operation got.
type RunReport struct {
	// Completed lists the steps whose effectors succeeded.
	Completed []Transition `json:"completed"`

	// Failed is the step whose effector failed, if any.
	Failed *Transition `json:"failed,omitempty"`

	// Duration is the total time spent in effectors.
	Duration time.Duration `json:"duration"`
}

// Run executes the steps in order and stops at the first failing effector.
// No rollback is attempted: the report says which steps completed. The
// error for a failed step has code EFFECTOR_FAILED and wraps the
// effector's error. A cancelled context stops the run between steps.
func (op *Operation) Run(ctx context.Context, req Request) (*RunReport, error) {
	report := &RunReport{Completed: make([]Transition, 0, len(op.Steps))}
	start := time.Now()
	defer func() {
		report.Duration = time.Since(start)
	}()

	for i, step := range op.Steps {
		if err := ctx.Err(); err != nil {
			failed := step
			report.Failed = &failed
			return report, op.stepError(i, step, req, err)
		}

		op.logger.Debug().
			Str("operation_id", op.ID).
			Str("domain", req.Name).
			Str("effector", string(step.Effector)).
			Int("step", i+1).
			Int("steps", len(op.Steps)).
			Msg("running transition")

		if err := op.effectors[step.Effector](ctx, req); err != nil {
			failed := step
			report.Failed = &failed
			return report, op.stepError(i, step, req, err)
		}
		report.Completed = append(report.Completed, step)
	}

	return report, nil
}

func (op *Operation) stepError(i int, step Transition, req Request, err error) error {
	op.logger.Warn().
		Err(err).
		Str("operation_id", op.ID).
		Str("domain", req.Name).
		Str("effector", string(step.Effector)).
		Int("step", i+1).
		Msg("transition failed")

	return engine.NewPermanentError(
		fmt.Sprintf("step %d/%d %s failed", i+1, len(op.Steps), step), err,
	).WithCode(engine.ErrCodeEffectorFailed).
		WithResource(req.Name).
		WithOperation(string(step.Effector)).
		WithDetail("step", i).
		WithDetail("from", string(step.From)).
		WithDetail("to", string(step.To))
}

// Effectors returns the names of the effectors the operation will call, in order.
func (op *Operation) Effectors() []EffectorName {
	names := make([]EffectorName, len(op.Steps))
	for i, s := range op.Steps {
		names[i] = s.Effector
	}
	return names
}
