package converge

import (
	"context"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
)

// Phase names the part of a converge run a Review covers.
type Phase string

const (
	// PhaseTransition is reviewed after planning and before any effector runs.
	PhaseTransition Phase = "transition"

	// PhaseDefinition is reviewed after reconciling and before redefining.
	PhaseDefinition Phase = "definition"
)

// Review is what a Guard sees before a converge run changes a domain.
// Reviews happen in check mode too, so a check reports denials.
type Review struct {
	RunID     string           `json:"run_id"`
	Phase     Phase            `json:"phase"`
	Name      string           `json:"name"`
	Requested string           `json:"requested"`
	From      lifecycle.State  `json:"from"`
	To        lifecycle.State  `json:"to"`
	Policy    lifecycle.Policy `json:"policy"`
	CheckMode bool             `json:"check_mode"`

	// Steps is set for PhaseTransition.
	Steps []lifecycle.Transition `json:"steps,omitempty"`

	// Changes is set for PhaseDefinition, exempt changes included.
	Changes []engine.Change `json:"changes,omitempty"`
}

// Guard approves or denies planned changes. A non-nil error stops the run
// before the domain is touched.
type Guard interface {
	Review(ctx context.Context, review *Review) error
}

// WithGuard installs a guard consulted before transitions and redefinitions.
func WithGuard(g Guard) Option {
	return func(c *Converger) {
		c.guard = g
	}
}

func (c *Converger) review(ctx context.Context, r *Review) error {
	if c.guard == nil {
		return nil
	}
	return c.guard.Review(ctx, r)
}
