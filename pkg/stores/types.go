package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
)

// RunStatus represents how a converge run ended.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one journaled converge run.
type Run struct {
	ID                string                   `json:"id"`
	Domain            string                   `json:"domain"`
	Requested         string                   `json:"requested"`
	From              lifecycle.State          `json:"from"`
	To                lifecycle.State          `json:"to"`
	Status            RunStatus                `json:"status"`
	Changed           bool                     `json:"changed"`
	StateChanged      bool                     `json:"state_changed"`
	DefinitionChanged bool                     `json:"definition_changed"`
	CheckMode         bool                     `json:"check_mode"`
	Steps             []lifecycle.EffectorName `json:"steps,omitempty"`
	Message           string                   `json:"message,omitempty"`
	Error             *string                  `json:"error,omitempty"`
	ErrorCode         string                   `json:"error_code,omitempty"`
	StartedAt         time.Time                `json:"started_at"`
	CompletedAt       time.Time                `json:"completed_at"`

	// Changes are the definition changes of the run, in reconcile order.
	Changes []engine.Change `json:"changes,omitempty"`
}

// Duration is how long the run took.
func (r *Run) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Domain keeps runs of one domain when set.
	Domain string

	// ChangedOnly keeps runs that changed something.
	ChangedOnly bool

	// Limit caps the number of runs returned. Zero means 50.
	Limit int
}

// Journal records converge runs.
type Journal interface {
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// RunFromResult builds a journal entry from a converge result. res may be
// nil when the run failed before a result existed; err is the run's error.
func RunFromResult(req converge.Request, res *converge.Result, err error, started, completed time.Time) *Run {
	run := &Run{
		Domain:      req.Name,
		Requested:   req.State,
		Status:      RunStatusSucceeded,
		CheckMode:   req.CheckMode,
		StartedAt:   started.UTC(),
		CompletedAt: completed.UTC(),
	}
	if run.Requested == "" {
		run.Requested = lifecycle.RequestPresent
	}

	if res != nil {
		run.ID = res.RunID
		run.Domain = res.Name
		run.From = res.From
		run.To = res.To
		run.Changed = res.Changed
		run.StateChanged = res.StateChanged
		run.DefinitionChanged = res.DefinitionChanged
		run.Message = res.Message
		run.Changes = res.Changes
		for _, s := range res.Steps {
			run.Steps = append(run.Steps, s.Effector)
		}
	}

	if err != nil {
		msg := err.Error()
		run.Status = RunStatusFailed
		run.Error = &msg
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			run.ErrorCode = ee.Code
		}
	}
	return run
}
