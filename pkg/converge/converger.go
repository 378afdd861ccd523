package converge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
	"github.com/openfroyo/virtsync/pkg/reconcile"
	"github.com/openfroyo/virtsync/pkg/telemetry"
	"github.com/openfroyo/virtsync/pkg/xmltree"
)

// Request describes the desired situation of one domain.
type Request struct {
	// Name identifies the domain. When empty it is read from the <name>
	// element of Definition.
	Name string `json:"name"`

	// State is the requested state: absent, undefined, present, latest,
	// defined, running or paused. Empty means present.
	State string `json:"state"`

	// Definition is the desired domain XML. Required to bring an undefined
	// domain into a positive state.
	Definition string `json:"definition,omitempty"`

	// Ignore exempts observed values from the definition verdict.
	Ignore reconcile.IgnoreRules `json:"ignore,omitempty"`

	// Policy selects the transition graph.
	Policy lifecycle.Policy `json:"policy"`

	// Wait bounds how long each transition waits for its destination
	// state. Zero means do not wait.
	Wait time.Duration `json:"wait"`

	// PollInterval is the status polling interval while waiting.
	PollInterval time.Duration `json:"poll_interval"`

	// ForceDefinition compares the definition after any state change too,
	// not only when State is latest.
	ForceDefinition bool `json:"force_definition"`

	// CheckMode reports what would change without touching the domain.
	CheckMode bool `json:"check_mode"`
}

// Result describes what a converge run did, or would do in check mode.
type Result struct {
	RunID string `json:"run_id"`
	Name  string `json:"name"`

	// Changed is StateChanged || DefinitionChanged.
	Changed           bool `json:"changed"`
	StateChanged      bool `json:"state_changed"`
	DefinitionChanged bool `json:"definition_changed"`

	From  lifecycle.State        `json:"from"`
	To    lifecycle.State        `json:"to"`
	Steps []lifecycle.Transition `json:"steps,omitempty"`

	// Changes lists every definition difference, exempt ones included.
	Changes []engine.Change `json:"changes,omitempty"`

	// CurrentXML is the live definition before any redefinition.
	CurrentXML string `json:"current_xml,omitempty"`

	// MergedXML is the live definition patched with the desired one.
	MergedXML string `json:"merged_xml,omitempty"`

	// Strange is set when the hypervisor reported a status that should not
	// be seen on a managed domain.
	Strange bool `json:"strange,omitempty"`

	Message string `json:"message,omitempty"`
}

// Converger drives one domain towards a requested state and definition.
type Converger struct {
	hv         Hypervisor
	reconciler *reconcile.Reconciler
	tel        *telemetry.Telemetry
	guard      Guard
}

// Option configures a Converger.
type Option func(*Converger)

// WithTelemetry sets the telemetry used for logs, spans, metrics and events.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Converger) {
		c.tel = tel
	}
}

// WithReconciler replaces the default reconciler.
func WithReconciler(r *reconcile.Reconciler) Option {
	return func(c *Converger) {
		c.reconciler = r
	}
}

// New creates a Converger operating on hv.
func New(hv Hypervisor, opts ...Option) *Converger {
	c := &Converger{hv: hv}
	for _, opt := range opts {
		opt(c)
	}
	if c.tel == nil {
		c.tel = telemetry.Nop()
	}
	if c.reconciler == nil {
		c.reconciler = reconcile.New(reconcile.WithLogger(
			c.tel.Logger.NewComponentLogger("reconcile").Zerolog(),
		))
	}
	return c
}

// Converge brings the domain named by req into the requested state and,
// for latest, brings its definition up to date.
func (c *Converger) Converge(ctx context.Context, req Request) (res *Result, err error) {
	name := req.Name
	if name == "" {
		if req.Definition == "" {
			return nil, engine.NewPermanentError("domain name or definition is required", nil).
				WithCode(engine.ErrCodeValidation)
		}
		if name, err = NameFromDefinition(req.Definition); err != nil {
			return nil, err
		}
	}
	requested := req.State
	if requested == "" {
		requested = lifecycle.RequestPresent
	}

	res = &Result{RunID: uuid.New().String(), Name: name}

	ctx = c.tel.WithContext(ctx)
	ctx = telemetry.WithConvergeContext(ctx, res.RunID, name, requested)
	defer func() {
		res.Changed = res.StateChanged || res.DefinitionChanged
		telemetry.EndConvergeContext(ctx, res.RunID, name, res.Changed, err)
		if err != nil {
			c.recordError(err)
		}
	}()
	logger := telemetry.FromContext(ctx)

	current, strange, err := c.currentState(ctx, name)
	if err != nil {
		return res, err
	}
	res.From, res.To, res.Strange = current, current, strange
	if strange {
		logger.WithField("state", string(current)).Warn("hypervisor reported a strange status")
	}
	if current == lifecycle.StateUnknown {
		return res, engine.NewPermanentError("domain is in an unknown state", nil).
			WithCode(engine.ErrCodeInvalidState).
			WithResource(name)
	}

	if current == lifecycle.StateUndefined && !lifecycle.IsNegative(requested) && req.Definition == "" {
		return res, engine.NewPermanentError("domain not found and no definition given", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(name)
	}

	target, err := lifecycle.ResolveTarget(requested, current)
	if err != nil {
		return res, err
	}
	res.To = target

	checkDefinition := requested == lifecycle.RequestLatest
	if current != target {
		if err := c.transition(ctx, name, requested, req, res); err != nil {
			return res, err
		}
		checkDefinition = req.ForceDefinition && target != lifecycle.StateUndefined && !req.CheckMode
	}

	switch {
	case checkDefinition && req.Definition != "":
		if err := c.syncDefinition(ctx, name, requested, req, res); err != nil {
			return res, err
		}
	case checkDefinition:
		res.Message = "definition was not checked since none was given"
	}

	res.Changed = res.StateChanged || res.DefinitionChanged
	if res.Message == "" {
		res.Message = summarize(res)
	}
	c.tel.Metrics.SetDomainState(name, string(res.To), knownStates)
	logger.WithFields(map[string]interface{}{
		"from":               string(res.From),
		"to":                 string(res.To),
		"changed":            res.Changed,
		"definition_changed": res.DefinitionChanged,
		"check_mode":         req.CheckMode,
	}).Info("converged domain")

	return res, nil
}

var knownStates = []string{
	string(lifecycle.StateUndefined),
	string(lifecycle.StateDefined),
	string(lifecycle.StateRunning),
	string(lifecycle.StatePaused),
}

func (c *Converger) currentState(ctx context.Context, name string) (lifecycle.State, bool, error) {
	status, found, err := c.hv.Lookup(ctx, name)
	if err != nil {
		return lifecycle.StateUnknown, false, engine.NewTransientError("domain lookup failed", err).
			WithResource(name).
			WithOperation("lookup")
	}
	if !found {
		return lifecycle.StateUndefined, false, nil
	}
	state, strange := lifecycle.StateFromStatus(status)
	return state, strange, nil
}

// transition plans the path from res.From to res.To and, outside check
// mode, runs it.
func (c *Converger) transition(ctx context.Context, name, requested string, req Request, res *Result) error {
	logger := telemetry.FromContext(ctx)

	planner := lifecycle.NewPlanner(
		c.effectors(res.RunID, name, req),
		lifecycle.WithPlannerLogger(logger.Zerolog()),
	)
	op, err := planner.Plan(res.From, res.To, req.Policy)
	if err != nil {
		return err
	}
	res.Steps = op.Steps

	if err := c.review(ctx, &Review{
		RunID:     res.RunID,
		Phase:     PhaseTransition,
		Name:      name,
		Requested: requested,
		From:      res.From,
		To:        res.To,
		Policy:    req.Policy,
		CheckMode: req.CheckMode,
		Steps:     op.Steps,
	}); err != nil {
		return err
	}
	res.StateChanged = true

	if req.CheckMode {
		return nil
	}

	report, err := op.Run(ctx, lifecycle.Request{
		Name:       name,
		Definition: req.Definition,
		Wait:       req.Wait,
	})
	if err != nil {
		return err
	}
	if err := c.tel.Events.PublishStateChanged(res.RunID, name, string(res.From), string(res.To)); err != nil {
		logger.WithError(err).Debug("failed to publish state change")
	}
	logger.WithField("steps", len(report.Completed)).
		WithField("duration", report.Duration.String()).
		Debug("transitions completed")
	return nil
}

// effectors binds every edge of the policy's graph to the hypervisor. Each
// effector waits for the edge's destination state when req.Wait is set.
func (c *Converger) effectors(runID, name string, req Request) lifecycle.Effectors {
	ops := map[lifecycle.EffectorName]func(ctx context.Context, r lifecycle.Request) error{
		lifecycle.EffectorDefine: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Define(ctx, r.Definition)
		},
		lifecycle.EffectorCreate: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Create(ctx, r.Definition)
		},
		lifecycle.EffectorUndefine: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Undefine(ctx, r.Name)
		},
		lifecycle.EffectorStart: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Start(ctx, r.Name)
		},
		lifecycle.EffectorShutdown: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Shutdown(ctx, r.Name)
		},
		lifecycle.EffectorDestroy: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Destroy(ctx, r.Name)
		},
		lifecycle.EffectorPause: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Suspend(ctx, r.Name)
		},
		lifecycle.EffectorResume: func(ctx context.Context, r lifecycle.Request) error {
			return c.hv.Resume(ctx, r.Name)
		},
	}

	effectors := make(lifecycle.Effectors)
	for _, t := range lifecycle.NewGraph(req.Policy).Transitions() {
		t, op := t, ops[t.Effector]
		effectors[t.Effector] = func(ctx context.Context, r lifecycle.Request) error {
			return telemetry.RecordTransition(ctx, runID, name, string(t.From), string(t.To), string(t.Effector),
				func(ctx context.Context) error {
					if err := op(ctx, r); err != nil {
						return err
					}
					if r.Wait <= 0 {
						return nil
					}
					return lifecycle.WaitFor(ctx, Probe(c.hv, name), t.To, req.PollInterval, r.Wait)
				})
		}
	}
	return effectors
}

// syncDefinition reconciles a copy of the live definition with the desired
// one and, outside check mode, redefines persistent domains with the merged
// result. Live-only values such as generated MAC addresses survive.
func (c *Converger) syncDefinition(ctx context.Context, name, requested string, req Request, res *Result) error {
	op := telemetry.StartOperation(ctx, "definition.reconcile", telemetry.AttrDomain.String(name))
	var err error
	defer func() { op.End(err) }()

	var live string
	live, err = c.hv.DefinitionXML(op.Ctx, name)
	if err != nil {
		return err
	}
	res.CurrentXML = live

	var desired, observed *xmltree.Document
	if desired, err = xmltree.ParseString(req.Definition); err != nil {
		return err
	}
	if observed, err = xmltree.ParseString(live); err != nil {
		return err
	}

	var result *reconcile.Result
	result, err = c.reconciler.Reconcile(desired, observed, req.Ignore, true)
	if err != nil {
		return err
	}
	res.Changes = result.Changes
	c.recordReconcile(result)

	if result.Equivalent {
		return nil
	}

	res.MergedXML = observed.String()
	counted := len(engine.Counted(result.Changes))
	if perr := c.tel.Events.PublishDefinitionDrift(res.RunID, name, counted); perr != nil {
		op.Logger.WithError(perr).Debug("failed to publish definition drift")
	}
	op.Logger.WithField("changes", counted).Info("definition drift detected")

	err = c.review(op.Ctx, &Review{
		RunID:     res.RunID,
		Phase:     PhaseDefinition,
		Name:      name,
		Requested: requested,
		From:      res.From,
		To:        res.To,
		Policy:    req.Policy,
		CheckMode: req.CheckMode,
		Changes:   res.Changes,
	})
	if err != nil {
		return err
	}
	res.DefinitionChanged = true

	if req.CheckMode || req.Policy.Transient {
		return nil
	}
	err = c.hv.Define(op.Ctx, res.MergedXML)
	return err
}

func (c *Converger) recordReconcile(result *reconcile.Result) {
	counted := make(map[string]int)
	ignored := make(map[string]int)
	for _, ch := range result.Changes {
		if ch.Ignored {
			ignored[string(ch.Kind)]++
		} else {
			counted[string(ch.Kind)]++
		}
	}
	c.tel.Metrics.RecordReconcile(result.Equivalent, counted, ignored)
}

func (c *Converger) recordError(err error) {
	var e *engine.EngineError
	if errors.As(err, &e) {
		c.tel.Metrics.RecordError(string(e.Class), e.Code)
		return
	}
	c.tel.Metrics.RecordError("unclassified", "")
}

func summarize(res *Result) string {
	if !res.Changed {
		return fmt.Sprintf("domain %s is %s", res.Name, res.To)
	}
	var parts []string
	if res.StateChanged {
		effectors := make([]string, len(res.Steps))
		for i, s := range res.Steps {
			effectors[i] = string(s.Effector)
		}
		parts = append(parts, fmt.Sprintf("%s -> %s via %s", res.From, res.To, strings.Join(effectors, ", ")))
	}
	if res.DefinitionChanged {
		parts = append(parts, fmt.Sprintf("%d definition changes", len(engine.Counted(res.Changes))))
	}
	return fmt.Sprintf("domain %s: %s", res.Name, strings.Join(parts, "; "))
}
