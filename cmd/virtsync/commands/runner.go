package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/openfroyo/virtsync/pkg/config"
	"github.com/openfroyo/virtsync/pkg/converge"
	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/policy"
	"github.com/openfroyo/virtsync/pkg/stores"
	"github.com/openfroyo/virtsync/pkg/telemetry"
)

// runFlags select the policy guard, the run journal and the event stream.
type runFlags struct {
	policyPaths []string
	journalPath string
	events      []string
	eventsLevel string
}

func (f *runFlags) register(flags *pflag.FlagSet) {
	flags.StringSliceVar(&f.policyPaths, "policy", nil, "Rego policy files or directories (enables the policy guard)")
	flags.StringVar(&f.journalPath, "journal", "", "run journal database (overrides config)")
	flags.StringSliceVar(&f.events, "events", nil, "write these event types to stderr as JSON lines (\"all\" for every type)")
	flags.StringVar(&f.eventsLevel, "events-level", telemetry.EventLevelInfo, "lowest event level to write: info, warning or error")
}

// streamEvents subscribes a JSON-lines writer for the selected event types.
func (f *runFlags) streamEvents(tel *telemetry.Telemetry, w io.Writer) error {
	if len(f.events) == 0 {
		return nil
	}

	var filter telemetry.EventFilter
	if !slices.Contains(f.events, "all") {
		known := telemetry.EventTypes()
		for _, t := range f.events {
			if !slices.Contains(known, t) {
				return engine.NewPermanentError(fmt.Sprintf("unknown event type %q", t), nil).
					WithCode(engine.ErrCodeValidation).
					WithDetail("known", known)
			}
		}
		filter = telemetry.FilterByType(f.events...)
	}

	switch f.eventsLevel {
	case telemetry.EventLevelInfo:
	case telemetry.EventLevelWarning, telemetry.EventLevelError:
		tel.Events.AddFilter(telemetry.FilterByLevel(f.eventsLevel))
	default:
		return engine.NewPermanentError(fmt.Sprintf("unknown event level %q", f.eventsLevel), nil).
			WithCode(engine.ErrCodeValidation)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	tel.Events.Subscribe(func(event telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(event); err != nil {
			log.Debug().Err(err).Msg("Failed to write event")
		}
	}, filter)
	return nil
}

// runner converges domains through the configured guard and records every
// run in the journal when one is configured.
type runner struct {
	tel       *telemetry.Telemetry
	guard     *policy.Engine
	journal   *stores.SQLiteStore
	retention time.Duration
}

func newRunner(ctx context.Context, cfg *config.File, tel *telemetry.Telemetry, f *runFlags) (*runner, error) {
	r := &runner{tel: tel, retention: cfg.Journal.Retention}

	guard, err := newPolicyEngine(ctx, cfg, f.policyPaths)
	if err != nil {
		return nil, err
	}
	r.guard = guard

	path := cfg.Journal.Path
	if f.journalPath != "" {
		path = f.journalPath
	}
	if path != "" {
		journal, err := stores.Open(ctx, stores.Config{Path: path})
		if err != nil {
			return nil, err
		}
		r.journal = journal
		log.Debug().Str("path", path).Msg("Opened run journal")
	}
	return r, nil
}

// newPolicyEngine builds the policy guard, or returns nil when policies
// are disabled and no extra paths are given.
func newPolicyEngine(ctx context.Context, cfg *config.File, extra []string) (*policy.Engine, error) {
	if !cfg.Policies.Enabled && len(extra) == 0 {
		return nil, nil
	}

	opts := []policy.EngineOption{policy.WithEnvironment(cfg.Policies.Environment)}
	if !cfg.Policies.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	eng, err := policy.NewEngine(ctx, log.Logger, opts...)
	if err != nil {
		return nil, err
	}

	var paths []string
	if cfg.Policies.Enabled {
		paths = append(paths, cfg.Policies.Paths...)
	}
	paths = append(paths, extra...)
	if err := eng.LoadPolicies(ctx, paths); err != nil {
		return nil, err
	}
	return eng, nil
}

// policyFiles lists the policy files a watch must follow.
func (f *runFlags) policyFiles(cfg *config.File) ([]string, error) {
	var paths []string
	if cfg.Policies.Enabled {
		paths = append(paths, cfg.Policies.Paths...)
	}
	paths = append(paths, f.policyPaths...)
	if len(paths) == 0 {
		return nil, nil
	}
	return policy.NewLoader(log.Logger).Files(paths)
}

// converge runs one converge and saves the host unless in check mode.
// The host is saved after a failed run too, so completed steps persist.
func (r *runner) converge(ctx context.Context, hv *hypervisor, req converge.Request) (*converge.Result, error) {
	opts := []converge.Option{converge.WithTelemetry(r.tel)}
	if r.guard != nil {
		opts = append(opts, converge.WithGuard(r.guard))
	}
	c := converge.New(hv.Hypervisor, opts...)

	started := time.Now()
	res, err := c.Converge(ctx, req)
	if !req.CheckMode {
		if serr := hv.save(); serr != nil {
			log.Error().Err(serr).Msg("Failed to save host")
			if err == nil {
				err = serr
			}
		}
	}
	r.record(context.WithoutCancel(ctx), req, res, err, started)
	return res, err
}

// record journals a run. Journal failures are logged and not returned.
func (r *runner) record(ctx context.Context, req converge.Request, res *converge.Result, runErr error, started time.Time) {
	if r.journal == nil {
		return
	}
	run := stores.RunFromResult(req, res, runErr, started, time.Now())
	if err := r.journal.RecordRun(ctx, run); err != nil {
		log.Error().Err(err).Str("domain", run.Domain).Msg("Failed to record run")
		return
	}
	log.Debug().Str("run_id", run.ID).Msg("Recorded run")

	if r.retention > 0 {
		n, err := r.journal.PruneRuns(ctx, time.Now().Add(-r.retention))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to prune run journal")
		} else if n > 0 {
			log.Debug().Int64("pruned", n).Msg("Pruned run journal")
		}
	}
}

func (r *runner) Close() {
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close run journal")
		}
	}
}
