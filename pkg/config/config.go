package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
	"github.com/openfroyo/virtsync/pkg/reconcile"
	"github.com/openfroyo/virtsync/pkg/telemetry"
	"github.com/openfroyo/virtsync/pkg/transports/ssh"
)

// File is the virtsync configuration file.
type File struct {
	Logging telemetry.LoggingConfig `yaml:"logging"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`
	Metrics telemetry.MetricsConfig `yaml:"metrics"`
	Events  telemetry.EventsConfig  `yaml:"events"`

	// Defaults apply to converge requests that do not override them.
	Defaults Defaults `yaml:"defaults"`

	// IgnoreRulesFile names a YAML file of ignore rules, relative to the
	// configuration file.
	IgnoreRulesFile string `yaml:"ignore_rules_file"`

	// Ignore holds inline ignore rules. Rules from IgnoreRulesFile replace
	// inline rules for the same root tag.
	Ignore reconcile.IgnoreRules `yaml:"ignore"`

	// Policies configures the policy guard.
	Policies Policies `yaml:"policies"`

	// Journal configures the run journal.
	Journal Journal `yaml:"journal"`

	// Hypervisor selects a libvirt host instead of a simulated one.
	Hypervisor Hypervisor `yaml:"hypervisor"`

	path string
}

// Policies configures the Rego policies reviewed before each run.
type Policies struct {
	Enabled bool `yaml:"enabled"`

	// Paths are .rego or .json files, or directories of them, relative to
	// the configuration file.
	Paths []string `yaml:"paths" validate:"required_if=Enabled true,dive,required"`

	// Environment is exposed to policies as input.context.environment.
	Environment string `yaml:"environment"`

	// Builtins loads the built-in advisory policies.
	Builtins bool `yaml:"builtins"`
}

// Journal configures where converge runs are recorded.
type Journal struct {
	// Path is the SQLite database file, relative to the configuration
	// file. Empty disables the journal.
	Path string `yaml:"path"`

	// Retention prunes runs older than this after each recorded run. Zero
	// keeps every run.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`
}

// Hypervisor configures the libvirt connection.
type Hypervisor struct {
	// URI is the libvirt connection URI, e.g. qemu:///system or
	// qemu+ssh://root@kvm1/system. Empty means no libvirt host.
	URI string `yaml:"uri" validate:"omitempty,uri"`

	// SSH holds the connection settings for +ssh URIs. The user, host and
	// port of the URI take precedence.
	SSH ssh.Config `yaml:"ssh"`
}

// Defaults are the converge settings used when a request leaves them unset.
type Defaults struct {
	Transient    bool          `yaml:"transient"`
	Graceful     bool          `yaml:"graceful"`
	Wait         time.Duration `yaml:"wait" validate:"gte=0"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// Policy returns the lifecycle policy the defaults describe.
func (d Defaults) Policy() lifecycle.Policy {
	return lifecycle.Policy{Transient: d.Transient, Graceful: d.Graceful}
}

// Default returns the configuration used when no file is given.
func Default() *File {
	tel := telemetry.DefaultConfig()
	return &File{
		Logging: tel.Logging,
		Tracing: tel.Tracing,
		Metrics: tel.Metrics,
		Events:  tel.Events,
		Defaults: Defaults{
			Graceful:     true,
			Wait:         60 * time.Second,
			PollInterval: lifecycle.DefaultPollInterval,
		},
		Ignore:     reconcile.IgnoreRules{},
		Policies:   Policies{Builtins: true},
		Hypervisor: Hypervisor{SSH: *ssh.DefaultConfig("", "")},
	}
}

// Load reads, resolves and validates the configuration at path. Files
// ending in .cue are checked against the CUE schema first.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if filepath.Ext(path) == ".cue" {
		if data, err = CUEToJSON(path, data); err != nil {
			return nil, err
		}
	}
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}
	f.path = path

	dir := filepath.Dir(path)
	for i, p := range f.Policies.Paths {
		f.Policies.Paths[i] = resolve(dir, p)
	}
	if f.Journal.Path != "" && f.Journal.Path != ":memory:" {
		f.Journal.Path = resolve(dir, f.Journal.Path)
	}
	if f.Hypervisor.SSH.PrivateKeyPath != "" {
		f.Hypervisor.SSH.PrivateKeyPath = resolve(dir, f.Hypervisor.SSH.PrivateKeyPath)
	}

	if f.IgnoreRulesFile != "" {
		rulesPath := resolve(dir, f.IgnoreRulesFile)
		rules, err := reconcile.LoadIgnoreRules(rulesPath)
		if err != nil {
			return nil, err
		}
		f.IgnoreRulesFile = rulesPath
		for tag, rule := range rules {
			f.Ignore[tag] = rule
		}
	}

	return f, nil
}

// Parse decodes configuration YAML on top of Default and validates it.
// Unknown keys are rejected.
func Parse(data []byte) (*File, error) {
	f := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, engine.NewPermanentError("failed to parse config", err).
			WithCode(engine.ErrCodeParse)
	}
	if f.Ignore == nil {
		f.Ignore = reconcile.IgnoreRules{}
	}

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

var validate = validator.New()

// Validate checks field constraints and the telemetry settings.
func (f *File) Validate() error {
	if err := validate.Struct(f); err != nil {
		e := engine.NewPermanentError("invalid config", err).WithCode(engine.ErrCodeValidation)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				e.WithDetail(fe.Namespace(), fe.Tag())
			}
		}
		return e
	}
	if err := f.Telemetry().Validate(); err != nil {
		return engine.NewPermanentError("invalid telemetry config", err).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// Path returns the file the configuration was loaded from, if any.
func (f *File) Path() string {
	return f.path
}

// Telemetry returns the telemetry configuration.
func (f *File) Telemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging = f.Logging
	cfg.Tracing = f.Tracing
	cfg.Metrics = f.Metrics
	cfg.Events = f.Events
	return cfg
}

// WatchPaths lists the files whose changes invalidate this configuration.
func (f *File) WatchPaths() []string {
	var paths []string
	if f.path != "" {
		paths = append(paths, f.path)
	}
	if f.IgnoreRulesFile != "" {
		paths = append(paths, f.IgnoreRulesFile)
	}
	return paths
}

func resolve(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}
