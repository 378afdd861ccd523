package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// Loader reads policies from .rego and .json files.
//
// A .rego file becomes one policy named after the file. Leading comment
// lines form its description, and a "# severity: <level>" line sets its
// severity (default error). A .json file holds one Policy object.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// Files expands paths into the policy files they name. Directories are
// walked recursively. The result is sorted.
func (l *Loader) Files(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path: %w", err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isPolicyFile(p) {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory: %w", err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadFromPaths loads policies from a list of file or directory paths.
func (l *Loader) LoadFromPaths(paths []string) ([]Policy, error) {
	files, err := l.Files(paths)
	if err != nil {
		return nil, err
	}

	policies := make([]Policy, 0, len(files))
	seen := make(map[string]string, len(files))
	for _, file := range files {
		p, err := l.LoadFile(file)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[p.Name]; dup {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("policy %s is defined in %s and %s", p.Name, prev, file), nil,
			).WithCode(engine.ErrCodeValidation)
		}
		seen[p.Name] = file
		policies = append(policies, *p)
	}

	l.logger.Debug().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// LoadFile loads a policy from a single file.
func (l *Loader) LoadFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = parseRegoFile(path, string(data))
	case ".json":
		p, err = parseJSONFile(data)
	default:
		err = engine.NewPermanentError("unsupported policy file type", nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			return nil, ee.WithResource(path)
		}
		return nil, err
	}
	p.Source = path

	l.logger.Debug().Str("path", path).Str("policy", p.Name).Msg("Policy loaded from file")
	return p, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// parseRegoFile turns a .rego file into a Policy.
func parseRegoFile(path, content string) (*Policy, error) {
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     content,
		Severity: SeverityError,
		Enabled:  true,
	}

	var description []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if sev, ok := strings.CutPrefix(comment, "severity:"); ok {
			p.Severity = Severity(strings.TrimSpace(sev))
			if !p.Severity.Validate() {
				return nil, engine.NewPermanentError(fmt.Sprintf("invalid severity %q", p.Severity), nil).
					WithCode(engine.ErrCodeValidation)
			}
			continue
		}
		if comment != "" {
			description = append(description, comment)
		}
	}
	p.Description = strings.Join(description, " ")

	return p, nil
}

// parseJSONFile parses a JSON policy definition.
func parseJSONFile(data []byte) (*Policy, error) {
	p := &Policy{Enabled: true}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, engine.NewPermanentError("failed to parse JSON policy", err).
			WithCode(engine.ErrCodeParse)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	return p, nil
}
