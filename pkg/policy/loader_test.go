package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
)

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoaderRegoMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "protect-db.rego", "# Databases stay.\n# Ask the DBA team first.\n# severity: critical\n\n"+protectDB)

	p, err := NewLoader(zerolog.Nop()).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if p.Name != "protect-db" {
		t.Errorf("Name = %q", p.Name)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Severity = %q", p.Severity)
	}
	if p.Description != "Databases stay. Ask the DBA team first." {
		t.Errorf("Description = %q", p.Description)
	}
	if !p.Enabled || p.Source != path {
		t.Errorf("Enabled = %v, Source = %q", p.Enabled, p.Source)
	}
}

func TestLoaderDefaults(t *testing.T) {
	dir := t.TempDir()
	rego := writePolicy(t, dir, "plain.rego", protectDB)
	js := writePolicy(t, dir, "sub/frozen.json", `{"name": "frozen", "rego": "package frozen\n\ndeny contains \"frozen\" if { true }\n"}`)

	loader := NewLoader(zerolog.Nop())
	files, err := loader.Files([]string{dir})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != rego || files[1] != js {
		t.Errorf("Files() = %v", files)
	}

	policies, err := loader.LoadFromPaths([]string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	for _, p := range policies {
		if p.Severity != SeverityError || !p.Enabled {
			t.Errorf("%s: Severity = %q, Enabled = %v", p.Name, p.Severity, p.Enabled)
		}
	}
}

func TestLoaderErrors(t *testing.T) {
	dir := t.TempDir()
	loader := NewLoader(zerolog.Nop())

	bad := writePolicy(t, dir, "bad.rego", "# severity: loud\npackage x\n")
	if _, err := loader.LoadFile(bad); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("bad severity error = %v", err)
	}

	broken := writePolicy(t, dir, "broken.json", "{")
	if _, err := loader.LoadFile(broken); engine.CodeOf(err) != engine.ErrCodeParse {
		t.Errorf("broken JSON error = %v", err)
	}

	other := writePolicy(t, dir, "notes.txt", "hello")
	if _, err := loader.LoadFile(other); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("unsupported file error = %v", err)
	}

	if _, err := loader.Files([]string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing path should fail")
	}

	dup := t.TempDir()
	writePolicy(t, dup, "a/same.rego", protectDB)
	writePolicy(t, dup, "b/same.rego", protectDB)
	if _, err := loader.LoadFromPaths([]string{dup}); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("duplicate name error = %v", err)
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "protect-db.rego", protectDB)
	ctx := context.Background()

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("protect-db"); err != nil {
		t.Fatal(err)
	}
	if err := eng.Review(ctx, removal("db01", lifecycle.EffectorShutdown)); !errors.Is(err, engine.ErrPolicyDenied) {
		t.Errorf("Review() error = %v, want POLICY_DENIED", err)
	}

	writePolicy(t, dir, "zz-broken.rego", "package broken\n\ndeny contains if {")
	before := len(eng.ListPolicies())
	if err := eng.LoadPolicies(ctx, []string{dir}); err == nil {
		t.Fatal("LoadPolicies() should fail on a broken policy")
	}
	if len(eng.ListPolicies()) != before {
		t.Error("a failed load changed the loaded policies")
	}
}
