package engine

import (
	"errors"
	"fmt"
	"testing"
)

func TestEngineErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "plain",
			err:  NewPermanentError("bad input", nil),
			want: "[permanent] bad input",
		},
		{
			name: "resource and operation",
			err:  NewConflictError("domain is running", nil).WithResource("web01").WithOperation("undefine"),
			want: "[conflict] domain is running (resource=web01, operation=undefine)",
		},
		{
			name: "operation only",
			err:  NewTransientError("timed out", nil).WithOperation("wait"),
			want: "[transient] timed out (operation=wait)",
		},
		{
			name: "wrapped",
			err:  NewPermanentError("define failed", errors.New("disk busy")).WithResource("web01"),
			want: "[permanent] define failed (resource=web01): disk busy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSentinels(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("converge: %w",
		NewPermanentError("step failed", cause).WithCode(ErrCodeEffectorFailed))

	if !errors.Is(err, ErrEffectorFailed) {
		t.Error("expected ErrEffectorFailed")
	}
	if !errors.Is(err, cause) {
		t.Error("expected the cause in the chain")
	}
	if errors.Is(err, ErrUnreachable) {
		t.Error("codes must match")
	}
	if errors.Is(NewTransientError("x", nil).WithCode(ErrCodeEffectorFailed), ErrEffectorFailed) {
		t.Error("classes must match")
	}
	if CodeOf(err) != ErrCodeEffectorFailed {
		t.Errorf("CodeOf() = %q", CodeOf(err))
	}
	if CodeOf(cause) != "" {
		t.Error("CodeOf() of a plain error should be empty")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		err       error
		transient bool
		conflict  bool
		permanent bool
	}{
		{NewTransientError("t", nil), true, false, false},
		{NewConflictError("c", nil), false, true, false},
		{NewPermanentError("p", nil), false, false, true},
		{errors.New("plain"), false, false, false},
	}

	for _, tt := range tests {
		if IsTransient(tt.err) != tt.transient || IsConflict(tt.err) != tt.conflict || IsPermanent(tt.err) != tt.permanent {
			t.Errorf("classification of %v is wrong", tt.err)
		}
	}
}

func TestWithDetail(t *testing.T) {
	err := NewPermanentError("unreachable", nil).
		WithCode(ErrCodeUnreachable).
		WithDetail("from", "running").
		WithDetail("to", "saved")

	if err.Details["from"] != "running" || err.Details["to"] != "saved" {
		t.Errorf("Details = %v", err.Details)
	}
}

func TestCounted(t *testing.T) {
	changes := []Change{
		{Path: "/domain/@id", Kind: ChangeKindAttribute, Ignored: true},
		{Path: "/domain/vcpu/text()", Kind: ChangeKindText},
	}
	got := Counted(changes)
	if len(got) != 1 || got[0].Path != "/domain/vcpu/text()" {
		t.Errorf("Counted() = %v", got)
	}
}
