package lifecycle

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/virtsync/pkg/engine"
)

func effectorsOf(path []Transition) []EffectorName {
	names := make([]EffectorName, len(path))
	for i, t := range path {
		names[i] = t.Effector
	}
	return names
}

func TestGraphEdges(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   []Transition
	}{
		{
			name:   "persistent graceful",
			policy: Policy{Graceful: true},
			want: []Transition{
				{StateUndefined, StateDefined, EffectorDefine},
				{StateDefined, StateRunning, EffectorStart},
				{StateDefined, StateUndefined, EffectorUndefine},
				{StateRunning, StateDefined, EffectorShutdown},
				{StateRunning, StatePaused, EffectorPause},
				{StatePaused, StateRunning, EffectorResume},
			},
		},
		{
			name:   "persistent forced",
			policy: Policy{},
			want: []Transition{
				{StateUndefined, StateDefined, EffectorDefine},
				{StateDefined, StateRunning, EffectorStart},
				{StateDefined, StateUndefined, EffectorUndefine},
				{StateRunning, StateDefined, EffectorDestroy},
				{StateRunning, StatePaused, EffectorPause},
				{StatePaused, StateRunning, EffectorResume},
			},
		},
		{
			name:   "transient graceful",
			policy: Policy{Transient: true, Graceful: true},
			want: []Transition{
				{StateUndefined, StateRunning, EffectorCreate},
				{StateDefined, StateUndefined, EffectorUndefine},
				{StateRunning, StateUndefined, EffectorShutdown},
				{StateRunning, StatePaused, EffectorPause},
				{StatePaused, StateRunning, EffectorResume},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewGraph(tt.policy).Transitions()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Transitions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShortestPath(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		from   State
		to     State
		want   []EffectorName
	}{
		{"define and start", Policy{Graceful: true}, StateUndefined, StateRunning, []EffectorName{EffectorDefine, EffectorStart}},
		{"shutdown and undefine", Policy{Graceful: true}, StateRunning, StateUndefined, []EffectorName{EffectorShutdown, EffectorUndefine}},
		{"destroy and undefine", Policy{}, StateRunning, StateUndefined, []EffectorName{EffectorDestroy, EffectorUndefine}},
		{"paused to defined", Policy{Graceful: true}, StatePaused, StateDefined, []EffectorName{EffectorResume, EffectorShutdown}},
		{"undefined to paused", Policy{Graceful: true}, StateUndefined, StatePaused, []EffectorName{EffectorDefine, EffectorStart, EffectorPause}},
		{"defined to undefined", Policy{}, StateDefined, StateUndefined, []EffectorName{EffectorUndefine}},
		{"transient create", Policy{Transient: true}, StateUndefined, StateRunning, []EffectorName{EffectorCreate}},
		{"transient stop", Policy{Transient: true, Graceful: true}, StatePaused, StateUndefined, []EffectorName{EffectorResume, EffectorShutdown}},
		{"same state", Policy{}, StateRunning, StateRunning, []EffectorName{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := NewGraph(tt.policy).ShortestPath(tt.from, tt.to)
			if err != nil {
				t.Fatalf("ShortestPath() error = %v", err)
			}
			if got := effectorsOf(path); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ShortestPath() = %v, want %v", got, tt.want)
			}
			for i := 1; i < len(path); i++ {
				if path[i].From != path[i-1].To {
					t.Errorf("path is not chained at step %d: %v", i, path)
				}
			}
		})
	}
}

func TestShortestPathUnreachable(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		from   State
		to     State
	}{
		{"saved", Policy{Graceful: true}, StateRunning, StateSaved},
		{"unknown", Policy{Graceful: true}, StateUnknown, StateRunning},
		{"transient defined", Policy{Transient: true}, StateUndefined, StateDefined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.policy).ShortestPath(tt.from, tt.to)
			if !errors.Is(err, engine.ErrUnreachable) {
				t.Fatalf("ShortestPath() error = %v, want UNREACHABLE", err)
			}
			var ee *engine.EngineError
			if !errors.As(err, &ee) {
				t.Fatal("expected an EngineError")
			}
			if ee.Details["from"] != string(tt.from) || ee.Details["to"] != string(tt.to) {
				t.Errorf("details = %v", ee.Details)
			}
			if ee.Details["transient"] != tt.policy.Transient {
				t.Errorf("transient detail = %v", ee.Details["transient"])
			}
		})
	}
}

func TestToDOT(t *testing.T) {
	g := NewGraph(Policy{Graceful: true})
	path, err := g.ShortestPath(StateUndefined, StateRunning)
	if err != nil {
		t.Fatal(err)
	}

	dot := g.ToDOT(path)
	for _, want := range []string{
		"digraph Lifecycle {",
		`"undefined" -> "defined" [label="define", style=bold, color=red];`,
		`"defined" -> "running" [label="start", style=bold, color=red];`,
		`"running" -> "defined" [label="shutdown", style=solid];`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("ToDOT() missing %q\n%s", want, dot)
		}
	}
}

func TestResolveTarget(t *testing.T) {
	tests := []struct {
		requested string
		current   State
		want      State
	}{
		{"running", StateUndefined, StateRunning},
		{"paused", StateRunning, StatePaused},
		{"defined", StatePaused, StateDefined},
		{"absent", StateRunning, StateUndefined},
		{"undefined", StateDefined, StateUndefined},
		{"present", StateUndefined, StateDefined},
		{"present", StateRunning, StateRunning},
		{"present", StatePaused, StatePaused},
		{"latest", StateDefined, StateDefined},
		{"latest", StateUndefined, StateDefined},
	}

	for _, tt := range tests {
		t.Run(tt.requested+"/"+string(tt.current), func(t *testing.T) {
			got, err := ResolveTarget(tt.requested, tt.current)
			if err != nil {
				t.Fatalf("ResolveTarget() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveTarget() = %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := ResolveTarget("saved", StateRunning); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("ResolveTarget(saved) error = %v, want VALIDATION_ERROR", err)
	}
}

func TestStateFromStatus(t *testing.T) {
	tests := []struct {
		status  Status
		want    State
		strange bool
	}{
		{StatusRunning, StateRunning, false},
		{StatusNoState, StateRunning, true},
		{StatusBlocked, StateRunning, true},
		{StatusPaused, StatePaused, false},
		{StatusShutdown, StateDefined, false},
		{StatusShutoff, StateDefined, false},
		{StatusCrashed, StateUnknown, true},
		{StatusPMSuspended, StateUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			got, strange := StateFromStatus(tt.status)
			if got != tt.want || strange != tt.strange {
				t.Errorf("StateFromStatus() = %s, %v, want %s, %v", got, strange, tt.want, tt.strange)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for s, name := range statusNames {
		got, err := ParseStatus(name)
		if err != nil || got != s {
			t.Errorf("ParseStatus(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseStatus("sleeping"); engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("ParseStatus(sleeping) error = %v", err)
	}
	if got := Status(42).String(); got != "status(42)" {
		t.Errorf("String() = %s", got)
	}
}
