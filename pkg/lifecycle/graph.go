package lifecycle

import (
	"fmt"
	"strings"

	"github.com/openfroyo/virtsync/pkg/engine"
)

// EffectorName names an operation that moves a domain along one edge.
type EffectorName string

const (
	EffectorCreate   EffectorName = "create"
	EffectorDefine   EffectorName = "define"
	EffectorUndefine EffectorName = "undefine"
	EffectorStart    EffectorName = "start"
	EffectorShutdown EffectorName = "shutdown"
	EffectorDestroy  EffectorName = "destroy"
	EffectorPause    EffectorName = "pause"
	EffectorResume   EffectorName = "resume"
)

// Policy selects the transition graph.
type Policy struct {
	// Transient domains have no persistent definition: undefined goes
	// straight to running and shutting down undefines them.
	Transient bool `yaml:"transient" json:"transient"`

	// Graceful uses shutdown instead of destroy to stop a running domain.
	Graceful bool `yaml:"graceful" json:"graceful"`
}

// Transition is a directed edge between two states.
type Transition struct {
	From     State        `json:"from"`
	To       State        `json:"to"`
	Effector EffectorName `json:"effector"`
}

// String implements fmt.Stringer.
func (t Transition) String() string {
	return fmt.Sprintf("%s -[%s]-> %s", t.From, t.Effector, t.To)
}

// Graph is the fixed set of legal transitions for one policy.
type Graph struct {
	policy Policy

	// edges keeps insertion order; it decides ties between shortest paths.
	edges []Transition

	// adjacency maps a state to the indices of edges leaving it.
	adjacency map[State][]int
}

// NewGraph builds the transition graph for policy.
func NewGraph(policy Policy) *Graph {
	g := &Graph{
		policy:    policy,
		adjacency: make(map[State][]int),
	}

	offTarget := StateDefined
	if policy.Transient {
		offTarget = StateUndefined
		g.add(StateUndefined, StateRunning, EffectorCreate)
		g.add(StateDefined, StateUndefined, EffectorUndefine)
	} else {
		g.add(StateUndefined, StateDefined, EffectorDefine)
		g.add(StateDefined, StateRunning, EffectorStart)
		g.add(StateDefined, StateUndefined, EffectorUndefine)
	}

	if policy.Graceful {
		g.add(StateRunning, offTarget, EffectorShutdown)
	} else {
		g.add(StateRunning, offTarget, EffectorDestroy)
	}

	g.add(StateRunning, StatePaused, EffectorPause)
	g.add(StatePaused, StateRunning, EffectorResume)

	return g
}

func (g *Graph) add(from, to State, effector EffectorName) {
	g.edges = append(g.edges, Transition{From: from, To: to, Effector: effector})
	g.adjacency[from] = append(g.adjacency[from], len(g.edges)-1)
}

// Policy returns the policy the graph was built for.
func (g *Graph) Policy() Policy {
	return g.policy
}

// Transitions returns every edge in insertion order.
func (g *Graph) Transitions() []Transition {
	return append([]Transition(nil), g.edges...)
}

// From returns the edges leaving state.
func (g *Graph) From(state State) []Transition {
	out := make([]Transition, 0, len(g.adjacency[state]))
	for _, i := range g.adjacency[state] {
		out = append(out, g.edges[i])
	}
	return out
}

// ShortestPath returns the path with the fewest edges from one state to
// another using breadth-first search. Among equally short paths the first
// one discovered in edge insertion order wins. An empty path is returned
// when from equals to. An error with code UNREACHABLE is returned when no
// path exists.
func (g *Graph) ShortestPath(from, to State) ([]Transition, error) {
	if from == to {
		return []Transition{}, nil
	}

	// via records the edge index used to first reach each state.
	via := map[State]int{from: -1}
	queue := []State{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, i := range g.adjacency[current] {
			next := g.edges[i].To
			if _, seen := via[next]; seen {
				continue
			}
			via[next] = i
			if next == to {
				return g.unwind(via, to), nil
			}
			queue = append(queue, next)
		}
	}

	return nil, engine.NewPermanentError(
		fmt.Sprintf("no transition path from %s to %s", from, to), nil,
	).WithCode(engine.ErrCodeUnreachable).
		WithDetail("from", string(from)).
		WithDetail("to", string(to)).
		WithDetail("transient", g.policy.Transient)
}

func (g *Graph) unwind(via map[State]int, to State) []Transition {
	var path []Transition
	for state := to; via[state] >= 0; {
		edge := g.edges[via[state]]
		path = append(path, edge)
		state = edge.From
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// ToDOT renders the graph in Graphviz DOT format. Edges on highlight, if
// any, are drawn bold.
func (g *Graph) ToDOT(highlight []Transition) string {
	var sb strings.Builder

	onPath := make(map[Transition]bool, len(highlight))
	for _, t := range highlight {
		onPath[t] = true
	}

	sb.WriteString("digraph Lifecycle {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=ellipse, style=filled];\n\n")

	for _, state := range []State{StateUndefined, StateDefined, StateRunning, StatePaused} {
		sb.WriteString(fmt.Sprintf("  %q [fillcolor=%q];\n", state, stateColor(state)))
	}
	sb.WriteString("\n")

	for _, t := range g.edges {
		style := "style=solid"
		if onPath[t] {
			style = "style=bold, color=red"
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q [label=%q, %s];\n", t.From, t.To, t.Effector, style))
	}

	sb.WriteString("}\n")
	return sb.String()
}

func stateColor(state State) string {
	switch state {
	case StateRunning:
		return "lightgreen"
	case StatePaused:
		return "lightyellow"
	case StateDefined:
		return "lightblue"
	default:
		return "lightgray"
	}
}
