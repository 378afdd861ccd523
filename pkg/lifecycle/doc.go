// Package lifecycle plans and runs state transitions for a domain.
//
// A domain is in one of the states undefined, defined, running or paused
// (saved and unknown exist but have no transitions). The legal edges depend
// on a Policy: transient domains are created straight into running and
// vanish when stopped; persistent ones are defined first and return to
// defined when stopped. Graceful policies stop with shutdown, others with
// destroy.
//
// The Planner finds the shortest chain of edges between two states and
// binds each edge to an Effector. Running an Operation calls the effectors
// in order and stops at the first failure without rolling back.
//
//	planner := lifecycle.NewPlanner(lifecycle.Effectors{
//	    lifecycle.EffectorDefine: define,
//	    lifecycle.EffectorStart:  start,
//	})
//	op, err := planner.Plan(lifecycle.StateUndefined, lifecycle.StateRunning, lifecycle.Policy{Graceful: true})
//	report, err := op.Run(ctx, lifecycle.Request{Name: "web01", Definition: xml})
package lifecycle
