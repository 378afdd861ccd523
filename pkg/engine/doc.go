// Package engine holds the types shared by the virtsync reconciler, planner
// and converge packages.
//
// # Error Classification
//
// Errors are classified so callers can decide on remediation:
//
//   - Transient: the domain did not reach a state within the wait budget
//   - Conflict: the domain's state forbids the requested operation
//   - Permanent: contract violations and invalid input
//
// Every error carries a code. Match on class and code with errors.Is:
//
//	if errors.Is(err, engine.ErrUnreachable) {
//	    // no path between the two lifecycle states under this policy
//	}
//
// Details such as the failing step of a composed operation are available
// through errors.As on *EngineError.
//
// # Changes
//
// Change records each difference the reconciler found, whether it counted
// against the verdict, and whether it was applied to the observed tree.
package engine
