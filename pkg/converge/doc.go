// Package converge brings one domain to a requested lifecycle state and
// definition.
//
// A run looks the domain up, resolves the requested state against the
// current one, plans and runs the transitions in between and, for the
// latest state, reconciles the live definition with the desired one and
// redefines the domain with the merged XML. In check mode nothing is
// changed on the hypervisor; the Result still reports what would be done.
//
//	c := converge.New(host, converge.WithTelemetry(tel))
//	res, err := c.Converge(ctx, converge.Request{
//	    State:      "running",
//	    Definition: xml,
//	    Policy:     lifecycle.Policy{Graceful: true},
//	    Wait:       time.Minute,
//	})
package converge
