package converge

import (
	"context"
	"strings"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/lifecycle"
	"github.com/openfroyo/virtsync/pkg/xmltree"
)

// Hypervisor is the set of domain operations the Converger needs.
// Operations on a missing domain return an error with code NOT_FOUND.
type Hypervisor interface {
	// Lookup reports the status of the named domain. found is false when
	// the hypervisor does not know the domain.
	Lookup(ctx context.Context, name string) (status lifecycle.Status, found bool, err error)

	// DefinitionXML returns the live definition of the named domain.
	DefinitionXML(ctx context.Context, name string) (string, error)

	// Define makes a persistent definition, or replaces the existing one.
	Define(ctx context.Context, definition string) error

	// Undefine removes the persistent definition of a shut off domain.
	Undefine(ctx context.Context, name string) error

	// Create starts a transient domain from definition.
	Create(ctx context.Context, definition string) error

	Start(ctx context.Context, name string) error
	Shutdown(ctx context.Context, name string) error
	Destroy(ctx context.Context, name string) error
	Suspend(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
}

// NameFromDefinition returns the text of the <name> child of a domain
// definition's root element.
func NameFromDefinition(definition string) (string, error) {
	doc, err := xmltree.ParseString(definition)
	if err != nil {
		return "", err
	}
	id, ok := doc.Find(doc.Root(), "name")
	if !ok {
		return "", engine.NewPermanentError("definition has no <name> element", nil).
			WithCode(engine.ErrCodeValidation)
	}
	name := strings.TrimSpace(doc.DirectText(id))
	if name == "" {
		return "", engine.NewPermanentError("definition has an empty <name> element", nil).
			WithCode(engine.ErrCodeValidation)
	}
	return name, nil
}

// Probe returns a lifecycle probe for the named domain. A missing domain
// reads as undefined.
func Probe(hv Hypervisor, name string) lifecycle.Probe {
	return func(ctx context.Context) (lifecycle.State, error) {
		status, found, err := hv.Lookup(ctx, name)
		if err != nil {
			return lifecycle.StateUnknown, err
		}
		if !found {
			return lifecycle.StateUndefined, nil
		}
		state, _ := lifecycle.StateFromStatus(status)
		return state, nil
	}
}
