package engine

// Change represents a single difference between a desired and an observed
// definition, found by the reconciler.
type Change struct {
	// Path locates the node, e.g. "/domain/devices/disk[1]/@type".
	Path string `json:"path"`

	// Kind is what differs at Path.
	Kind ChangeKind `json:"kind"`

	// Name is the attribute or element name the change is about.
	Name string `json:"name,omitempty"`

	// Before is the observed value before the change.
	Before string `json:"before,omitempty"`

	// After is the desired value.
	After string `json:"after,omitempty"`

	// Action describes the change action (add, modify).
	Action ChangeAction `json:"action"`

	// Ignored is set when an ignore rule exempts the difference from the verdict.
	Ignored bool `json:"ignored,omitempty"`

	// Applied is set when the observed tree was mutated for this change.
	Applied bool `json:"applied,omitempty"`
}

// ChangeKind classifies what part of a node a change touches.
type ChangeKind string

const (
	// ChangeKindAttribute is a missing or differing attribute value.
	ChangeKindAttribute ChangeKind = "attribute"

	// ChangeKindText is differing normalized text content.
	ChangeKindText ChangeKind = "text"

	// ChangeKindElement is a desired child element with no observed match.
	ChangeKindElement ChangeKind = "element"
)

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new attribute or element is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionModify indicates an existing value is being changed.
	ChangeActionModify ChangeAction = "modify"
)

// Counted returns the changes that affect the equivalence verdict.
func Counted(changes []Change) []Change {
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if !c.Ignored {
			out = append(out, c)
		}
	}
	return out
}
