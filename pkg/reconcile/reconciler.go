package reconcile

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/xmltree"
)

// Reconciler compares a desired definition tree with an observed one and
// optionally patches the observed tree until it matches. It holds no state
// between calls and may be shared.
type Reconciler struct {
	logger zerolog.Logger
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used for per-difference debug output.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// New creates a Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result is the outcome of one reconciliation.
type Result struct {
	// Equivalent is true when nothing differed apart from exempt values.
	Equivalent bool `json:"equivalent"`

	// Changes lists every difference found, exempt ones included.
	Changes []engine.Change `json:"changes,omitempty"`
}

// Reconcile compares the root elements of desired and observed. The rule
// for the root is looked up in rules by the root tag.
//
// With mutate set, observed is patched in place: differing attributes and
// text are overwritten and unmatched desired children are appended. Without
// it, observed is left untouched. desired is never modified.
//
// The root tags must be equal; otherwise an error with code SHAPE_MISMATCH
// is returned.
func (r *Reconciler) Reconcile(desired, observed *xmltree.Document, rules IgnoreRules, mutate bool) (*Result, error) {
	root := desired.Root()
	return r.ReconcileNodes(desired, root, observed, observed.Root(), rules.For(desired.Tag(root)), mutate)
}

// ReconcileNodes is Reconcile for an arbitrary pair of same-tag elements,
// with rule applying to that pair.
func (r *Reconciler) ReconcileNodes(
	desired *xmltree.Document, d xmltree.NodeID,
	observed *xmltree.Document, o xmltree.NodeID,
	rule *IgnoreRule, mutate bool,
) (*Result, error) {
	if desired.Tag(d) != observed.Tag(o) {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("cannot reconcile <%s> against <%s>", desired.Tag(d), observed.Tag(o)), nil,
		).WithCode(engine.ErrCodeShapeMismatch).WithOperation("reconcile")
	}

	p := &pass{
		logger:   r.logger,
		desired:  desired,
		observed: observed,
		mutate:   mutate,
		flushed:  make(map[xmltree.NodeID]bool),
	}
	equal := p.node(d, o, rule, "/"+desired.Tag(d))

	r.logger.Debug().
		Bool("equivalent", equal).
		Bool("mutate", mutate).
		Int("changes", len(p.changes)).
		Msg("reconciled definition")

	return &Result{Equivalent: equal, Changes: p.changes}, nil
}

// pass is one walk over a pair of trees. Probe passes never mutate, record
// nothing and stop at the first counted difference.
type pass struct {
	logger   zerolog.Logger
	desired  *xmltree.Document
	observed *xmltree.Document
	mutate   bool
	trial    bool
	changes  []engine.Change

	// flushed holds the observed nodes already compared again after a
	// match. The first desired sibling matching a node sets its exempt
	// values; later matches leave them alone.
	flushed map[xmltree.NodeID]bool
}

func (p *pass) record(c engine.Change) {
	if p.trial {
		return
	}
	c.Applied = p.mutate
	p.changes = append(p.changes, c)
	p.logger.Debug().
		Str("path", c.Path).
		Str("kind", string(c.Kind)).
		Bool("ignored", c.Ignored).
		Msg("definition differs")
}

func (p *pass) node(d, o xmltree.NodeID, rule *IgnoreRule, path string) bool {
	equal := true

	for _, key := range p.desired.AttrKeys(d) {
		want, _ := p.desired.Attr(d, key)
		have, ok := p.observed.Attr(o, key)
		if ok && have == want {
			continue
		}
		ignored := rule.IgnoresAttr(key)
		if !ignored {
			equal = false
			if p.trial {
				return false
			}
		}
		action := engine.ChangeActionModify
		if !ok {
			action = engine.ChangeActionAdd
		}
		p.record(engine.Change{
			Path:    path + "/@" + key,
			Kind:    engine.ChangeKindAttribute,
			Name:    key,
			Before:  have,
			After:   want,
			Action:  action,
			Ignored: ignored,
		})
		if p.mutate {
			p.observed.SetAttr(o, key, want)
		}
	}

	// Groups are taken before any append so new children never match.
	desiredGroups := p.desired.GroupByTag(d)
	observedGroups := p.observed.GroupByTag(o)

	wantText := p.desired.DirectText(d)
	haveText := p.observed.DirectText(o)
	if wantText != haveText {
		ignored := rule.IgnoresText()
		if !ignored {
			equal = false
			if p.trial {
				return false
			}
		}
		p.record(engine.Change{
			Path:    path + "/text()",
			Kind:    engine.ChangeKindText,
			Before:  haveText,
			After:   wantText,
			Action:  engine.ChangeActionModify,
			Ignored: ignored,
		})
	}
	if p.mutate {
		p.observed.SetText(o, wantText)
	}

	var appended []appendedChild
	seen := make(map[string]int)
	for _, dc := range p.desired.Children(d) {
		tag := p.desired.Tag(dc)
		seen[tag]++
		childRule := rule.Child(tag)
		candidates := observedGroups[tag]

		if len(desiredGroups[tag]) == 1 && len(candidates) == 1 {
			equal = p.node(dc, candidates[0], childRule, path+"/"+tag) && equal
			if !equal && p.trial {
				return false
			}
			continue
		}

		childPath := fmt.Sprintf("%s/%s[%d]", path, tag, seen[tag])
		if p.match(dc, candidates, childRule, childPath) {
			continue
		}

		equal = false
		if p.trial {
			return false
		}
		p.record(engine.Change{
			Path:   childPath,
			Kind:   engine.ChangeKindElement,
			Name:   tag,
			After:  p.desired.Subtree(dc),
			Action: engine.ChangeActionAdd,
		})
		if p.mutate {
			p.observed.Graft(o, p.desired, dc)
			appended = append(appended, appendedChild{dc, childRule, childPath})
		}
	}

	if len(appended) > 0 {
		p.settle(o, appended)
	}

	return equal
}

type appendedChild struct {
	id   xmltree.NodeID
	rule *IgnoreRule
	path string
}

// settle lets every appended desired child claim its first equivalent in
// the grown observed groups of o, the way the next pass will see them. A
// copy claimed by a sibling other than its source takes that sibling's
// exempt values now rather than on the next pass.
func (p *pass) settle(o xmltree.NodeID, appended []appendedChild) {
	groups := p.observed.GroupByTag(o)
	for _, a := range appended {
		for _, oc := range groups[p.desired.Tag(a.id)] {
			if !p.equivalent(a.id, oc, a.rule, a.path) {
				continue
			}
			if !p.flushed[oc] {
				p.flushed[oc] = true
				p.node(a.id, oc, a.rule, a.path)
			}
			break
		}
	}
}

// equivalent reports whether oc matches desired child dc apart from exempt
// values, without recording or mutating anything.
func (p *pass) equivalent(dc, oc xmltree.NodeID, rule *IgnoreRule, path string) bool {
	trial := &pass{
		logger:   p.logger,
		desired:  p.desired,
		observed: p.observed,
		trial:    true,
	}
	return trial.node(dc, oc, rule, path)
}

// match tries candidates for one equivalent to desired child dc. On a
// match the pair is compared again by the calling pass, so a mutating pass
// still overwrites exempt differences and records them. A candidate is
// compared again at most once per pass.
func (p *pass) match(dc xmltree.NodeID, candidates []xmltree.NodeID, rule *IgnoreRule, path string) bool {
	for _, oc := range candidates {
		if !p.equivalent(dc, oc, rule, path) {
			continue
		}
		if !p.trial && !p.flushed[oc] {
			p.flushed[oc] = true
			p.node(dc, oc, rule, path)
		}
		return true
	}
	return false
}
