package reconcile

import (
	"errors"
	"fmt"
	"math/rand"
	"reflect"
	"strings"
	"testing"

	"github.com/openfroyo/virtsync/pkg/engine"
	"github.com/openfroyo/virtsync/pkg/xmltree"
)

func parse(t *testing.T, s string) *xmltree.Document {
	t.Helper()
	doc, err := xmltree.ParseString(s)
	if err != nil {
		t.Fatalf("ParseString(%q) error = %v", s, err)
	}
	return doc
}

func reconcile(t *testing.T, desired, observed *xmltree.Document, rules IgnoreRules, mutate bool) *Result {
	t.Helper()
	res, err := New().Reconcile(desired, observed, rules, mutate)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	return res
}

func paths(changes []engine.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Path
	}
	return out
}

func checkPaths(t *testing.T, res *Result, want ...string) {
	t.Helper()
	got := paths(res.Changes)
	if len(want) == 0 && len(got) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("change paths = %v, want %v", got, want)
	}
}

func checkXML(t *testing.T, doc *xmltree.Document, want string) {
	t.Helper()
	if got := doc.String(); got != want {
		t.Errorf("observed = %s\n want %s", got, want)
	}
}

func TestReconcileFixture(t *testing.T) {
	desired := parse(t, `<a><b t="1"/><c p="1"/><d><b x="4">a</b></d><d>foo</d><d>baz</d><e/><e a="1"/><e/></a>`)
	observed := parse(t, `<a><b t="2"/><c p="1"/><d><b x="4">a</b></d><d>foo</d><d>bar</d><e a="1"/><e/></a>`)
	desiredBefore := desired.String()

	res := reconcile(t, desired, observed, nil, true)

	if res.Equivalent {
		t.Error("expected the trees to differ")
	}
	checkPaths(t, res, "/a/b/@t", "/a/d[3]")

	attr := res.Changes[0]
	if attr.Kind != engine.ChangeKindAttribute || attr.Before != "2" || attr.After != "1" || !attr.Applied {
		t.Errorf("attribute change = %+v", attr)
	}
	elem := res.Changes[1]
	if elem.Kind != engine.ChangeKindElement || elem.After != "<d>baz</d>" {
		t.Errorf("element change = %+v", elem)
	}

	checkXML(t, observed, `<a><b t="1"/><c p="1"/><d><b x="4">a</b></d><d>foo</d><d>bar</d><e a="1"/><e/><d>baz</d></a>`)
	if desired.String() != desiredBefore {
		t.Error("desired tree was modified")
	}

	groups := observed.GroupByTag(observed.Root())
	for tag, want := range map[string]int{"d": 4, "e": 2, "c": 1} {
		if got := len(groups[tag]); got != want {
			t.Errorf("len(%s) = %d, want %d", tag, got, want)
		}
	}
}

// reconcileTwice runs two mutating reconciliations and fails if the second
// one finds or changes anything.
func reconcileTwice(t *testing.T, desiredXML, observedXML string, rules IgnoreRules) {
	t.Helper()
	desired := parse(t, desiredXML)
	observed := parse(t, observedXML)

	reconcile(t, desired, observed, rules, true)
	merged := observed.String()

	second := reconcile(t, desired, observed, rules, true)
	if !second.Equivalent {
		t.Errorf("second reconcile is not equivalent: %v", paths(second.Changes))
	}
	if len(second.Changes) != 0 {
		t.Errorf("second reconcile changes = %v", paths(second.Changes))
	}
	if observed.String() != merged {
		t.Errorf("second reconcile changed observed\n first:  %s\n second: %s", merged, observed.String())
	}
}

func TestReconcileIdempotent(t *testing.T) {
	exemptD := IgnoreRules{"a": {Children: IgnoreRules{"d": {Attributes: []string{"i"}, Text: true}}}}

	tests := []struct {
		name     string
		desired  string
		observed string
		rules    IgnoreRules
	}{
		{
			name:     "patched and appended",
			desired:  `<a><b t="1"/><d>foo</d><d>baz</d><f><g k="v">x</g></f></a>`,
			observed: `<a><b t="2"/><d>foo</d><d>bar</d><f/></a>`,
		},
		{
			name:     "appended mixed content",
			desired:  `<a><b><c/>t</b><b/></a>`,
			observed: `<a/>`,
		},
		{
			name:     "appended nested tails",
			desired:  "<a><d> x <e>y<f/> z </e> w </d><d/></a>",
			observed: "<a>\n  <d>q</d>\n</a>",
		},
		{
			name:     "siblings sharing one match",
			desired:  `<a><d k="1" i="1"/><d i="2"/></a>`,
			observed: `<a><d k="1" i="9"/></a>`,
			rules:    exemptD,
		},
		{
			name:     "siblings sharing an appended copy",
			desired:  `<a><d k="1" i="1"/><d i="2"/></a>`,
			observed: `<a/>`,
			rules:    exemptD,
		},
		{
			name:     "exempt text on repeated siblings",
			desired:  `<a><d>one</d><d>two</d></a>`,
			observed: `<a><d>old</d></a>`,
			rules:    exemptD,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reconcileTwice(t, tt.desired, tt.observed, tt.rules)
		})
	}
}

func TestReconcileAppendedCopyIsNormalized(t *testing.T) {
	desired := parse(t, `<a><b><c/>t</b><b/></a>`)
	observed := parse(t, `<a/>`)

	reconcile(t, desired, observed, nil, true)
	checkXML(t, observed, `<a><b>t<c/></b><b/></a>`)
}

// randomXML builds a small tree over a narrow alphabet so that repeated
// groups, partial matches and mixed content are common.
func randomXML(r *rand.Rand, tag string, depth int) string {
	texts := []string{"", "", "t", " u ", "\n  "}

	var b strings.Builder
	b.WriteString("<" + tag)
	for _, key := range []string{"i", "k"} {
		if r.Intn(2) == 0 {
			fmt.Fprintf(&b, ` %s="%d"`, key, r.Intn(2))
		}
	}
	b.WriteString(">")
	b.WriteString(texts[r.Intn(len(texts))])
	if depth > 0 {
		for n := r.Intn(4); n > 0; n-- {
			b.WriteString(randomXML(r, []string{"b", "c"}[r.Intn(2)], depth-1))
			b.WriteString(texts[r.Intn(len(texts))])
		}
	}
	b.WriteString("</" + tag + ">")
	return b.String()
}

func randomRules(r *rand.Rand, depth int) IgnoreRules {
	if depth == 0 {
		return nil
	}
	rules := IgnoreRules{}
	for _, tag := range []string{"a", "b", "c"} {
		rule := &IgnoreRule{Text: r.Intn(3) == 0, Children: randomRules(r, depth-1)}
		if r.Intn(2) == 0 {
			rule.Attributes = []string{"i"}
		}
		rules[tag] = rule
	}
	return rules
}

func TestReconcileIdempotentRandomized(t *testing.T) {
	r := rand.New(rand.NewSource(20240601))

	for i := 0; i < 2000; i++ {
		desired := randomXML(r, "a", 3)
		observed := randomXML(r, "a", 3)
		var rules IgnoreRules
		if i%2 == 1 {
			rules = randomRules(r, 4)
		}
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			reconcileTwice(t, desired, observed, rules)
		})
		if t.Failed() {
			t.Fatalf("desired: %s\nobserved: %s", desired, observed)
		}
	}
}

func TestReconcileOneToOnePatchesInPlace(t *testing.T) {
	desired := parse(t, `<domain><memory unit="KiB">2048</memory></domain>`)
	observed := parse(t, `<domain><memory unit="MiB" extra="y">1</memory></domain>`)

	res := reconcile(t, desired, observed, nil, true)

	if res.Equivalent {
		t.Error("expected the trees to differ")
	}
	checkPaths(t, res, "/domain/memory/@unit", "/domain/memory/text()")
	checkXML(t, observed, `<domain><memory extra="y" unit="KiB">2048</memory></domain>`)
}

func TestReconcileObservedExtrasAreKept(t *testing.T) {
	desired := parse(t, `<domain><name>web01</name></domain>`)
	observed := parse(t, `<domain id="5"><name>web01</name><uuid>abc</uuid></domain>`)

	res := reconcile(t, desired, observed, nil, true)
	if !res.Equivalent {
		t.Error("expected equivalent trees")
	}
	checkPaths(t, res)
	checkXML(t, observed, `<domain id="5"><name>web01</name><uuid>abc</uuid></domain>`)
}

func TestReconcileExemptions(t *testing.T) {
	rules := IgnoreRules{
		"domain": {
			Attributes: []string{"id"},
			Children: IgnoreRules{
				"title": {Text: true},
			},
		},
	}
	desired := parse(t, `<domain id="1"><title>new</title></domain>`)
	observed := parse(t, `<domain id="9"><title>old</title></domain>`)

	res := reconcile(t, desired, observed, rules, true)

	if !res.Equivalent {
		t.Error("exempt differences flipped the verdict")
	}
	if len(res.Changes) != 2 {
		t.Fatalf("changes = %v, want 2", paths(res.Changes))
	}
	for _, c := range res.Changes {
		if !c.Ignored {
			t.Errorf("change %s is not marked ignored", c.Path)
		}
	}
	if n := len(engine.Counted(res.Changes)); n != 0 {
		t.Errorf("counted changes = %d", n)
	}
	checkXML(t, observed, `<domain id="1"><title>new</title></domain>`)
}

func TestReconcileExemptionInsideRepeatedGroup(t *testing.T) {
	rules := IgnoreRules{
		"devices": {Children: IgnoreRules{
			"interface": {Children: IgnoreRules{
				"mac": {Attributes: []string{"address"}},
			}},
		}},
	}
	desired := parse(t, `<devices><interface><mac address="00"/></interface><interface><source net="b"/></interface></devices>`)
	observed := parse(t, `<devices><interface><mac address="11"/></interface><interface><mac address="22"/><source net="b"/></interface></devices>`)

	res := reconcile(t, desired, observed, rules, true)

	if !res.Equivalent {
		t.Error("expected equivalent trees")
	}
	checkPaths(t, res, "/devices/interface[1]/mac/@address")
	if len(res.Changes) == 1 && !res.Changes[0].Ignored {
		t.Error("mac address change is not marked ignored")
	}
	checkXML(t, observed,
		`<devices><interface><mac address="00"/></interface><interface><mac address="22"/><source net="b"/></interface></devices>`)
}

func TestReconcileFirstMatchSetsExemptValues(t *testing.T) {
	rules := IgnoreRules{"a": {Children: IgnoreRules{"d": {Attributes: []string{"i"}}}}}
	desired := parse(t, `<a><d k="1" i="1"/><d i="2"/></a>`)
	observed := parse(t, `<a><d k="1" i="9"/></a>`)

	res := reconcile(t, desired, observed, rules, true)

	if !res.Equivalent {
		t.Error("expected equivalent trees")
	}
	checkPaths(t, res, "/a/d[1]/@i")
	checkXML(t, observed, `<a><d i="1" k="1"/></a>`)
}

func TestReconcileUnmatchedAppendLeavesSiblings(t *testing.T) {
	desired := parse(t, `<a><d k="1"/><d k="3"/></a>`)
	observed := parse(t, `<a><d k="1"/><d k="2"/></a>`)

	res := reconcile(t, desired, observed, nil, true)

	if res.Equivalent {
		t.Error("expected the trees to differ")
	}
	checkPaths(t, res, "/a/d[2]")
	checkXML(t, observed, `<a><d k="1"/><d k="2"/><d k="3"/></a>`)
}

func TestReconcileAppendedNodesNeverMatch(t *testing.T) {
	desired := parse(t, `<a><d>x</d><d>x</d></a>`)
	observed := parse(t, `<a><d>y</d><d>z</d></a>`)

	res := reconcile(t, desired, observed, nil, true)

	checkPaths(t, res, "/a/d[1]", "/a/d[2]")
	checkXML(t, observed, `<a><d>y</d><d>z</d><d>x</d><d>x</d></a>`)
}

func TestReconcileDryRunLeavesObservedUntouched(t *testing.T) {
	desired := parse(t, `<a><b t="1"/><d>baz</d><d>foo</d></a>`)
	observed := parse(t, "<a>\n <b t=\"2\"/>\n <d>foo</d><d>bar</d></a>")
	before := observed.String()

	res := reconcile(t, desired, observed, nil, false)

	if res.Equivalent {
		t.Error("expected the trees to differ")
	}
	checkPaths(t, res, "/a/b/@t", "/a/d[1]")
	for _, c := range res.Changes {
		if c.Applied {
			t.Errorf("change %s marked applied in a dry run", c.Path)
		}
	}
	checkXML(t, observed, before)
}

func TestReconcileTextNormalization(t *testing.T) {
	desired := parse(t, `<a>hello<b/></a>`)
	observed := parse(t, "<a>\n  hel<b/>lo\n</a>")

	res := reconcile(t, desired, observed, nil, true)
	if !res.Equivalent {
		t.Error("expected equivalent trees")
	}
	checkXML(t, observed, `<a>hello<b/></a>`)
}

func TestReconcileShapeMismatch(t *testing.T) {
	_, err := New().Reconcile(parse(t, `<a/>`), parse(t, `<b/>`), nil, true)
	if !errors.Is(err, engine.ErrShapeMismatch) {
		t.Errorf("error = %v, want shape mismatch", err)
	}
}

func TestReconcileNodes(t *testing.T) {
	desired := parse(t, `<domain><devices><disk dev="vda"/></devices></domain>`)
	observed := parse(t, `<devices><disk dev="vdb"/></devices>`)
	d, _ := desired.Find(desired.Root(), "devices")

	res, err := New().ReconcileNodes(desired, d, observed, observed.Root(), nil, true)
	if err != nil {
		t.Fatalf("ReconcileNodes() error = %v", err)
	}
	if res.Equivalent {
		t.Error("expected the trees to differ")
	}
	checkPaths(t, res, "/devices/disk/@dev")
}

func TestParseIgnoreRules(t *testing.T) {
	rules, err := ParseIgnoreRules([]byte(`
domain:
  attributes: [id]
  children:
    uuid: {text: true}
    devices:
      children:
        interface:
          children:
            mac: {attributes: [address]}
`))
	if err != nil {
		t.Fatalf("ParseIgnoreRules() error = %v", err)
	}

	dom := rules.For("domain")
	if !dom.IgnoresAttr("id") || dom.IgnoresAttr("type") {
		t.Errorf("domain rule = %+v", dom)
	}
	if !dom.Child("uuid").IgnoresText() {
		t.Error("uuid text should be exempt")
	}
	if !dom.Child("devices").Child("interface").Child("mac").IgnoresAttr("address") {
		t.Error("mac address should be exempt")
	}

	var missing *IgnoreRule
	if missing.IgnoresAttr("id") || missing.IgnoresText() || missing.Child("x") != nil {
		t.Error("a nil rule exempts nothing")
	}
	if IgnoreRules(nil).For("domain") != nil {
		t.Error("nil rules have no entries")
	}

	if _, err := ParseIgnoreRules([]byte("domain: [1, 2")); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}
