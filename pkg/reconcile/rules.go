package reconcile

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// IgnoreRules maps an element tag to the exemptions that apply to elements
// with that tag at one level of the tree.
//
// Rules are keyed by tag, not by path: every child with the same tag under
// the same parent rule shares one exemption set.
type IgnoreRules map[string]*IgnoreRule

// IgnoreRule lists what may differ on an element without making the trees
// non-equivalent. Exempt values are still overwritten when mutating.
type IgnoreRule struct {
	// Attributes are attribute names whose values are exempt.
	Attributes []string `yaml:"attributes,omitempty" json:"attributes,omitempty"`

	// Text exempts the element's own normalized text.
	Text bool `yaml:"text,omitempty" json:"text,omitempty"`

	// Children holds the rules for child elements, keyed by tag.
	Children IgnoreRules `yaml:"children,omitempty" json:"children,omitempty"`
}

// For returns the rule for elements tagged tag, or nil.
func (r IgnoreRules) For(tag string) *IgnoreRule {
	if r == nil {
		return nil
	}
	return r[tag]
}

// IgnoresAttr reports whether attribute name is exempt. A nil rule exempts nothing.
func (r *IgnoreRule) IgnoresAttr(name string) bool {
	return r != nil && slices.Contains(r.Attributes, name)
}

// IgnoresText reports whether the element's text is exempt.
func (r *IgnoreRule) IgnoresText() bool {
	return r != nil && r.Text
}

// Child returns the rule for children tagged tag, or nil.
func (r *IgnoreRule) Child(tag string) *IgnoreRule {
	if r == nil {
		return nil
	}
	return r.Children.For(tag)
}

// LoadIgnoreRules reads ignore rules from a YAML file.
//
//	domain:
//	  attributes: [id]
//	  children:
//	    uuid: {text: true}
//	    devices:
//	      children:
//	        interface:
//	          children:
//	            mac: {attributes: [address]}
func LoadIgnoreRules(path string) (IgnoreRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ignore rules: %w", err)
	}
	return ParseIgnoreRules(data)
}

// ParseIgnoreRules decodes ignore rules from YAML.
func ParseIgnoreRules(data []byte) (IgnoreRules, error) {
	var rules IgnoreRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse ignore rules: %w", err)
	}
	return rules, nil
}
