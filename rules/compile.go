package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind is the rule type: where the rule looks.
type Kind string

const (
	KindElement     Kind = "element"      // CSS selector scoped
	KindElementText Kind = "element_text" // text scoped
)

// Condition is what a rule detects on a matched node.
type Condition string

const (
	CondElement         Condition = "element"
	CondElementText     Condition = "element_text"
	CondTextEquals      Condition = "text_equals"
	CondTextDiffers     Condition = "text_differs"
	CondTextContains    Condition = "text_contains"
	CondTextNotContains Condition = "text_not_contains"
	CondTextLengthGT    Condition = "text_length_gt"
	CondTextLengthLT    Condition = "text_length_lt"
)

var conditions = map[Condition]bool{
	CondElement: true, CondElementText: true, CondTextEquals: true, CondTextDiffers: true,
	CondTextContains: true, CondTextNotContains: true, CondTextLengthGT: true, CondTextLengthLT: true,
}

// TextMatch reports whether c compares text against a baseline.
func (c Condition) TextMatch() bool {
	switch c {
	case CondTextEquals, CondTextDiffers, CondTextContains, CondTextNotContains:
		return true
	}
	return false
}

// Length reports whether c compares the text length against a threshold.
func (c Condition) Length() bool {
	return c == CondTextLengthGT || c == CondTextLengthLT
}

// ParseCondition normalizes s against the known set. Unknown or empty
// values fall back to the default for the rule kind.
func ParseCondition(s string, kind Kind) Condition {
	c := Condition(strings.ToLower(strings.TrimSpace(s)))
	if conditions[c] {
		return c
	}
	if kind == KindElementText {
		return CondElementText
	}
	return CondElement
}

// ParseKind normalizes a rule type; anything unknown is an element rule.
func ParseKind(s string) Kind {
	if Kind(strings.ToLower(strings.TrimSpace(s))) == KindElementText {
		return KindElementText
	}
	return KindElement
}

// DefaultName is used for rules without a name.
const DefaultName = "Rule"

// Rule is a compiled rule. It is immutable once built.
type Rule struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"type"`
	Condition Condition `json:"condition"`
	// CSSSelector is the primary selector; empty for text-scoped rules.
	CSSSelector string `json:"css_selector"`
	// TextPattern is the raw text an element_text rule looks for.
	TextPattern  string  `json:"text_pattern"`
	Baseline     string  `json:"baseline_text"`
	Snapshot     string  `json:"text_snapshot"`
	Threshold    float64 `json:"length_threshold"`
	HasThreshold bool    `json:"has_threshold"`
	URLContains  string  `json:"url_contains"`
	// DisplaySelector is what notifications report as the rule selector.
	DisplaySelector string   `json:"display_selector"`
	Fallbacks       []string `json:"fallback_selectors"`
	RequiresText    bool     `json:"requires_text"`
}

// Applies reports whether the rule is active on a page at url.
func (r *Rule) Applies(url string) bool {
	return r.URLContains == "" || strings.Contains(url, r.URLContains)
}

// Pattern returns the text a contains-style condition looks for: the
// baseline, else the raw text pattern, else the snapshot.
func (r *Rule) Pattern() string {
	switch {
	case r.Baseline != "":
		return r.Baseline
	case r.TextPattern != "":
		return r.TextPattern
	}
	return r.Snapshot
}

// Needle returns the text a text-scoped rule locates its node by: the raw
// pattern, else the baseline, else the snapshot.
func (r *Rule) Needle() string {
	switch {
	case r.TextPattern != "":
		return r.TextPattern
	case r.Baseline != "":
		return r.Baseline
	}
	return r.Snapshot
}

// TextScoped reports whether the rule has no selector.
func (r *Rule) TextScoped() bool { return r.CSSSelector == "" }

// LocatesByText reports whether a text-scoped rule finds its node by the
// needle. The remaining conditions (differs, not-contains and the length
// bounds) watch the whole page body instead.
func (r *Rule) LocatesByText() bool {
	if !r.TextScoped() {
		return false
	}
	switch r.Condition {
	case CondElementText, CondTextEquals, CondTextContains:
		return true
	}
	return false
}

// BaselineLength is the reference length for the fallback text guard.
func (r *Rule) BaselineLength() int {
	if r.Baseline != "" {
		return len([]rune(r.Baseline))
	}
	return len([]rune(r.Snapshot))
}

// Set is the compiled form of one configuration: the rules, the ignored
// targets and the signature that identifies the pair.
type Set struct {
	Rules     []*Rule
	Ignored   []string
	Signature string

	ignored map[string]bool
}

// IsIgnored reports whether notifications for target are suppressed.
func (s *Set) IsIgnored(target string) bool { return s.ignored[target] }

// Compile validates and normalizes every raw rule of cfg. Invalid rules are
// dropped; they never become compiled rules.
func Compile(cfg Config) *Set {
	s := &Set{
		Ignored: sortedUnique(cfg.IgnoredApps),
		ignored: make(map[string]bool),
	}
	for _, name := range s.Ignored {
		s.ignored[name] = true
	}
	seen := make(map[string]int)
	for i := range cfg.Rules {
		r, ok := compileRule(&cfg.Rules[i], i)
		if !ok {
			continue
		}
		if n := seen[r.ID]; n > 0 {
			seen[r.ID] = n + 1
			r.ID += "#" + strconv.Itoa(i)
		} else {
			seen[r.ID] = 1
		}
		s.Rules = append(s.Rules, r)
	}
	s.Signature = signature(s.Rules, s.Ignored)
	return s
}

func compileRule(raw *RawRule, index int) (*Rule, bool) {
	kind := ParseKind(raw.Type.String())
	r := &Rule{
		Name:        raw.Name.String(),
		Kind:        kind,
		Condition:   ParseCondition(raw.Condition.String(), kind),
		Baseline:    raw.BaselineText.String(),
		Snapshot:    raw.TextSnapshot.String(),
		URLContains: raw.URLContains.String(),
	}
	if r.Name == "" {
		r.Name = DefaultName
	}
	selector := raw.Selector.String()
	css := raw.CSSSelector.String()

	switch kind {
	case KindElement:
		if css == "" {
			css = selector
		}
		r.CSSSelector = css
	case KindElementText:
		r.CSSSelector = css
		r.TextPattern = selector
	}
	if r.TextPattern == "" && r.Condition == CondElementText {
		r.TextPattern = r.Baseline
		if r.TextPattern == "" {
			r.TextPattern = r.Snapshot
		}
	}

	// Validation. A condition of element needs a selector to exist against,
	// length rules need a finite threshold, anything else needs something
	// to compare or look for.
	switch {
	case r.Condition == CondElement:
		if r.CSSSelector == "" {
			return nil, false
		}
	case r.Condition == CondElementText:
		if r.TextPattern == "" {
			return nil, false
		}
	case r.Condition.Length():
		if !raw.LengthThreshold.Valid {
			return nil, false
		}
		r.Threshold = raw.LengthThreshold.Value
		r.HasThreshold = true
	default:
		if selector == "" && css == "" && r.Baseline == "" && r.Snapshot == "" {
			return nil, false
		}
	}
	if r.LocatesByText() && r.Needle() == "" {
		return nil, false
	}

	r.RequiresText = r.Condition != CondElement
	r.DisplaySelector = r.CSSSelector
	if r.DisplaySelector == "" {
		r.DisplaySelector = r.Needle()
	}

	key := r.CSSSelector
	if key == "" {
		key = r.TextPattern
	}
	if key == "" {
		key = strconv.Itoa(index)
	}
	r.ID = r.Name + "|" + string(r.Condition) + "|" + key

	if r.CSSSelector != "" && raw.Metadata != nil {
		r.Fallbacks = Fallbacks(raw.Metadata, r.CSSSelector)
	}
	return r, true
}

// signature hashes the canonical JSON of the compiled rules and the
// ignored list. Only compiled fields take part, so source, captured_at and
// uninterpreted metadata never change it.
func signature(rules []*Rule, ignored []string) string {
	doc := struct {
		Rules   []*Rule  `json:"rules"`
		Ignored []string `json:"ignored"`
	}{rules, ignored}
	if doc.Rules == nil {
		doc.Rules = []*Rule{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
