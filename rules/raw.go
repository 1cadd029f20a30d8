// Package rules turns the loosely typed rule configuration served by the
// notify service into compiled, validated watch rules.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Loose is a string that also accepts JSON numbers and booleans. Rule
// records are hand-edited and produced by several clients, so fields
// arrive with whatever type the writer had at hand.
type Loose string

func (l *Loose) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*l = ""
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*l = Loose(s)
	case b[0] == '{' || b[0] == '[':
		// Objects and arrays have no string form; treat as absent.
		*l = ""
	default:
		*l = Loose(b)
	}
	return nil
}

// String returns the trimmed value.
func (l Loose) String() string { return strings.TrimSpace(string(l)) }

// Number is an optional finite number that also accepts numeric strings.
type Number struct {
	Value float64
	Valid bool
}

// Num returns a valid Number.
func Num(v float64) Number { return Number{Value: v, Valid: true} }

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		// Not a finite number: the rule compiler treats it as missing.
		return nil
	}
	*n = Number{Value: v, Valid: true}
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// RawRule is a rule record as stored and served. Aliases used by older
// clients (cssPath, css_path, text, captured_text, baseline_length) are
// accepted and folded in by Sanitize.
type RawRule struct {
	Name            Loose     `json:"name"`
	URLContains     Loose     `json:"url_contains"`
	PageURL         Loose     `json:"page_url,omitempty"`
	Type            Loose     `json:"type"`
	Selector        Loose     `json:"selector"`
	CSSSelector     Loose     `json:"css_selector,omitempty"`
	Condition       Loose     `json:"condition,omitempty"`
	BaselineText    Loose     `json:"baseline_text,omitempty"`
	TextSnapshot    Loose     `json:"text_snapshot,omitempty"`
	LengthThreshold Number    `json:"length_threshold"`
	Source          Loose     `json:"source,omitempty"`
	CapturedAt      Loose     `json:"captured_at,omitempty"`
	Metadata        *Metadata `json:"metadata,omitempty"`

	CSSPath        Loose  `json:"cssPath,omitempty"`
	CSSPathSnake   Loose  `json:"css_path,omitempty"`
	Text           Loose  `json:"text,omitempty"`
	CapturedText   Loose  `json:"captured_text,omitempty"`
	BaselineLength Number `json:"-"`

	// Pending-rule bookkeeping set by the notify service.
	Status    string `json:"status,omitempty"`
	CreatedAt Loose  `json:"created_at,omitempty"`
}

func (r *RawRule) UnmarshalJSON(b []byte) error {
	type plain RawRule
	var aux struct {
		plain
		BaselineLength Number `json:"baseline_length"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*r = RawRule(aux.plain)
	r.BaselineLength = aux.BaselineLength
	return nil
}

// Metadata holds the structural hints captured with a rule. The known
// fields drive fallback selector derivation; anything else is carried in
// Extra untouched and never interpreted.
type Metadata struct {
	Tag        string
	ID         string
	Classes    []string
	Attributes map[string]string
	Extra      map[string]json.RawMessage
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("rules: metadata: %w", err)
	}
	*m = Metadata{}
	for k, v := range fields {
		switch k {
		case "tag", "tagName", "tag_name":
			var s Loose
			if json.Unmarshal(v, &s) == nil && m.Tag == "" {
				m.Tag = s.String()
			}
		case "id":
			var s Loose
			if json.Unmarshal(v, &s) == nil {
				m.ID = s.String()
			}
		case "classes", "classList", "class_list", "className":
			if m.Classes == nil {
				m.Classes = decodeClasses(v)
			}
		case "attributes", "attrs":
			if m.Attributes == nil {
				m.Attributes = decodeAttributes(v)
			}
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]json.RawMessage)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+4)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Tag != "" {
		out["tag"] = m.Tag
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if len(m.Classes) > 0 {
		out["classes"] = m.Classes
	}
	if len(m.Attributes) > 0 {
		out["attributes"] = m.Attributes
	}
	return json.Marshal(out)
}

// decodeClasses accepts an array of class names or a space separated
// className string.
func decodeClasses(v json.RawMessage) []string {
	var list []Loose
	if err := json.Unmarshal(v, &list); err == nil {
		var out []string
		for _, c := range list {
			out = append(out, strings.Fields(c.String())...)
		}
		return out
	}
	var s Loose
	if err := json.Unmarshal(v, &s); err == nil {
		return strings.Fields(s.String())
	}
	return nil
}

// decodeAttributes accepts {"name": value} or [{"name": n, "value": v}].
func decodeAttributes(v json.RawMessage) map[string]string {
	var obj map[string]Loose
	if err := json.Unmarshal(v, &obj); err == nil {
		out := make(map[string]string, len(obj))
		for k, val := range obj {
			out[k] = string(val)
		}
		return out
	}
	var list []struct {
		Name  Loose `json:"name"`
		Value Loose `json:"value"`
	}
	if err := json.Unmarshal(v, &list); err == nil {
		out := make(map[string]string, len(list))
		for _, a := range list {
			if n := a.Name.String(); n != "" {
				out[n] = string(a.Value)
			}
		}
		return out
	}
	return nil
}

// Config is the payload of the configuration endpoint.
type Config struct {
	Version     int       `json:"version"`
	Rules       []RawRule `json:"rules"`
	IgnoredApps []string  `json:"ignored_apps"`
	PendingRule *RawRule  `json:"pending_rule"`
}

// ParseConfig decodes a configuration document: either an object with
// rules and ignored_apps or a bare array of rules. Rule entries that are
// not objects are dropped.
func ParseConfig(data []byte) (Config, error) {
	data = bytes.TrimSpace(data)
	var cfg Config
	if len(data) == 0 {
		return cfg, fmt.Errorf("rules: parse config: empty document")
	}
	var entries []json.RawMessage
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &entries); err != nil {
			return cfg, fmt.Errorf("rules: parse config: %w", err)
		}
	case '{':
		var obj struct {
			Version     Number            `json:"version"`
			Rules       json.RawMessage   `json:"rules"`
			IgnoredApps []json.RawMessage `json:"ignored_apps"`
			PendingRule json.RawMessage   `json:"pending_rule"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return cfg, fmt.Errorf("rules: parse config: %w", err)
		}
		if obj.Version.Valid {
			cfg.Version = int(obj.Version.Value)
		}
		if len(obj.Rules) > 0 && obj.Rules[0] == '[' {
			if err := json.Unmarshal(obj.Rules, &entries); err != nil {
				return cfg, fmt.Errorf("rules: parse config rules: %w", err)
			}
		}
		for _, raw := range obj.IgnoredApps {
			var s Loose
			if json.Unmarshal(raw, &s) == nil && s.String() != "" {
				cfg.IgnoredApps = append(cfg.IgnoredApps, s.String())
			}
		}
		if p := bytes.TrimSpace(obj.PendingRule); len(p) > 0 && p[0] == '{' {
			var pr RawRule
			if json.Unmarshal(p, &pr) == nil && !pr.empty() {
				cfg.PendingRule = &pr
			}
		}
	default:
		return cfg, fmt.Errorf("rules: parse config: unexpected document type")
	}
	for _, e := range entries {
		e = bytes.TrimSpace(e)
		if len(e) == 0 || e[0] != '{' {
			continue
		}
		var r RawRule
		if err := json.Unmarshal(e, &r); err != nil {
			continue
		}
		cfg.Rules = append(cfg.Rules, r)
	}
	return cfg, nil
}

func (r *RawRule) empty() bool {
	return r.Name == "" && r.Selector == "" && r.CSSSelector == "" && r.TextSnapshot == "" && r.Text == ""
}

// sortedUnique returns the distinct non-empty trimmed values of in, sorted.
func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
