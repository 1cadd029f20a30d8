package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/hazyhaar/notifywatch/dom"
)

const (
	fingerprintText  = 200
	fingerprintValue = 160
	maxDataAttrs     = 6
)

// fingerprintAttrs are the attributes that describe observable state.
var fingerprintAttrs = map[string]bool{
	"id": true, "class": true, "role": true, "name": true, "type": true,
	"value": true, "checked": true, "selected": true, "disabled": true,
	"hidden": true, "href": true, "src": true, "title": true, "alt": true,
}

type nodeState struct {
	Tag     string            `json:"tag"`
	Text    string            `json:"text"`
	Value   *string           `json:"value,omitempty"`
	Checked *bool             `json:"checked,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// marshalState is swapped in tests to exercise the failure path.
var marshalState = func(s *nodeState) ([]byte, error) { return json.Marshal(s) }

// Fingerprint digests the observable state of element h: tag, collapsed
// text, form control state and a filtered attribute snapshot. The result is
// deterministic; ok is false when the state cannot be serialized, in which
// case the caller must not gate on it.
func Fingerprint(doc *dom.Document, h dom.Handle, text string) (sig string, ok bool) {
	st := nodeState{
		Tag:  doc.Tag(h),
		Text: dom.Truncate(dom.CollapseSpace(text), fingerprintText),
	}
	if c, isControl := doc.ControlState(h); isControl {
		if c.HasValue {
			v := dom.Truncate(c.Value, fingerprintValue)
			st.Value = &v
		}
		if c.HasChecked {
			checked := c.Checked
			st.Checked = &checked
		}
	}

	var data []string
	for _, a := range doc.Attrs(h) {
		name := strings.ToLower(a.Key)
		switch {
		case fingerprintAttrs[name], strings.HasPrefix(name, "aria-"):
			if st.Attrs == nil {
				st.Attrs = make(map[string]string)
			}
			st.Attrs[name] = dom.Truncate(a.Val, fingerprintValue)
		case strings.HasPrefix(name, "data-"):
			data = append(data, name)
		}
	}
	sort.Strings(data)
	for i, name := range data {
		if i == maxDataAttrs {
			break
		}
		v, _ := doc.Attr(h, name)
		if st.Attrs == nil {
			st.Attrs = make(map[string]string)
		}
		st.Attrs[name] = dom.Truncate(v, fingerprintValue)
	}

	b, err := marshalState(&st)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// shortHash is the 12 hex digit prefix of sha256(s), used in dedup keys.
func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:12]
}
