package rules

import (
	"net/url"
	"strconv"
	"time"
	"unicode/utf8"
)

// Sanitize normalizes a captured or submitted rule before it is stored:
// aliases are folded in, url_contains is derived from page_url, the
// selector is chosen per kind and baseline/threshold defaults are filled
// from the snapshot. It reports false when the rule has nothing to match.
func Sanitize(in RawRule, defaultSource string, now time.Time) (RawRule, bool) {
	name := in.Name.String()
	pageURL := in.PageURL.String()
	urlContains := in.URLContains.String()
	if urlContains == "" && pageURL != "" {
		urlContains = pageURL
		if u, err := url.Parse(pageURL); err == nil {
			switch {
			case u.Host != "":
				urlContains = u.Host
			case u.Path != "":
				urlContains = u.Path
			}
		}
	}

	kind := ParseKind(in.Type.String())
	rawSelector := in.Selector.String()
	css := firstNonEmpty(in.CSSSelector.String(), in.CSSPath.String(), in.CSSPathSnake.String(), rawSelector)
	snapshot := firstNonEmpty(in.TextSnapshot.String(), in.Text.String(), in.CapturedText.String())
	cond := ParseCondition(in.Condition.String(), kind)

	var selector string
	if kind == KindElement {
		selector = css
	} else {
		selector = firstNonEmpty(rawSelector, snapshot)
		css = ""
	}
	if selector == "" {
		return RawRule{}, false
	}

	baseline := in.BaselineText.String()
	if baseline == "" && cond.TextMatch() {
		baseline = snapshot
	}
	threshold := in.LengthThreshold
	if !threshold.Valid && cond.Length() {
		if in.BaselineLength.Valid && in.BaselineLength.Value != 0 {
			threshold = Num(float64(int(in.BaselineLength.Value)))
		} else {
			threshold = Num(float64(utf8.RuneCountInString(snapshot)))
		}
	}
	if !cond.Length() {
		threshold = Number{}
	}

	if name == "" {
		name = firstNonEmpty(snapshot, DefaultName)
	}
	source := firstNonEmpty(in.Source.String(), defaultSource)
	capturedAt := in.CapturedAt
	if capturedAt.String() == "" {
		capturedAt = Loose(strconv.FormatInt(now.Unix(), 10))
	}

	return RawRule{
		Name:            Loose(name),
		URLContains:     Loose(urlContains),
		PageURL:         Loose(pageURL),
		Type:            Loose(kind),
		Selector:        Loose(selector),
		CSSSelector:     Loose(css),
		Condition:       Loose(cond),
		BaselineText:    Loose(baseline),
		TextSnapshot:    Loose(snapshot),
		LengthThreshold: threshold,
		Source:          Loose(source),
		CapturedAt:      capturedAt,
		Metadata:        in.Metadata,
	}, true
}

// Normalize applies the storage rules for an accepted rule: the condition
// defaults from the kind, the baseline is kept only for text conditions and
// the threshold only for length conditions.
func Normalize(in RawRule) RawRule {
	kind := ParseKind(in.Type.String())
	cond := ParseCondition(in.Condition.String(), kind)
	in.Type = Loose(kind)
	in.Condition = Loose(cond)
	if !cond.TextMatch() && cond != CondElementText {
		in.BaselineText = ""
	}
	if !cond.Length() {
		in.LengthThreshold = Number{}
	}
	in.Status = ""
	in.CreatedAt = ""
	return in
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
