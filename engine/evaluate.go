package engine

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/notifywatch/dom"
	"github.com/hazyhaar/notifywatch/rules"
)

const (
	summaryLimit  = 200
	summaryMargin = 40
)

// Outcome is the result of evaluating a rule condition on one node.
type Outcome struct {
	Fire    bool
	Summary string
	Key     string
}

// Evaluate decides whether r's condition holds for a node whose rendered
// text is raw and whose fingerprint is sig (empty when unavailable). It is
// a pure function: gating and dedup happen around it.
func Evaluate(r *rules.Rule, raw, sig string) Outcome {
	text := dom.CollapseSpace(raw)
	length := utf8.RuneCountInString(text)

	var out Outcome
	switch r.Condition {
	case rules.CondElement:
		out.Fire = true
		out.Summary = dom.Truncate(dom.CollapseSpace(dom.FirstLine(raw)), summaryLimit)
		out.Key = hashOrText(r, sig, out.Summary)

	case rules.CondElementText:
		pat := dom.CollapseSpace(r.TextPattern)
		if pat != "" && strings.Contains(text, pat) {
			out.Fire = true
			out.Summary = aroundMatch(text, pat)
			out.Key = hashOrText(r, sig, text)
		}

	case rules.CondTextEquals:
		base := dom.CollapseSpace(r.Baseline)
		if base != "" && text == base {
			out.Fire = true
			out.Summary = dom.Truncate(text, summaryLimit)
			out.Key = r.ID + "|" + text
		}

	case rules.CondTextDiffers:
		if text != "" && text != dom.CollapseSpace(r.Baseline) {
			out.Fire = true
			out.Summary = "Text changed: " + dom.Truncate(text, summaryLimit)
			out.Key = r.ID + "|" + text
		}

	case rules.CondTextContains:
		pat := dom.CollapseSpace(r.Pattern())
		if pat != "" && strings.Contains(text, pat) {
			out.Fire = true
			out.Summary = aroundMatch(text, pat)
			out.Key = r.ID + "|" + text
		}

	case rules.CondTextNotContains:
		pat := dom.CollapseSpace(r.Pattern())
		if pat != "" && !strings.Contains(text, pat) {
			out.Fire = true
			out.Summary = fmt.Sprintf("%q no longer present", dom.Truncate(pat, summaryLimit))
			out.Key = hashOrText(r, sig, text)
		}

	case rules.CondTextLengthGT, rules.CondTextLengthLT:
		if !r.HasThreshold {
			return out
		}
		op := ">"
		fire := float64(length) > r.Threshold
		if r.Condition == rules.CondTextLengthLT {
			op = "<"
			fire = float64(length) < r.Threshold
		}
		if fire {
			th := strconv.FormatFloat(r.Threshold, 'f', -1, 64)
			out.Fire = true
			out.Summary = fmt.Sprintf("Text length %d %s %s", length, op, th)
			if text != "" {
				out.Summary += ": " + dom.Truncate(text, summaryLimit)
			}
			out.Key = r.ID + "|" + th + "|" + strconv.Itoa(length)
		}
	}
	if out.Fire && out.Summary == "" {
		out.Summary = fmt.Sprintf("Rule '%s' triggered (%s)", r.Name, r.DisplaySelector)
	}
	return out
}

func hashOrText(r *rules.Rule, sig, text string) string {
	if sig != "" {
		return r.ID + "|" + shortHash(sig)
	}
	return r.ID + "|" + text
}

// aroundMatch returns the text surrounding the first case-insensitive
// occurrence of needle, with a margin on each side.
func aroundMatch(text, needle string) string {
	t := []rune(text)
	lt := []rune(strings.ToLower(text))
	ln := []rune(strings.ToLower(needle))
	idx := -1
	if len(lt) == len(t) {
		idx = runeIndex(lt, ln)
	}
	if idx < 0 {
		return dom.Truncate(text, summaryLimit)
	}
	start := max(0, idx-summaryMargin)
	end := min(len(t), idx+len(ln)+summaryMargin)
	return dom.Truncate(strings.TrimSpace(string(t[start:end])), summaryLimit)
}

func runeIndex(hay, needle []rune) int {
	if len(needle) == 0 {
		return 0
	}
outer:
	for i := 0; i+len(needle) <= len(hay); i++ {
		for j := range needle {
			if hay[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
