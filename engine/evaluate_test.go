package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/notifywatch/dom"
	"github.com/hazyhaar/notifywatch/rules"
)

func TestEvaluateConditions(t *testing.T) {
	tests := []struct {
		name string
		rule rules.Rule
		text string
		fire bool
	}{
		{"equals exact", rules.Rule{Condition: rules.CondTextEquals, Baseline: "Done"}, "Done", true},
		{"equals collapses space", rules.Rule{Condition: rules.CondTextEquals, Baseline: "Done"}, "  Done\n", true},
		{"equals longer", rules.Rule{Condition: rules.CondTextEquals, Baseline: "Done"}, "Done!", false},
		{"equals empty baseline", rules.Rule{Condition: rules.CondTextEquals}, "", false},
		{"differs empty text", rules.Rule{Condition: rules.CondTextDiffers, Baseline: "a"}, "", false},
		{"differs same", rules.Rule{Condition: rules.CondTextDiffers, Baseline: "a"}, "a", false},
		{"differs other", rules.Rule{Condition: rules.CondTextDiffers, Baseline: "a"}, "b", true},
		{"contains baseline", rules.Rule{Condition: rules.CondTextContains, Baseline: "Sale"}, "Big Sale now", true},
		{"contains raw pattern", rules.Rule{Condition: rules.CondTextContains, TextPattern: "Sale"}, "no", false},
		{"not contains empty text", rules.Rule{Condition: rules.CondTextNotContains, Baseline: "x"}, "", true},
		{"not contains present", rules.Rule{Condition: rules.CondTextNotContains, Baseline: "x"}, "a x b", false},
		{"gt equal", rules.Rule{Condition: rules.CondTextLengthGT, Threshold: 3, HasThreshold: true}, "abc", false},
		{"gt above", rules.Rule{Condition: rules.CondTextLengthGT, Threshold: 3, HasThreshold: true}, "abcd", true},
		{"lt equal", rules.Rule{Condition: rules.CondTextLengthLT, Threshold: 3, HasThreshold: true}, "abc", false},
		{"lt below", rules.Rule{Condition: rules.CondTextLengthLT, Threshold: 3, HasThreshold: true}, "ab", true},
		{"lt counts runes", rules.Rule{Condition: rules.CondTextLengthLT, Threshold: 3, HasThreshold: true}, "éé", true},
		{"element always", rules.Rule{Condition: rules.CondElement}, "", true},
		{"element_text", rules.Rule{Condition: rules.CondElementText, TextPattern: "In Stock"}, "Now In Stock!", true},
		{"element_text absent", rules.Rule{Condition: rules.CondElementText, TextPattern: "In Stock"}, "Out of Stock", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.rule
			r.ID, r.Name = "id", "Rule"
			out := Evaluate(&r, tt.text, "sig")
			if out.Fire != tt.fire {
				t.Fatalf("Fire: got %v, want %v", out.Fire, tt.fire)
			}
			if out.Fire && (out.Summary == "" || !strings.HasPrefix(out.Key, "id|")) {
				t.Errorf("outcome: %+v", out)
			}
		})
	}
}

func TestEvaluateKeys(t *testing.T) {
	el := &rules.Rule{ID: "r", Condition: rules.CondElement}
	if got, want := Evaluate(el, "x", "sig").Key, "r|"+shortHash("sig"); got != want {
		t.Errorf("element key: got %q, want %q", got, want)
	}
	if got := Evaluate(el, "x", "").Key; got != "r|x" {
		t.Errorf("element key without signature: got %q", got)
	}
	eq := &rules.Rule{ID: "r", Condition: rules.CondTextEquals, Baseline: "ok"}
	if got := Evaluate(eq, "ok", "sig").Key; got != "r|ok" {
		t.Errorf("equals key: got %q", got)
	}
	gt := &rules.Rule{ID: "r", Condition: rules.CondTextLengthGT, Threshold: 2.5, HasThreshold: true}
	if got := Evaluate(gt, "abcd", "sig").Key; got != "r|2.5|4" {
		t.Errorf("length key: got %q", got)
	}
	if len(shortHash("x")) != 12 {
		t.Errorf("shortHash length: %d", len(shortHash("x")))
	}
}

func TestEvaluateSummaries(t *testing.T) {
	el := &rules.Rule{ID: "r", Name: "Badge", Condition: rules.CondElement, DisplaySelector: "#b"}
	if got := Evaluate(el, "\n  3 new\nmessages", "s").Summary; got != "3 new" {
		t.Errorf("element summary: got %q", got)
	}
	if got := Evaluate(el, "", "s").Summary; got != "Rule 'Badge' triggered (#b)" {
		t.Errorf("empty element summary: got %q", got)
	}
	long := strings.Repeat("a", 100) + " In Stock " + strings.Repeat("b", 100)
	et := &rules.Rule{ID: "r", Condition: rules.CondElementText, TextPattern: "In Stock"}
	got := Evaluate(et, long, "s").Summary
	if !strings.Contains(got, "In Stock") || len(got) > 40+len("In Stock")+40 {
		t.Errorf("match window: %q", got)
	}
}

func TestFingerprint(t *testing.T) {
	markup := `<body><input id="c" type="checkbox" checked style="color:red" aria-label="Agree"
		data-h="8" data-g="7" data-f="6" data-e="5" data-d="4" data-c="3" data-b="2" data-a="1" onclick="x()"></body>`
	d, err := dom.ParseString(markup, "https://example.com/")
	if err != nil {
		t.Fatal(err)
	}
	hs, _ := d.Query("#c")
	h := hs[0]
	sig, ok := Fingerprint(d, h, "")
	if !ok {
		t.Fatal("fingerprint failed")
	}
	for _, want := range []string{`"tag":"input"`, `"checked":true`, `"aria-label":"Agree"`, `"data-a":"1"`, `"data-f":"6"`} {
		if !strings.Contains(sig, want) {
			t.Errorf("signature missing %s: %s", want, sig)
		}
	}
	for _, absent := range []string{"style", "onclick", "data-g", "data-h"} {
		if strings.Contains(sig, absent) {
			t.Errorf("signature should not contain %s: %s", absent, sig)
		}
	}
	again, _ := Fingerprint(d, h, "")
	if again != sig {
		t.Error("fingerprint not deterministic")
	}

	if err := d.RemoveAttr(h, "checked"); err != nil {
		t.Fatal(err)
	}
	changed, _ := Fingerprint(d, h, "")
	if changed == sig {
		t.Error("checked state change did not alter the fingerprint")
	}

	long := strings.Repeat("x", 300)
	a, _ := Fingerprint(d, h, long)
	b, _ := Fingerprint(d, h, long+"tail")
	if a != b {
		t.Error("text beyond 200 characters should not change the fingerprint")
	}
}

func TestCaptureRule(t *testing.T) {
	d, err := dom.ParseString(`<body><div id="main"><ul><li>a</li><li class="x y z" data-sku="9">Price  42</li></ul></div></body>`,
		"https://shop.example.com/p/1")
	if err != nil {
		t.Fatal(err)
	}
	lis, _ := d.Query("li")
	target := lis[1]

	path := CSSPath(d, target)
	if path != "#main > ul > li.x.y:nth-of-type(2)" {
		t.Errorf("CSSPath: got %q", path)
	}
	hs, err := d.Query(path)
	if err != nil || len(hs) != 1 || hs[0] != target {
		t.Errorf("path does not select the target: %v %v", hs, err)
	}

	raw, err := CaptureRule(d, target, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatal(err)
	}
	if raw.TextSnapshot != "Price 42" || raw.URLContains != "shop.example.com" || raw.Source != "picker" {
		t.Errorf("raw rule: %+v", raw)
	}
	set := rules.Compile(rules.Config{Rules: []rules.RawRule{raw}})
	if len(set.Rules) != 1 {
		t.Fatalf("captured rule did not compile")
	}
	r := set.Rules[0]
	if r.Condition != rules.CondTextDiffers || r.CSSSelector != path {
		t.Errorf("compiled: %+v", r)
	}
	if len(r.Fallbacks) != 2 || r.Fallbacks[0] != "li.x.y.z" || r.Fallbacks[1] != `li[data-sku="9"]` {
		t.Errorf("fallbacks: %v", r.Fallbacks)
	}

	if _, err := CaptureRule(d, d.Root(), time.Now()); err == nil {
		t.Error("capturing the document node: want error")
	}
}
