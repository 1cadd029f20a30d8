package fetcher

import (
	"bytes"
	"unicode/utf8"

	"github.com/hazyhaar/notifywatch/dom"
)

// shellMarkers are empty mount points left by client-side frameworks.
var shellMarkers = []string{
	`<div id="root"></div>`,
	`<div id="app"></div>`,
	`<div id="__next"></div>`,
	"<noscript>you need to enable javascript",
	"<noscript>enable javascript",
}

// LooksLikeShell reports whether markup is probably an application shell
// whose content is rendered by scripts, so that polling it over plain HTTP
// would watch an empty page.
func LooksLikeShell(markup []byte) bool {
	lower := bytes.ToLower(markup)
	for _, m := range shellMarkers {
		if bytes.Contains(lower, []byte(m)) {
			return true
		}
	}
	doc, err := dom.Parse(bytes.NewReader(markup), "")
	if err != nil {
		return true
	}
	text := utf8.RuneCountInString(dom.CollapseSpace(doc.Text(doc.Body())))
	if text < 200 {
		return true
	}
	// Less than 10% visible text.
	return float64(text) < 0.10*float64(len(markup))
}
