package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// configNames maps the plural names used in page config to CDP resource
// types. Any other CDP type may be named as is, case-insensitively.
var configNames = map[string]proto.NetworkResourceType{
	"images":      proto.NetworkResourceTypeImage,
	"fonts":       proto.NetworkResourceTypeFont,
	"media":       proto.NetworkResourceTypeMedia,
	"stylesheets": proto.NetworkResourceTypeStylesheet,
}

// resourceFilter is the set of lower-cased CDP resource types to fail.
type resourceFilter map[string]bool

func newResourceFilter(names []string) resourceFilter {
	f := make(resourceFilter, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if t, ok := configNames[n]; ok {
			n = strings.ToLower(string(t))
		}
		if n != "" {
			f[n] = true
		}
	}
	return f
}

func (f resourceFilter) blocks(t proto.NetworkResourceType) bool {
	return f[strings.ToLower(string(t))]
}

// intercept installs request hijacking on page. The returned router stops
// with the tab.
func (f resourceFilter) intercept(page *rod.Page) *rod.HijackRouter {
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if f.blocks(h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
