package loader

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/hazyhaar/webboot/csapi"
	"github.com/hazyhaar/webboot/loader/internal/gate"
	"github.com/hazyhaar/webboot/loader/internal/manifest"
)

// prefetch is an API call boot waits for.
type prefetch struct {
	cond   gate.Condition
	handle string
	call   func(c *csapi.Client, ctx context.Context, handle string) (json.RawMessage, error)
}

var routePrefetches = []struct {
	prefix string
	cond   gate.Condition
	call   func(c *csapi.Client, ctx context.Context, handle string) (json.RawMessage, error)
}{
	{"download/", gate.DownloadPrefetch, (*csapi.Client).Download},
	{"!", gate.DownloadPrefetch, (*csapi.Client).Download},
	{"chat/", gate.ChatlinkResolve, (*csapi.Client).Chatlink},
	{"megadrop/", gate.MegadropResolve, (*csapi.Client).Megadrop},
	{"voucher/", gate.VoucherFetch, (*csapi.Client).Voucher},
	{"redeem/", gate.VoucherFetch, (*csapi.Client).Voucher},
}

// routePrefetch returns the link prefetch the route needs, if any. The
// handle ends at the first '!' or '#' after the prefix.
func routePrefetch(route string) (prefetch, bool) {
	route = manifest.NormalizeRoute(route)
	for _, rp := range routePrefetches {
		if !strings.HasPrefix(route, rp.prefix) {
			continue
		}
		handle := route[len(rp.prefix):]
		if i := strings.IndexAny(handle, "!#"); i >= 0 {
			handle = handle[:i]
		}
		if handle == "" {
			return prefetch{}, false
		}
		return prefetch{cond: rp.cond, handle: handle, call: rp.call}, true
	}
	return prefetch{}, false
}

// conditions lists the boot prerequisites of a load. API-backed ones are
// only present when an API client exists.
func conditions(route string, hasSession, hasAPI, hasExternal bool) []gate.Condition {
	var conds []gate.Condition
	if hasExternal {
		conds = append(conds, gate.ExternalScriptsLoaded)
	}
	if !hasAPI {
		return conds
	}
	if hasSession {
		conds = append(conds, gate.SessionCheck)
	} else {
		conds = append(conds, gate.FlagsFetch)
	}
	if p, ok := routePrefetch(route); ok {
		conds = append(conds, p.cond)
	}
	return conds
}

// originOf returns scheme://host of a URL, or the input when it does not
// parse.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
