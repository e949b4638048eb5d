// Package pagectx derives the current model context (model id and model
// version id) from the live page.
package pagectx

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
)

// Context is the pair of ids the page is currently showing. Empty strings
// mean absent.
type Context struct {
	Primary   string
	Secondary string
	Source    Source
}

// Source records where the secondary id came from.
type Source string

const (
	SourceDOM  Source = "dom"
	SourceURL  Source = "url"
	SourceNone Source = "none"
)

// DownloadLinkSelector matches the download affordances scanned for the
// secondary id.
const DownloadLinkSelector = `a[href*="/api/download/models/"]`

// SecondaryParam is the query parameter used when no download link exists.
const SecondaryParam = "modelVersionId"

var (
	primaryRe   = regexp.MustCompile(`/models/(\d+)`)
	downloadRe  = regexp.MustCompile(`/api/download/models/(\d+)`)
	allDigitsRe = regexp.MustCompile(`^\d+$`)
)

// Primary returns the first /models/<digits> id in the path, or "".
func Primary(u *url.URL) string {
	if u == nil {
		return ""
	}
	m := primaryRe.FindStringSubmatch(u.Path)
	if m == nil {
		return ""
	}
	return m[1]
}

// Secondary picks the secondary id. Download links are considered first,
// in document order; the query parameter is the fallback.
func Secondary(hrefs []string, u *url.URL) (string, Source) {
	for _, h := range hrefs {
		if m := downloadRe.FindStringSubmatch(h); m != nil {
			return m[1], SourceDOM
		}
	}
	if u != nil {
		if v := u.Query().Get(SecondaryParam); allDigitsRe.MatchString(v) {
			return v, SourceURL
		}
	}
	return "", SourceNone
}

// Page is the read side of a page document the resolver needs.
type Page interface {
	URL(ctx context.Context) (string, error)
	Hrefs(ctx context.Context, selector string) ([]string, error)
}

// Resolver reads the context from a Page.
type Resolver struct {
	page Page
}

// NewResolver returns a Resolver over p.
func NewResolver(p Page) *Resolver {
	return &Resolver{page: p}
}

// Resolve reads the page URL and download links. A malformed URL yields an
// absent primary id, not an error.
func (r *Resolver) Resolve(ctx context.Context) (Context, error) {
	raw, err := r.page.URL(ctx)
	if err != nil {
		return Context{}, fmt.Errorf("pagectx: url: %w", err)
	}
	hrefs, err := r.page.Hrefs(ctx, DownloadLinkSelector)
	if err != nil {
		return Context{}, fmt.Errorf("pagectx: hrefs: %w", err)
	}
	u, perr := url.Parse(raw)
	if perr != nil {
		u = nil
	}
	sec, src := Secondary(hrefs, u)
	return Context{Primary: Primary(u), Secondary: sec, Source: src}, nil
}
