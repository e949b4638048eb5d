package catalog

import (
	"html"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"
)

// Renderer turns the HTML version descriptions into markdown for logs and
// the panel. Descriptions are author-supplied, so they are sanitised first.
type Renderer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
	conv   *converter.Converter
}

// NewRenderer builds a Renderer with the UGC sanitising policy.
func NewRenderer() *Renderer {
	return &Renderer{
		policy: bluemonday.UGCPolicy(),
		strict: bluemonday.StrictPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
	}
}

var defaultRenderer = NewRenderer()

// Markdown converts description HTML to markdown. On conversion failure the
// plain text is returned.
func (r *Renderer) Markdown(desc string) string {
	if strings.TrimSpace(desc) == "" {
		return ""
	}
	clean := r.policy.Sanitize(desc)
	md, err := r.conv.ConvertString(clean)
	if err != nil || strings.TrimSpace(md) == "" {
		return r.Text(desc)
	}
	return strings.TrimSpace(md)
}

// Text strips every tag.
func (r *Renderer) Text(desc string) string {
	return strings.TrimSpace(html.UnescapeString(r.strict.Sanitize(desc)))
}

// Excerpt returns the first n runes of the plain-text description.
func (r *Renderer) Excerpt(desc string, n int) string {
	t := []rune(r.Text(desc))
	if len(t) <= n {
		return string(t)
	}
	return string(t[:n]) + "..."
}
