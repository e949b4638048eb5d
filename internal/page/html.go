package page

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLDocument is a Document over a parsed HTML tree.
type HTMLDocument struct {
	mu   sync.Mutex
	root *html.Node
	base *url.URL
	raw  string
	scan []*html.Node
}

// ParseHTML parses r as the page at pageURL. pageURL resolves relative
// image sources.
func ParseHTML(r io.Reader, pageURL string) (*HTMLDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("page: parse html: %w", err)
	}
	d := &HTMLDocument{root: root}
	if err := d.Navigate(pageURL); err != nil {
		return nil, err
	}
	return d, nil
}

// Navigate changes the document URL without touching the tree, the way a
// history push does.
func (d *HTMLDocument) Navigate(pageURL string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raw = pageURL
	d.base = nil
	if pageURL == "" {
		return nil
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("page: base url: %w", err)
	}
	d.base = u
	return nil
}

// Append parses fragment in body context and appends it to <body>.
func (d *HTMLDocument) Append(fragment string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := findFirst(d.root, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	if body == nil {
		return fmt.Errorf("page: no body")
	}
	ctxNode := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), ctxNode)
	if err != nil {
		return fmt.Errorf("page: parse fragment: %w", err)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	return nil
}

// Render writes the current tree.
func (d *HTMLDocument) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// Marks returns mark id → badge state for every marked anchor.
func (d *HTMLDocument) Marks() map[string]State {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]State)
	walk(d.root, func(n *html.Node) {
		id, ok := attr(n, MarkAttr)
		if !ok {
			return
		}
		if b := badgeOf(n); b != nil {
			v, _ := attr(b, StateAttr)
			out[id] = State(v)
		}
	})
	return out
}

func (d *HTMLDocument) URL(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw, nil
}

func (d *HTMLDocument) Hrefs(_ context.Context, selector string) ([]string, error) {
	sel, err := parseSelector(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	walk(d.root, func(n *html.Node) {
		if sel.match(n) {
			v, _ := attr(n, "href")
			out = append(out, v)
		}
	})
	return out, nil
}

func (d *HTMLDocument) Anchors(context.Context) ([]Anchor, error) {
	sel, _ := parseSelector(AnchorSelector)
	d.mu.Lock()
	defer d.mu.Unlock()

	d.scan = d.scan[:0]
	var out []Anchor
	walk(d.root, func(n *html.Node) {
		if !sel.match(n) {
			return
		}
		a := Anchor{Key: strconv.Itoa(len(d.scan))}
		a.Href, _ = attr(n, "href")
		a.Mark, _ = attr(n, MarkAttr)
		if img := findFirst(n, func(c *html.Node) bool { return c.DataAtom == atom.Img }); img != nil {
			a.HasImg = true
			src, _ := attr(img, "src")
			a.ImgSrc = d.resolve(src)
		}
		d.scan = append(d.scan, n)
		out = append(out, a)
	})
	return out, nil
}

func (d *HTMLDocument) resolve(src string) string {
	if src == "" || d.base == nil {
		return src
	}
	u, err := d.base.Parse(src)
	if err != nil {
		return src
	}
	return u.String()
}

func (d *HTMLDocument) ApplyMarks(_ context.Context, marks []Mark) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, m := range marks {
		i, err := strconv.Atoi(m.Key)
		if err != nil || i < 0 || i >= len(d.scan) {
			continue
		}
		el := d.scan[i]
		if el.Parent == nil {
			continue
		}
		if _, marked := attr(el, MarkAttr); marked {
			continue
		}
		setAttr(el, MarkAttr, m.ID)
		el.AppendChild(newBadge(m.State))
		n++
	}
	return n, nil
}

func (d *HTMLDocument) SetState(_ context.Context, id string, st State) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	walk(d.root, func(el *html.Node) {
		if v, ok := attr(el, MarkAttr); !ok || v != id {
			return
		}
		b := badgeOf(el)
		if b == nil {
			return
		}
		setAttr(b, StateAttr, string(st))
		for c := b.FirstChild; c != nil; c = b.FirstChild {
			b.RemoveChild(c)
		}
		b.AppendChild(&html.Node{Type: html.TextNode, Data: st.Label()})
		n++
	})
	return n, nil
}

func (d *HTMLDocument) ResetMarks(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var marked []*html.Node
	walk(d.root, func(el *html.Node) {
		if _, ok := attr(el, MarkAttr); ok {
			marked = append(marked, el)
		}
	})
	for _, el := range marked {
		delAttr(el, MarkAttr)
		for b := badgeOf(el); b != nil; b = badgeOf(el) {
			el.RemoveChild(b)
		}
	}
	d.scan = d.scan[:0]
	return len(marked), nil
}

func newBadge(st State) *html.Node {
	b := &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
		Attr: []html.Attribute{
			{Key: BadgeAttr, Val: "true"},
			{Key: StateAttr, Val: string(st)},
		},
	}
	b.AppendChild(&html.Node{Type: html.TextNode, Data: st.Label()})
	return b
}

func badgeOf(el *html.Node) *html.Node {
	for c := el.FirstChild; c != nil; c = c.NextSibling {
		if _, ok := attr(c, BadgeAttr); ok {
			return c
		}
	}
	return nil
}

func walk(n *html.Node, fn func(*html.Node)) {
	if n.Type == html.ElementNode {
		fn(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

func findFirst(n *html.Node, pred func(*html.Node) bool) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && pred(c) {
			return c
		}
		if f := findFirst(c, pred); f != nil {
			return f
		}
	}
	return nil
}

func attr(n *html.Node, key string) (string, bool) {
	if n.Type != html.ElementNode {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func delAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// selector is the subset of CSS the resolver and reconciler use:
// tag, tag[attr], tag[attr=v], tag[attr^=v], tag[attr*=v].
type selector struct {
	tag string
	key string
	op  string
	val string
}

func parseSelector(s string) (selector, error) {
	var sel selector
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, '[')
	if i < 0 {
		sel.tag = s
		return sel, nil
	}
	if !strings.HasSuffix(s, "]") {
		return sel, fmt.Errorf("page: unsupported selector %q", s)
	}
	sel.tag = s[:i]
	body := s[i+1 : len(s)-1]
	for _, op := range []string{"^=", "*=", "="} {
		if j := strings.Index(body, op); j >= 0 {
			sel.key = body[:j]
			sel.op = op
			sel.val = strings.Trim(body[j+len(op):], `"'`)
			return sel, nil
		}
	}
	sel.key = body
	return sel, nil
}

func (s selector) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && n.Data != s.tag {
		return false
	}
	if s.key == "" {
		return true
	}
	v, ok := attr(n, s.key)
	if !ok {
		return false
	}
	switch s.op {
	case "=":
		return v == s.val
	case "^=":
		return strings.HasPrefix(v, s.val)
	case "*=":
		return strings.Contains(v, s.val)
	}
	return true
}
