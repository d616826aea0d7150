package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose content never reaches the extracted text.
var dropped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Form:     true,
	atom.Aside:    true,
}

var blocks = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Main: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Blockquote: true,
	atom.Pre: true, atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Table: true, atom.Tr: true, atom.Dl: true, atom.Dt: true,
	atom.Dd: true, atom.Figcaption: true, atom.Address: true, atom.Br: true,
}

type document struct {
	title       string
	description string
	image       string
	text        string
}

// extract parses raw HTML. The parser is lenient so a malformed page
// still yields whatever text it holds.
func extract(raw string) document {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return document{text: collapse(raw)}
	}

	var doc document
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Title:
				if doc.title == "" {
					doc.title = strings.TrimSpace(textOf(n))
				}
			case atom.Meta:
				readMeta(n, &doc)
			}
			if dropped[n.DataAtom] {
				// Head still carries title and meta tags.
				if n.DataAtom == atom.Head {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						walkHead(c, &doc)
					}
				}
				return
			}
			if blocks[n.DataAtom] {
				b.WriteString("\n")
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blocks[n.DataAtom] {
			b.WriteString("\n")
		}
	}
	walk(root)

	doc.text = collapse(b.String())
	return doc
}

func walkHead(n *html.Node, doc *document) {
	if n.Type != html.ElementNode {
		return
	}
	switch n.DataAtom {
	case atom.Title:
		if doc.title == "" {
			doc.title = strings.TrimSpace(textOf(n))
		}
	case atom.Meta:
		readMeta(n, doc)
	}
}

// readMeta picks the page description and preview image. OpenGraph
// values win over the plain description.
func readMeta(n *html.Node, doc *document) {
	var key, content string
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "name", "property":
			key = strings.ToLower(a.Val)
		case "content":
			content = strings.TrimSpace(a.Val)
		}
	}
	if content == "" {
		return
	}
	switch key {
	case "og:description":
		doc.description = content
	case "description":
		if doc.description == "" {
			doc.description = content
		}
	case "og:image", "twitter:image":
		if doc.image == "" {
			doc.image = content
		}
	}
}

func textOf(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textOf(c))
	}
	return b.String()
}

// collapse squeezes runs of spaces within lines and keeps at most one
// blank line between paragraphs.
func collapse(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank || len(out) == 0 {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
