package markdown

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/russross/blackfriday/v2"
)

var extraNewlines = regexp.MustCompile(`\n{3,}`)

// ToTelegramHTML converts markdown to the HTML subset accepted by Telegram:
// b, i, s, code, pre, a and blockquote. Everything else is flattened to text.
func ToTelegramHTML(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	out := blackfriday.Run([]byte(markdown),
		blackfriday.WithExtensions(blackfriday.CommonExtensions),
		blackfriday.WithRenderer(&telegramRenderer{}),
	)

	text := extraNewlines.ReplaceAllString(string(out), "\n\n")
	return strings.TrimSpace(text)
}

type telegramRenderer struct{}

func (r *telegramRenderer) RenderHeader(w io.Writer, ast *blackfriday.Node) {}

func (r *telegramRenderer) RenderFooter(w io.Writer, ast *blackfriday.Node) {}

func (r *telegramRenderer) RenderNode(w io.Writer, node *blackfriday.Node, entering bool) blackfriday.WalkStatus {
	switch node.Type {
	case blackfriday.Text, blackfriday.HTMLSpan:
		io.WriteString(w, html.EscapeString(string(node.Literal)))

	case blackfriday.Strong:
		tag(w, "b", entering)
	case blackfriday.Emph:
		tag(w, "i", entering)
	case blackfriday.Del:
		tag(w, "s", entering)

	case blackfriday.Code:
		fmt.Fprintf(w, "<code>%s</code>", html.EscapeString(string(node.Literal)))

	case blackfriday.CodeBlock:
		lang := strings.Fields(string(node.Info))
		if len(lang) > 0 {
			fmt.Fprintf(w, "<pre><code class=\"language-%s\">%s</code></pre>\n\n",
				html.EscapeString(lang[0]), html.EscapeString(strings.TrimRight(string(node.Literal), "\n")))
		} else {
			fmt.Fprintf(w, "<pre>%s</pre>\n\n", html.EscapeString(strings.TrimRight(string(node.Literal), "\n")))
		}

	case blackfriday.HTMLBlock:
		io.WriteString(w, html.EscapeString(string(node.Literal)))
		io.WriteString(w, "\n\n")

	case blackfriday.Link, blackfriday.Image:
		if entering {
			fmt.Fprintf(w, "<a href=\"%s\">", html.EscapeString(string(node.LinkData.Destination)))
		} else {
			io.WriteString(w, "</a>")
		}

	case blackfriday.Heading:
		tag(w, "b", entering)
		if !entering {
			io.WriteString(w, "\n\n")
		}

	case blackfriday.Paragraph:
		if !entering {
			if inListItem(node) {
				io.WriteString(w, "\n")
			} else {
				io.WriteString(w, "\n\n")
			}
		}

	case blackfriday.BlockQuote:
		tag(w, "blockquote", entering)
		if !entering {
			io.WriteString(w, "\n\n")
		}

	case blackfriday.List:
		if !entering && listDepth(node) == 0 {
			io.WriteString(w, "\n")
		}

	case blackfriday.Item:
		if entering {
			io.WriteString(w, strings.Repeat("  ", listDepth(node.Parent)))
			io.WriteString(w, bullet(node))
		}

	case blackfriday.Softbreak, blackfriday.Hardbreak:
		io.WriteString(w, "\n")

	case blackfriday.HorizontalRule:
		io.WriteString(w, "----------\n\n")

	case blackfriday.TableCell:
		if !entering && node.Next != nil {
			io.WriteString(w, " | ")
		}
	case blackfriday.TableRow:
		if !entering {
			io.WriteString(w, "\n")
		}
	case blackfriday.Table:
		if !entering {
			io.WriteString(w, "\n")
		}
	}
	return blackfriday.GoToNext
}

func tag(w io.Writer, name string, entering bool) {
	if entering {
		fmt.Fprintf(w, "<%s>", name)
	} else {
		fmt.Fprintf(w, "</%s>", name)
	}
}

func inListItem(node *blackfriday.Node) bool {
	return node.Parent != nil && node.Parent.Type == blackfriday.Item
}

// listDepth counts the lists enclosing node, excluding node itself.
func listDepth(node *blackfriday.Node) int {
	depth := 0
	for p := node.Parent; p != nil; p = p.Parent {
		if p.Type == blackfriday.List {
			depth++
		}
	}
	return depth
}

func bullet(item *blackfriday.Node) string {
	if item.ListFlags&blackfriday.ListTypeOrdered == 0 {
		return "• "
	}
	n := 1
	for prev := item.Prev; prev != nil; prev = prev.Prev {
		n++
	}
	return fmt.Sprintf("%d. ", n)
}

// StripTags returns the plain-text form of rendered HTML, used when
// Telegram rejects the markup.
func StripTags(rendered string) string {
	var buf bytes.Buffer
	inTag := false
	for _, r := range rendered {
		switch {
		case r == '<':
			inTag = true
		case r == '>' && inTag:
			inTag = false
		case !inTag:
			buf.WriteRune(r)
		}
	}
	return html.UnescapeString(buf.String())
}
