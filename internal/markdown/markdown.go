// Package markdown renders the common markdown dialect used in cloud
// envelopes into the text formats the chat platforms understand.
// Parsing goes through goldmark's AST so nested emphasis, code spans,
// and links survive the translation instead of being regex-mangled.
package markdown

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Dialect selects the output formatting rules.
type Dialect int

const (
	// WhatsApp uses *bold*, _italic_, ~strike~, ```code```.
	WhatsApp Dialect = iota

	// Signal has no inline formatting on the wire; markup is stripped
	// to plain text.
	Signal

	// Plain strips all markup. Used for iMessage, which renders
	// whatever it is given verbatim.
	Plain
)

// Options tunes the conversion.
type Options struct {
	Dialect Dialect

	// CompatBoldItalic reproduces the long-standing conversion quirk
	// where **bold** comes out as _italic_ on WhatsApp instead of
	// *bold*. Clients have grown to expect the emphasis style, so the
	// quirk is on by default in the adapters.
	// TODO: drop the flag once the cloud templates stop relying on the
	// italic rendering.
	CompatBoldItalic bool
}

// Render converts common-markdown src into the target dialect.
// Unparseable input is returned unchanged rather than dropped.
func Render(src string, opts Options) string {
	if strings.TrimSpace(src) == "" {
		return src
	}

	md := goldmark.New()
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	r := renderer{source: source, opts: opts}
	if err := r.walk(&b, doc); err != nil {
		return src
	}
	return strings.TrimRight(b.String(), "\n")
}

type renderer struct {
	source []byte
	opts   Options
}

func (r *renderer) walk(b *strings.Builder, n ast.Node) error {
	return ast.Walk(n, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := node.(type) {
		case *ast.Heading:
			// No heading syntax on any platform; render the text bold
			// on WhatsApp, bare elsewhere.
			if entering {
				if r.opts.Dialect == WhatsApp {
					b.WriteString("*")
				}
			} else {
				if r.opts.Dialect == WhatsApp {
					b.WriteString("*")
				}
				b.WriteString("\n\n")
			}

		case *ast.Paragraph:
			if !entering {
				b.WriteString("\n\n")
			}

		case *ast.TextBlock:
			if !entering {
				b.WriteString("\n")
			}

		case *ast.Emphasis:
			b.WriteString(r.emphasisMarker(v.Level))

		case *ast.CodeSpan:
			if r.opts.Dialect == WhatsApp {
				b.WriteString("```")
			}

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				if r.opts.Dialect == WhatsApp {
					b.WriteString("```\n")
				}
				r.writeLines(b, node)
				if r.opts.Dialect == WhatsApp {
					b.WriteString("```")
				}
				b.WriteString("\n\n")
				return ast.WalkSkipChildren, nil
			}

		case *ast.Blockquote:
			if entering {
				b.WriteString("> ")
			} else {
				b.WriteString("\n")
			}

		case *ast.List:
			if !entering {
				b.WriteString("\n")
			}

		case *ast.ListItem:
			if entering {
				parent, _ := node.Parent().(*ast.List)
				if parent != nil && parent.IsOrdered() {
					fmt.Fprintf(b, "%d. ", listIndex(node)+parent.Start)
				} else {
					b.WriteString("- ")
				}
			} else {
				b.WriteString("\n")
			}

		case *ast.Link:
			if !entering {
				fmt.Fprintf(b, " (%s)", v.Destination)
			}

		case *ast.AutoLink:
			if entering {
				b.Write(v.URL(r.source))
			}

		case *ast.ThematicBreak:
			if entering {
				b.WriteString("---\n\n")
			}

		case *ast.Text:
			if entering {
				b.Write(v.Segment.Value(r.source))
				if v.SoftLineBreak() || v.HardLineBreak() {
					b.WriteString("\n")
				}
			}

		case *ast.String:
			if entering {
				b.Write(v.Value)
			}
		}
		return ast.WalkContinue, nil
	})
}

// emphasisMarker returns the delimiter for an emphasis node of the
// given level (1 = *x*/_x_ italic, 2 = **x** bold).
func (r *renderer) emphasisMarker(level int) string {
	if r.opts.Dialect != WhatsApp {
		return ""
	}
	if level >= 2 {
		if r.opts.CompatBoldItalic {
			return "_"
		}
		return "*"
	}
	return "_"
}

// writeLines copies the raw lines of a code block.
func (r *renderer) writeLines(b *strings.Builder, node ast.Node) {
	lines := node.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(r.source))
	}
}

// listIndex returns the zero-based position of item within its list.
func listIndex(item ast.Node) int {
	i := 0
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		i++
	}
	return i
}
