package filter

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// Haystack builds the case-folded, markup-stripped search text used for
// keyword matching: the title and body joined, HTML and markdown syntax
// removed, whitespace collapsed.
func Haystack(title, body string) string {
	parts := []string{stripMarkup(title), stripMarkup(body)}
	joined := strings.Join(parts, " ")
	return strings.ToLower(strings.Join(strings.Fields(joined), " "))
}

// stripMarkup reduces HTML or markdown to plain text. Bodies that look like
// HTML go through a real parser rather than a tag regex; everything else is
// treated as markdown, whose syntax characters would otherwise pollute
// keyword matching.
func stripMarkup(s string) string {
	if s == "" {
		return ""
	}
	if looksLikeHTML(s) {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			return doc.Text()
		}
	}
	return markdownText(s)
}

func looksLikeHTML(s string) bool {
	open := strings.IndexByte(s, '<')
	return open >= 0 && strings.IndexByte(s[open:], '>') > 0
}

// markdownText parses s as markdown and collects the text segments of the
// AST, so emphasis markers, link targets, and heading hashes disappear while
// code block contents survive.
func markdownText(s string) string {
	source := []byte(s)
	doc := markdown.Parser().Parse(gtext.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Text:
			b.Write(node.Segment.Value(source))
			b.WriteByte(' ')
		case *ast.String:
			b.Write(node.Value)
			b.WriteByte(' ')
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(source))
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
