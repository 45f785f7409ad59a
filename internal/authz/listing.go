// ABOUTME: Capability-listing filter removing unauthorized capability mentions
// ABOUTME: Line-oriented, with back-tick tokens parsed as CommonMark code spans

package authz

import (
	"bytes"
	"context"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
)

// FilterListing removes unauthorized capability mentions from a discovery
// listing. The listing is processed line by line:
//
//   - lines naming no catalogued capability pass through untouched
//   - lines where every named capability is denied are dropped
//   - mixed lines keep only the authorized mentions
//
// Capability names are recognized as CommonMark code spans, so the quoting
// convention is the markdown grammar itself rather than a regex. Filtering
// is idempotent: stripped mentions cannot be re-matched on a second pass.
func (g *Gate) FilterListing(ctx context.Context, workspaceID, raw string) string {
	p := goldmark.DefaultParser()

	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		var named, denied []string
		for _, tok := range codeSpans(p, []byte(line)) {
			if !g.Listable(tok) {
				continue
			}
			named = append(named, tok)
			if !g.IsAuthorized(ctx, workspaceID, tok, "") {
				denied = append(denied, tok)
			}
		}

		if len(named) == 0 {
			out = append(out, line)
			continue
		}
		if len(denied) == len(named) {
			continue
		}
		for _, tok := range denied {
			line = stripMention(line, tok)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// codeSpans parses one line as markdown and collects the text of every
// inline code span.
func codeSpans(p parser.Parser, line []byte) []string {
	doc := p.Parse(text.NewReader(line))

	var spans []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if cs, ok := n.(*ast.CodeSpan); ok {
			spans = append(spans, spanText(cs, line))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return spans
}

// stripMention removes one capability's back-ticked mentions from a line,
// swallowing an adjacent list separator so mixed lines stay readable.
func stripMention(line, token string) string {
	quoted := "`" + token + "`"
	patterns := []string{quoted + ", ", ", " + quoted, quoted}
	for {
		replaced := false
		for _, pat := range patterns {
			if strings.Contains(line, pat) {
				line = strings.Replace(line, pat, "", 1)
				replaced = true
				break
			}
		}
		if !replaced {
			return line
		}
	}
}

// spanText concatenates the text segments under a code span node.
func spanText(cs *ast.CodeSpan, source []byte) string {
	var buf bytes.Buffer
	for c := cs.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
	}
	return buf.String()
}
