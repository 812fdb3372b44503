package specbrief

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Parsed is what can be recovered from a spec-brief document.
type Parsed struct {
	Title      string
	Bullets    []string
	Priority   string
	Complexity string
	Source     string
	SourceURL  string
	// BriefID is set on files rendered for a queue brief.
	BriefID    string
}

var (
	priorityRe   = regexp.MustCompile(`(?mi)^priority:\s*([a-z]+)`)
	complexityRe = regexp.MustCompile(`(?mi)^complexity:\s*([a-z]+)`)
	sourceRe     = regexp.MustCompile(`(?mi)^source:\s*(.+)$`)
	briefIDRe    = regexp.MustCompile(`(?mi)^brief id:\s*(\S+)`)
)

// Parse extracts the title, the first list and the metadata lines of a
// spec brief. filename is used for the title when the document has no H1.
func Parse(source []byte, filename string) Parsed {
	doc := md.Parser().Parse(text.NewReader(source))
	var (
		p         Parsed
		listSeen  bool
		plainText strings.Builder
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && p.Title == "" {
				p.Title = strings.TrimSpace(InlineText(node, source))
			}
			return ast.WalkSkipChildren, nil
		case *ast.List:
			if listSeen {
				return ast.WalkSkipChildren, nil
			}
			listSeen = true
			for item := node.FirstChild(); item != nil; item = item.NextSibling() {
				if t := strings.TrimSpace(blockText(item, source)); t != "" {
					p.Bullets = append(p.Bullets, t)
				}
			}
		case *ast.Paragraph:
			plainText.WriteString(InlineText(node, source))
			plainText.WriteString("\n")
		case *ast.Link:
			if p.SourceURL == "" {
				p.SourceURL = string(node.Destination)
			}
		case *ast.AutoLink:
			if p.SourceURL == "" {
				p.SourceURL = string(node.URL(source))
			}
		}
		return ast.WalkContinue, nil
	})
	if p.Title == "" {
		p.Title = Humanize(filename)
	}
	meta := plainText.String()
	if m := priorityRe.FindStringSubmatch(meta); m != nil {
		p.Priority = NormalizeLevel(m[1])
	}
	if m := complexityRe.FindStringSubmatch(meta); m != nil {
		p.Complexity = NormalizeLevel(m[1])
	}
	if m := sourceRe.FindStringSubmatch(meta); m != nil {
		p.Source = strings.TrimSpace(m[1])
	}
	if m := briefIDRe.FindStringSubmatch(meta); m != nil {
		p.BriefID = m[1]
	}
	return p
}

// NormalizeLevel maps priority and complexity spellings onto HIGH, MED and
// LOW. Anything else is returned upper-cased.
func NormalizeLevel(v string) string {
	switch up := strings.ToUpper(strings.TrimSpace(v)); up {
	case "MEDIUM", "MID":
		return "MED"
	default:
		return up
	}
}

// InlineText flattens the inline children of n. Soft line breaks become
// newlines so line-anchored patterns still match.
func InlineText(n ast.Node, source []byte) string {
	var sb strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			sb.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				sb.WriteByte('\n')
			}
		case *ast.String:
			sb.Write(node.Value)
		case *ast.AutoLink:
			sb.Write(node.URL(source))
		default:
			sb.WriteString(InlineText(c, source))
		}
	}
	return sb.String()
}

// blockText joins the text of the block children of a list item, without
// descending into nested lists.
func blockText(item ast.Node, source []byte) string {
	var parts []string
	for c := item.FirstChild(); c != nil; c = c.NextSibling() {
		if c.Kind() == ast.KindList {
			continue
		}
		parts = append(parts, strings.TrimSpace(InlineText(c, source)))
	}
	return strings.Join(parts, " ")
}
