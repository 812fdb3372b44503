// Package retro pulls action items out of retrospective notes.
//
// Items are the list entries found under any heading that mentions
// "action item". A GFM task checkbox marks an item done, an @handle names
// the assignee and a HIGH, MED or LOW token sets the priority:
//
//	## Action items
//	- [ ] @PJ tighten the deploy checklist HIGH
//	- [x] @sam rotate the staging keys
package retro

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"nexus/internal/domain"
	"nexus/internal/specbrief"
)

var md = goldmark.New(goldmark.WithExtensions(extension.TaskList, extension.Strikethrough))

var (
	assigneeRe = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9._-]*)`)
	priorityRe = regexp.MustCompile(`\b(HIGH|MEDIUM|MED|LOW)\b`)
	emptyWrap  = regexp.MustCompile(`\[\s*\]|\(\s*\)`)
)

// Options controls how parsed items are classified.
type Options struct {
	// Source is recorded on each item and seeds its id.
	Source string
	// Operator items start as todo; everyone else's as pending. Handles
	// matching Operator in any case are stored with its spelling.
	Operator string
	// Now stamps createdAt.
	Now string
}

// Parse returns the action items in a retro document in document order.
func Parse(source []byte, opts Options) []domain.ActionItem {
	doc := md.Parser().Parse(text.NewReader(source))
	var (
		items        []domain.ActionItem
		sectionLevel int
	)
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.ToLower(specbrief.InlineText(node, source))
			switch {
			case strings.Contains(title, "action item"):
				sectionLevel = node.Level
			case sectionLevel > 0 && node.Level <= sectionLevel:
				sectionLevel = 0
			}
		case *ast.List:
			if sectionLevel == 0 {
				continue
			}
			for li := node.FirstChild(); li != nil; li = li.NextSibling() {
				if item, ok := parseItem(li, source, opts); ok {
					items = append(items, item)
				}
			}
		}
	}
	return items
}

func parseItem(li ast.Node, source []byte, opts Options) (domain.ActionItem, bool) {
	block := li.FirstChild()
	if block == nil {
		return domain.ActionItem{}, false
	}
	checked := false
	if cb, ok := block.FirstChild().(*extast.TaskCheckBox); ok {
		checked = cb.IsChecked
	}
	raw := strings.TrimSpace(specbrief.InlineText(block, source))
	raw = strings.ReplaceAll(raw, "\n", " ")

	var assignee, priority string
	if m := assigneeRe.FindStringSubmatch(raw); m != nil {
		// "@sam." ends a sentence; the dot is not part of the handle
		assignee = strings.TrimRight(m[1], "._-")
	}
	if m := priorityRe.FindStringSubmatch(raw); m != nil {
		priority = specbrief.NormalizeLevel(m[1])
	}
	task := assigneeRe.ReplaceAllString(raw, "")
	task = priorityRe.ReplaceAllString(task, "")
	task = emptyWrap.ReplaceAllString(task, "")
	task = strings.Trim(strings.Join(strings.Fields(task), " "), " -:,")
	if task == "" {
		return domain.ActionItem{}, false
	}

	status := domain.ActionPending
	switch {
	case checked:
		status = domain.ActionDone
	case assignee != "" && strings.EqualFold(assignee, opts.Operator):
		assignee = opts.Operator
		status = domain.ActionTodo
	}
	return domain.ActionItem{
		ID:        ItemID(opts.Source, task),
		Task:      task,
		Assignee:  assignee,
		Status:    status,
		Source:    opts.Source,
		Priority:  priority,
		CreatedAt: opts.Now,
		UpdatedAt: opts.Now,
	}, true
}

// ItemID is stable for a given source and task text.
func ItemID(source, task string) string {
	u := uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"|"+task))
	return "ai-" + strings.ReplaceAll(u.String(), "-", "")[:12]
}
