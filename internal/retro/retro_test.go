package retro

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/domain"
)

const sample = `# Sprint 12 retro

## What went well
- shipped the cache

## Action Items
- [ ] @PJ tighten the deploy checklist (HIGH)
- [x] @sam rotate the staging keys
- @lee document the rollback flow LOW
- [ ] nobody owns this yet

### Notes
- still inside the section

## Next time
- not an action item
`

func TestParse(t *testing.T) {
	items := Parse([]byte(sample), Options{Source: "retro-12.md", Operator: "pj", Now: "2025-03-14T09:30:00Z"})
	require.Len(t, items, 5)

	assert.Equal(t, "tighten the deploy checklist", items[0].Task)
	assert.Equal(t, "pj", items[0].Assignee, "operator handles take the configured spelling")
	assert.Equal(t, "HIGH", items[0].Priority)
	assert.Equal(t, domain.ActionTodo, items[0].Status)

	assert.Equal(t, "rotate the staging keys", items[1].Task)
	assert.Equal(t, domain.ActionDone, items[1].Status)

	assert.Equal(t, "document the rollback flow", items[2].Task)
	assert.Equal(t, "LOW", items[2].Priority)
	assert.Equal(t, domain.ActionPending, items[2].Status)

	assert.Equal(t, "", items[3].Assignee)
	assert.Equal(t, domain.ActionPending, items[3].Status)

	assert.Equal(t, "still inside the section", items[4].Task)
	for _, it := range items {
		assert.Equal(t, "retro-12.md", it.Source)
		assert.Regexp(t, `^ai-[0-9a-f]{12}$`, it.ID)
	}
}

func TestParseAssigneePunctuation(t *testing.T) {
	doc := "## Action items\n- [ ] check the alerts with @pj.\n- [ ] rotate keys, owner @sam_, asap\n- [ ] @lee-ann drafts the notes\n"
	items := Parse([]byte(doc), Options{Source: "r.md", Operator: "PJ"})
	require.Len(t, items, 3)

	assert.Equal(t, "PJ", items[0].Assignee)
	assert.Equal(t, domain.ActionTodo, items[0].Status)
	assert.Equal(t, "check the alerts with", items[0].Task)

	assert.Equal(t, "sam", items[1].Assignee)
	assert.Equal(t, domain.ActionPending, items[1].Status)

	assert.Equal(t, "lee-ann", items[2].Assignee)
}

func TestItemIDStable(t *testing.T) {
	assert.Equal(t, ItemID("a.md", "task"), ItemID("a.md", "task"))
	assert.NotEqual(t, ItemID("a.md", "task"), ItemID("b.md", "task"))
}

func TestParseWithoutSection(t *testing.T) {
	assert.Empty(t, Parse([]byte("# Retro\n- just a list\n"), Options{}))
}
