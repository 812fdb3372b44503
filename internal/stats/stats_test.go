package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"nexus/internal/domain"
)

func TestComputeEmpty(t *testing.T) {
	s := Compute(nil, nil)
	assert.Zero(t, s.Total)
	assert.Zero(t, s.ApprovalRate)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.CompletionRate)
	assert.Equal(t, "n/a", s.AvgTimeToShip)
}

func TestComputeRates(t *testing.T) {
	entries := map[string]domain.StatusEntry{
		"a.md": {Status: domain.IdeaNew},
		"b.md": {Status: domain.IdeaApproved},
		"c.md": {Status: domain.IdeaRejected},
		"d.md": {Status: domain.IdeaParked},
		"e.md": {Status: domain.IdeaShipped, ApprovedAt: "2025-03-01T00:00:00Z", ShippedAt: "2025-03-03T06:00:00Z"},
		"f.md": {Status: domain.IdeaReview, ReviewOutcome: "success", ApprovedAt: "2025-03-01T00:00:00Z", ShippedAt: "2025-03-01T06:00:00Z"},
		"g.md": {Status: domain.IdeaBuilding, ReviewOutcome: "failed"},
	}
	queue := []domain.QueueBrief{{Status: domain.QueueQueued}, {Status: domain.QueueQueued}, {Status: domain.QueueShipped}}
	s := Compute(entries, queue)

	assert.Equal(t, 7, s.Total)
	assert.InDelta(t, 0.25, s.ApprovalRate, 1e-9)
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
	assert.Equal(t, 2, s.Reviewed)
	// (shipped+review)/(approved+specced+building+shipped+review) = 2/4
	assert.InDelta(t, 0.5, s.CompletionRate, 1e-9)
	// mean of 54h and 6h
	assert.Equal(t, "1d 6h", s.AvgTimeToShip)
	assert.Equal(t, 2, s.Queue[domain.QueueQueued])
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "2d 3h", FormatDuration(51*time.Hour+20*time.Minute))
	assert.Equal(t, "3h 15m", FormatDuration(3*time.Hour+15*time.Minute))
	assert.Equal(t, "42m", FormatDuration(42*time.Minute))
	assert.Equal(t, "0m", FormatDuration(10*time.Second))
}
