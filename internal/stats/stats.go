// Package stats aggregates the idea status map into dashboard figures.
package stats

import (
	"fmt"
	"time"

	"nexus/internal/domain"
)

type Stats struct {
	Total          int            `json:"total"`
	Counts         map[string]int `json:"counts"`
	ApprovalRate   float64        `json:"approvalRate"`
	AvgTimeToShip  string         `json:"avgTimeToShip"`
	SuccessRate    float64        `json:"successRate"`
	CompletionRate float64        `json:"completionRate"`
	Reviewed       int            `json:"reviewed"`
	Queue          map[string]int `json:"queue"`
}

// Compute derives Stats from the status map and, when given, the queue.
func Compute(entries map[string]domain.StatusEntry, queue []domain.QueueBrief) Stats {
	s := Stats{
		Total:  len(entries),
		Counts: map[string]int{},
		Queue:  map[string]int{},
	}
	var (
		success   int
		shipTotal time.Duration
		shipCount int
	)
	for _, e := range entries {
		s.Counts[e.Status]++
		if e.ReviewOutcome != "" {
			s.Reviewed++
			if e.ReviewOutcome == "success" {
				success++
			}
		}
		if e.ShippedAt == "" || e.ApprovedAt == "" {
			continue
		}
		approved, err1 := time.Parse(time.RFC3339, e.ApprovedAt)
		shipped, err2 := time.Parse(time.RFC3339, e.ShippedAt)
		if err1 != nil || err2 != nil || shipped.Before(approved) {
			continue
		}
		shipTotal += shipped.Sub(approved)
		shipCount++
	}
	for _, q := range queue {
		s.Queue[q.Status]++
	}

	c := s.Counts
	s.ApprovalRate = ratio(c[domain.IdeaApproved], c[domain.IdeaNew]+c[domain.IdeaApproved]+c[domain.IdeaRejected]+c[domain.IdeaParked])
	s.SuccessRate = ratio(success, s.Reviewed)
	s.CompletionRate = ratio(c[domain.IdeaShipped]+c[domain.IdeaReview],
		c[domain.IdeaApproved]+c[domain.IdeaSpecced]+c[domain.IdeaBuilding]+c[domain.IdeaShipped]+c[domain.IdeaReview])
	if shipCount == 0 {
		s.AvgTimeToShip = "n/a"
	} else {
		s.AvgTimeToShip = FormatDuration(shipTotal / time.Duration(shipCount))
	}
	return s
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// FormatDuration renders d as "Nd Mh", "Nh Mm" or "Nm".
func FormatDuration(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	minutes := int(d % time.Hour / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
