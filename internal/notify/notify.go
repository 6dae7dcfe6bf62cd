// Package notify delivers the end-of-run summary. Delivery failures are
// logged and never fail the run; the merged partitions are already on disk
// by the time a notifier sees them.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"finnwatch-engine/internal/domain"
)

// Summary is what a run hands to the notifier: the filtered rows per kind
// plus the partition files they came from.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	Kinds []KindSummary
}

type KindSummary struct {
	Kind     domain.PropertyKind
	Filtered []domain.Listing
	// Attachments are partition/report files produced this run, delivered
	// as-is alongside the summary body.
	Attachments []string
}

func (s Summary) TotalFiltered() int {
	n := 0
	for _, k := range s.Kinds {
		n += len(k.Filtered)
	}
	return n
}

type Notifier interface {
	Notify(ctx context.Context, s Summary) error
}

// LogNotifier prints the summary to the log. Used for dry runs and as the
// fallback when notification is disabled or misconfigured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, s Summary) error {
	log.Printf("[notify] run %s: %d listings within commute range", s.RunID, s.TotalFiltered())
	for _, k := range s.Kinds {
		log.Printf("[notify]   %s: %d listings", k.Kind, len(k.Filtered))
		for _, l := range k.Filtered {
			line := l.Title
			if l.Price != "" {
				line = fmt.Sprintf("%s (%s)", line, l.Price)
			}
			if l.DistanceMinutes != nil {
				line = fmt.Sprintf("%s %.0f min", line, *l.DistanceMinutes)
			}
			log.Printf("[notify]     %s %s", l.Finnkode, line)
		}
	}
	return nil
}
