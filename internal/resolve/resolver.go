// Package resolve classifies extracted listing drafts against the persisted
// partition so the pipeline only spends API calls where something changed.
package resolve

import (
	"time"

	"finnwatch-engine/internal/domain"
)

type Classification int

const (
	// New: never seen under this (kind, finnkode); full geocode + distance.
	New Classification = iota
	// Unchanged: known record, distance computed under the current run
	// config. No API calls at all; only last_seen_at is bumped.
	Unchanged
	// NeedsRecompute: known record but the work anchor or commute threshold
	// changed since the distance was computed. Coordinates are reused
	// (the address didn't move); only the distance call is repeated.
	NeedsRecompute
	// RetryGeocode: known record without usable coordinates, from an
	// earlier geocode failure or an ambiguity being retried.
	RetryGeocode
)

func (c Classification) String() string {
	switch c {
	case New:
		return "new"
	case Unchanged:
		return "unchanged"
	case NeedsRecompute:
		return "needs_recompute"
	case RetryGeocode:
		return "retry_geocode"
	default:
		return "unknown"
	}
}

type Resolver struct {
	// Fingerprint of the current run config (work anchor, max commute, kind).
	Fingerprint string
	// RetryAmbiguous re-geocodes records previously flagged ambiguous.
	// Off by default: an ambiguous address stays parked in the review log
	// until the operator either fixes it or opts into a retry.
	RetryAmbiguous bool

	Now func() time.Time
}

// Classify decides what the pipeline owes an observed record. existing is the
// stored record for the draft's key, or nil when the key is absent.
func (r *Resolver) Classify(existing *domain.Listing) Classification {
	if existing == nil {
		return New
	}
	if existing.IsAmbiguous {
		if r.RetryAmbiguous {
			return RetryGeocode
		}
		return Unchanged
	}
	if !existing.HasCoords() {
		return RetryGeocode
	}
	if existing.HasDistance() && existing.Fingerprint == r.Fingerprint {
		return Unchanged
	}
	return NeedsRecompute
}

// Observe stamps the timestamps a draft needs before it is merged into the
// partition: first_seen_at only when the record is genuinely new.
func (r *Resolver) Observe(l *domain.Listing, c Classification) {
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	if c == New && l.FirstSeenAt.IsZero() {
		l.FirstSeenAt = now
	}
	l.LastSeenAt = now
}
