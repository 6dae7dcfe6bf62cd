// Package pipeline runs one end-to-end batch: fetch alert emails, extract
// listings, resolve identity against the partitions, geocode and compute
// commute times under the API budget, persist, filter, notify.
package pipeline

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"finnwatch-engine/internal/budget"
	"finnwatch-engine/internal/config"
	"finnwatch-engine/internal/domain"
	"finnwatch-engine/internal/geo"
	"finnwatch-engine/internal/notify"
	"finnwatch-engine/internal/report"
	"finnwatch-engine/internal/resolve"
	email_scrape "finnwatch-engine/internal/scrape/email"
	"finnwatch-engine/internal/store"
)

// MailSource is the mail side of the pipeline; the IMAP fetcher implements
// it, tests feed canned messages.
type MailSource interface {
	FetchAlerts(ctx context.Context) ([]email_scrape.EmailMessage, error)
}

type Runner struct {
	Cfg      config.Config
	DB       *store.DB
	Geocoder geo.Geocoder
	Distance geo.DistanceEstimator
	Mail     MailSource
	Notifier notify.Notifier

	Now func() time.Time
}

// kindRun is the in-memory state for one partition during a run.
type kindRun struct {
	kind     domain.PropertyKind
	part     *store.Partition
	resolver *resolve.Resolver
	// pending maps finnkode to the work the resolver decided the record is
	// owed this run. Unchanged records never enter.
	pending map[string]resolve.Classification
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// RunOnce executes one batch run. The returned summary is also persisted to
// the run history table. Only store and config level failures are fatal;
// per-record trouble is logged and skipped.
func (r *Runner) RunOnce(ctx context.Context) (store.RunSummary, error) {
	started := r.now()
	summary := store.RunSummary{
		ID:        uuid.NewString(),
		StartedAt: started,
	}

	kinds := r.Cfg.EnabledKinds()
	if len(kinds) == 0 {
		return summary, errors.New("no property kind enabled")
	}

	tracker := budget.NewTracker(budget.Limits{
		Geocoding:   r.Cfg.APILimits.Geocoding,
		Distance:    r.Cfg.APILimits.Distance,
		Places:      r.Cfg.APILimits.Places,
		WarnPercent: r.Cfg.APILimits.WarnPercent,
	})

	runs := make(map[domain.PropertyKind]*kindRun, len(kinds))
	for _, k := range kinds {
		path := store.PartitionPath(r.Cfg.App.OutputDir, k)
		part, err := store.LoadPartition(path, k)
		if err != nil {
			// corrupt partitions abort before any write
			return summary, fmt.Errorf("load partition %s: %w", k, err)
		}
		runs[k] = &kindRun{
			kind: k,
			part: part,
			resolver: &resolve.Resolver{
				Fingerprint:    r.Cfg.Fingerprint(k),
				RetryAmbiguous: r.Cfg.Resolver.RetryAmbiguous,
				Now:            r.Now,
			},
			pending: map[string]resolve.Classification{},
		}
		log.Printf("[run] loaded partition %s: %d records", k, part.Len())
	}

	r.ingestEmails(ctx, runs, kinds, &summary)
	r.mergeMasterLists(runs, kinds, &summary)
	for _, k := range kinds {
		r.sweepStored(runs[k], &summary)
	}

	for _, k := range kinds {
		r.geocodeAndMeasure(ctx, runs[k], tracker, &summary)
	}
	for _, cat := range []budget.Category{budget.CategoryGeocoding, budget.CategoryDistance} {
		if tracker.Exhausted(cat) {
			log.Printf("[budget] %s limit reached, remaining records retry next run", cat)
		}
	}

	for _, k := range kinds {
		if err := runs[k].part.SaveAtomic(); err != nil {
			return summary, fmt.Errorf("save partition %s: %w", k, err)
		}
		log.Printf("[run] saved partition %s: %d records", k, runs[k].part.Len())
	}

	summary.GeocodeCalls = tracker.Calls(budget.CategoryGeocoding)
	summary.DistanceCalls = tracker.Calls(budget.CategoryDistance)
	summary.PlacesCalls = tracker.Calls(budget.CategoryPlaces)
	summary.FinishedAt = r.now()
	tracker.LogSummary()

	if r.DB != nil {
		if err := store.InsertRunSummary(ctx, r.DB.Pool, summary); err != nil {
			log.Printf("[run] persist run summary: %v", err)
		}
	}

	r.notifyResults(ctx, runs, kinds, summary)

	return summary, nil
}

func (r *Runner) ingestEmails(ctx context.Context, runs map[domain.PropertyKind]*kindRun, kinds []domain.PropertyKind, summary *store.RunSummary) {
	if r.Mail == nil {
		return
	}
	msgs, err := r.Mail.FetchAlerts(ctx)
	if err != nil {
		// master lists and recomputation still run without mail
		log.Printf("[email] fetch failed, continuing without new emails: %v", err)
		return
	}

	for _, m := range msgs {
		messageID, htmlBody, subject := email_scrape.ParseRawMessage(m.RawMessage, m.Subject)
		if messageID == "" {
			// UIDs are only stable within one UIDVALIDITY epoch, so the
			// ledger keys a headerless message by its content instead
			messageID = fmt.Sprintf("sha1:%x", sha1.Sum(m.RawMessage))
		}

		kind, ok := r.kindForSubject(subject, kinds)
		if !ok {
			continue
		}
		summary.EmailsRead++

		if !r.Cfg.Email.Reprocess && r.DB != nil {
			done, err := store.EmailProcessed(ctx, r.DB.Pool, messageID)
			if err != nil {
				log.Printf("[email] ledger lookup %s: %v", messageID, err)
			} else if done {
				continue
			}
		}

		drafts, err := email_scrape.ParseFinnAlertHTML(htmlBody)
		if err != nil {
			log.Printf("[extract] parse %s: %v", messageID, err)
			continue
		}
		summary.Extracted += len(drafts)

		kr := runs[kind]
		for _, d := range drafts {
			r.ingestDraft(kr, d, summary)
		}

		if r.DB != nil {
			if err := store.MarkEmailProcessed(ctx, r.DB.Pool, messageID, kind.String(), r.now()); err != nil {
				log.Printf("[email] ledger insert %s: %v", messageID, err)
			}
		}
	}
}

func (r *Runner) ingestDraft(kr *kindRun, d email_scrape.FinnListing, summary *store.RunSummary) {
	if d.Finnkode == "" {
		log.Printf("[extract] no finnkode in %s, skipping", d.Link)
		return
	}

	var existing *domain.Listing
	if e, ok := kr.part.Get(d.Finnkode); ok {
		existing = e
	}
	class := kr.resolver.Classify(existing)

	l := domain.Listing{
		Finnkode: d.Finnkode,
		Kind:     kr.kind,
		Title:    d.Title,
		Address:  d.Address,
		Price:    d.Price,
		Size:     d.Size,
		Link:     d.Link,
	}
	kr.resolver.Observe(&l, class)
	kr.part.Upsert(l)

	switch class {
	case resolve.New:
		summary.NewRecords++
	case resolve.Unchanged:
		summary.Unchanged++
	case resolve.NeedsRecompute:
		summary.Recomputed++
	}

	if class != resolve.Unchanged {
		if _, dup := kr.pending[d.Finnkode]; !dup {
			kr.pending[d.Finnkode] = class
		}
	}
}

// sweepStored queues stored records that still owe work: missing coordinates,
// missing distance, or a distance computed under other run settings. The email
// ledger keeps consumed messages from re-observing these records, so the sweep
// is what carries geocode retries and fingerprint recomputes across runs.
func (r *Runner) sweepStored(kr *kindRun, summary *store.RunSummary) {
	queued := 0
	for _, row := range kr.part.All() {
		if _, seen := kr.pending[row.Finnkode]; seen {
			continue
		}
		l, _ := kr.part.Get(row.Finnkode)
		class := kr.resolver.Classify(l)
		if class == resolve.Unchanged {
			continue
		}
		kr.pending[l.Finnkode] = class
		if class == resolve.NeedsRecompute {
			summary.Recomputed++
		}
		queued++
	}
	if queued > 0 {
		log.Printf("[resolve] %s: %d stored records still owe geocode or distance work", kr.kind, queued)
	}
}

func (r *Runner) mergeMasterLists(runs map[domain.PropertyKind]*kindRun, kinds []domain.PropertyKind, summary *store.RunSummary) {
	for _, k := range kinds {
		kr := runs[k]
		for _, path := range r.Cfg.Kind(k).MasterLists {
			rows, err := store.ReadMasterList(path, k, email_scrape.Finnkode)
			if err != nil {
				log.Printf("[master] read %s: %v", path, err)
				continue
			}
			for _, l := range rows {
				var existing *domain.Listing
				if e, ok := kr.part.Get(l.Finnkode); ok {
					existing = e
				}
				class := kr.resolver.Classify(existing)
				kr.resolver.Observe(&l, class)
				kr.part.Upsert(l)
				if class == resolve.New {
					summary.NewRecords++
				}
				if class != resolve.Unchanged {
					if _, dup := kr.pending[l.Finnkode]; !dup {
						kr.pending[l.Finnkode] = class
					}
				}
			}
			log.Printf("[master] merged %d rows from %s into %s", len(rows), path, k)
		}
	}
}

// geocodeAndMeasure works through the pending records of one partition:
// coordinates first (cache, then the Geocoding API), then the transit time
// to the work anchor (haversine prefilter, then the Distance Matrix API).
func (r *Runner) geocodeAndMeasure(ctx context.Context, kr *kindRun, tracker *budget.Tracker, summary *store.RunSummary) {
	work := geo.LatLng{Lat: r.Cfg.Work.Lat, Lng: r.Cfg.Work.Lng}

	for _, row := range kr.part.All() {
		class, ok := kr.pending[row.Finnkode]
		if !ok {
			continue
		}
		l, _ := kr.part.Get(row.Finnkode)

		if class != resolve.NeedsRecompute {
			r.ensureCoords(ctx, kr, l, class, tracker, summary)
		}

		if l.IsAmbiguous || !l.HasCoords() {
			continue
		}

		origin := geo.LatLng{Lat: *l.Lat, Lng: *l.Lng}
		if km := geo.Haversine(origin, work); km > float64(r.Cfg.MaxTransitMinutes) {
			// even at 60 km/h straight-line this is out of range;
			// don't spend a Distance Matrix call to prove it
			l.DistanceMinutes = domain.Float(km)
			l.Fingerprint = kr.resolver.Fingerprint
			log.Printf("[distance] %s is %.0f km out, skipping matrix call", l.Finnkode, km)
			continue
		}

		if err := tracker.Take(budget.CategoryDistance); err != nil {
			continue // pre-call state kept, next run retries
		}
		mins, err := r.Distance.TransitMinutes(ctx, origin, work)
		if err != nil {
			log.Printf("[distance] %s: %v", l.Finnkode, err)
			continue
		}
		l.DistanceMinutes = &mins
		l.Fingerprint = kr.resolver.Fingerprint
	}
}

func (r *Runner) ensureCoords(ctx context.Context, kr *kindRun, l *domain.Listing, class resolve.Classification, tracker *budget.Tracker, summary *store.RunSummary) {
	if l.Address == "" {
		log.Printf("[geocode] %s has no address, skipping", l.Finnkode)
		return
	}

	retryingAmbiguous := class == resolve.RetryGeocode && l.IsAmbiguous
	if retryingAmbiguous {
		l.IsAmbiguous = false
		if r.DB != nil {
			if err := store.DeleteGeocode(ctx, r.DB.Pool, l.Address); err != nil {
				log.Printf("[geocode] drop cached entry for %s: %v", l.Finnkode, err)
			}
		}
	}

	if r.DB != nil && !retryingAmbiguous {
		entry, hit, err := store.LookupGeocode(ctx, r.DB.Pool, l.Address)
		if err != nil {
			log.Printf("[geocode] cache lookup %s: %v", l.Finnkode, err)
		} else if hit {
			if entry.Candidates > 1 {
				r.flagAmbiguous(kr, l, entry.Candidates, summary)
				return
			}
			l.Lat, l.Lng = domain.Float(entry.Lat), domain.Float(entry.Lng)
			if entry.Formatted != "" {
				l.NormalizedAddress = entry.Formatted
			}
			return
		}
	}

	if err := tracker.Take(budget.CategoryGeocoding); err != nil {
		return
	}
	cands, err := r.Geocoder.Geocode(ctx, l.Address)
	if err != nil {
		log.Printf("[geocode] %s: %v", l.Finnkode, err)
		return
	}

	switch len(cands) {
	case 0:
		// address didn't resolve; left null, retried next run
		log.Printf("[geocode] %s: no result for %q", l.Finnkode, l.Address)
	case 1:
		loc := cands[0].Location
		l.Lat, l.Lng = domain.Float(loc.Lat), domain.Float(loc.Lng)
		if cands[0].Formatted != "" {
			l.NormalizedAddress = cands[0].Formatted
		}
		if r.DB != nil {
			err := store.PutGeocode(ctx, r.DB.Pool, l.Address, store.GeocodeEntry{
				Lat: loc.Lat, Lng: loc.Lng, Candidates: 1, Formatted: cands[0].Formatted,
			}, r.now())
			if err != nil {
				log.Printf("[geocode] cache put %s: %v", l.Finnkode, err)
			}
		}
	default:
		if r.DB != nil {
			err := store.PutGeocode(ctx, r.DB.Pool, l.Address, store.GeocodeEntry{
				Candidates: len(cands),
			}, r.now())
			if err != nil {
				log.Printf("[geocode] cache put %s: %v", l.Finnkode, err)
			}
		}
		r.flagAmbiguous(kr, l, len(cands), summary)
	}
}

func (r *Runner) flagAmbiguous(kr *kindRun, l *domain.Listing, candidates int, summary *store.RunSummary) {
	if l.IsAmbiguous {
		return
	}
	l.IsAmbiguous = true
	summary.Ambiguous++
	path := store.AmbiguousLogPath(r.Cfg.App.OutputDir, kr.kind)
	if err := store.AppendAmbiguous(path, *l, "multiple geocode candidates", candidates, r.now()); err != nil {
		log.Printf("[geocode] append ambiguous log: %v", err)
	}
	log.Printf("[geocode] %s ambiguous: %d candidates for %q", l.Finnkode, candidates, l.Address)
}

func (r *Runner) notifyResults(ctx context.Context, runs map[domain.PropertyKind]*kindRun, kinds []domain.PropertyKind, summary store.RunSummary) {
	if r.Notifier == nil {
		return
	}

	out := notify.Summary{
		RunID:      summary.ID,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
	}
	for _, k := range kinds {
		kr := runs[k]
		eligible := make([]domain.Listing, 0, kr.part.Len())
		for _, l := range kr.part.All() {
			if l.IsAmbiguous || !l.HasDistance() {
				continue
			}
			if l.Fingerprint != kr.resolver.Fingerprint {
				continue
			}
			if *l.DistanceMinutes > float64(r.Cfg.MaxTransitMinutes) {
				continue
			}
			eligible = append(eligible, l)
		}
		filtered := report.Apply(eligible, report.ForKind(r.Cfg.Report.Filters, k))
		report.Sort(filtered, report.SortForKind(r.Cfg.Report.SortBy, k))

		out.Kinds = append(out.Kinds, notify.KindSummary{
			Kind:        k,
			Filtered:    filtered,
			Attachments: []string{store.PartitionPath(r.Cfg.App.OutputDir, k)},
		})
	}

	if err := r.Notifier.Notify(ctx, out); err != nil {
		log.Printf("[notify] delivery failed: %v", err)
	}
}

func (r *Runner) kindForSubject(subject string, kinds []domain.PropertyKind) (domain.PropertyKind, bool) {
	for _, k := range kinds {
		if email_scrape.MatchesSubject(subject, r.Cfg.Kind(k).SubjectAny) {
			return k, true
		}
	}
	return domain.KindRental, false
}
