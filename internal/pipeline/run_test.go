package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finnwatch-engine/internal/config"
	"finnwatch-engine/internal/domain"
	"finnwatch-engine/internal/geo"
	"finnwatch-engine/internal/notify"
	email_scrape "finnwatch-engine/internal/scrape/email"
	"finnwatch-engine/internal/store"
)

type fakeGeocoder struct {
	calls      int
	candidates map[string][]geo.Candidate
}

func (f *fakeGeocoder) Geocode(_ context.Context, address string) ([]geo.Candidate, error) {
	f.calls++
	return f.candidates[address], nil
}

func oneHit(lat, lng float64, formatted string) []geo.Candidate {
	return []geo.Candidate{{Location: geo.LatLng{Lat: lat, Lng: lng}, Formatted: formatted}}
}

func twoHits(a, b geo.LatLng) []geo.Candidate {
	return []geo.Candidate{{Location: a}, {Location: b}}
}

type fakeDistance struct {
	calls   int
	minutes float64
}

func (f *fakeDistance) TransitMinutes(_ context.Context, _, _ geo.LatLng) (float64, error) {
	f.calls++
	return f.minutes, nil
}

type fakeMail struct {
	msgs []email_scrape.EmailMessage
}

func (f *fakeMail) FetchAlerts(_ context.Context) ([]email_scrape.EmailMessage, error) {
	return f.msgs, nil
}

type captureNotifier struct {
	last *notify.Summary
}

func (c *captureNotifier) Notify(_ context.Context, s notify.Summary) error {
	c.last = &s
	return nil
}

func rentalCard(finnkode, title, address, extra string) string {
	return fmt.Sprintf(`<div class="sf-ad-card">
  <a href="https://www.finn.no/realestate/lettings/ad.html?finnkode=%s"><h3>%s</h3></a>
  <div class="secondary-text">%s</div>
  <div>%s</div>
</div>`, finnkode, title, address, extra)
}

func rawAlert(messageID, subject string, cards ...string) email_scrape.EmailMessage {
	body := "<html><body>"
	for _, c := range cards {
		body += c
	}
	body += "</body></html>"
	raw := fmt.Sprintf(
		"Message-Id: <%s>\r\nSubject: %s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s",
		messageID, subject, body)
	return email_scrape.EmailMessage{Subject: subject, RawMessage: []byte(raw)}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	cfg.App.DataDir = t.TempDir()
	cfg.App.OutputDir = t.TempDir()
	cfg.Email.Reprocess = true
	cfg.Work.Lat, cfg.Work.Lng = 59.899, 10.627
	cfg.MaxTransitMinutes = 60
	cfg.Kinds.Rental.Enabled = true
	cfg.Kinds.Rental.SubjectAny = []string{"leie"}
	cfg.Kinds.Sale.SubjectAny = []string{"eie"}
	cfg.APILimits.Geocoding = 100
	cfg.APILimits.Distance = 500
	cfg.APILimits.Places = 200
	cfg.APILimits.WarnPercent = 80
	return cfg
}

func openDB(t *testing.T, cfg config.Config) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(cfg.App.DataDir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db.Pool))
	return db
}

func TestSecondRunMakesZeroAPICalls(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Thereses gate 4, 0452 Oslo"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(59.927, 10.732, "Thereses gate 4, 0452 Oslo, Norway"),
	}}
	dist := &fakeDistance{minutes: 38}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m1@finn.no", "Nye annonser: leie", rentalCard("358713290", "Lys 2-roms", addr, "13 000 kr · 45 m²")),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}

	s1, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s1.NewRecords)
	assert.Equal(t, 1, gc.calls)
	assert.Equal(t, 1, dist.calls)

	// same config, same email: the record is classified unchanged and the
	// run must not spend a single API call
	s2, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s2.Unchanged)
	assert.Equal(t, 0, s2.NewRecords)
	assert.Equal(t, 1, gc.calls, "no geocode on unchanged record")
	assert.Equal(t, 1, dist.calls, "no distance call on unchanged record")
}

func TestFingerprintChangeRecomputesDistanceOnly(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Thereses gate 4, 0452 Oslo"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(59.927, 10.732, "Thereses gate 4, 0452 Oslo, Norway"),
	}}
	dist := &fakeDistance{minutes: 38}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m1@finn.no", "Nye annonser: leie", rentalCard("358713290", "Lys 2-roms", addr, "13 000 kr")),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	// commute threshold changed: coordinates are reused, distance redone
	r.Cfg.MaxTransitMinutes = 45
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, gc.calls, "address did not move, no new geocode")
	assert.Equal(t, 2, dist.calls)
}

func TestAmbiguousAddressIsParkedAndExcluded(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Storgata 1"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: twoHits(geo.LatLng{Lat: 59.9, Lng: 10.7}, geo.LatLng{Lat: 63.4, Lng: 10.4}),
	}}
	dist := &fakeDistance{minutes: 20}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m2@finn.no", "Nye annonser: leie", rentalCard("100000001", "Koselig hybel", addr, "9 000 kr")),
	}}
	sink := &captureNotifier{}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail, Notifier: sink}
	s, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, s.Ambiguous)
	assert.Equal(t, 0, dist.calls, "ambiguous records never reach the distance stage")

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok := part.Get("100000001")
	require.True(t, ok)
	assert.True(t, l.IsAmbiguous)
	assert.False(t, l.HasCoords())

	_, err = os.Stat(store.AmbiguousLogPath(cfg.App.OutputDir, domain.KindRental))
	assert.NoError(t, err, "ambiguous review log written")

	require.NotNil(t, sink.last)
	require.Len(t, sink.last.Kinds, 1)
	assert.Empty(t, sink.last.Kinds[0].Filtered, "ambiguous record kept out of the report")

	// next run without retry_ambiguous: still parked, still no API spend
	before := gc.calls
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, gc.calls)
}

func TestRetryAmbiguousReGeocodes(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Storgata 1"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: twoHits(geo.LatLng{Lat: 59.9, Lng: 10.7}, geo.LatLng{Lat: 63.4, Lng: 10.4}),
	}}
	dist := &fakeDistance{minutes: 20}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m3@finn.no", "Nye annonser: leie", rentalCard("100000002", "Hybel", addr, "")),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, gc.calls)

	// operator fixed the listing upstream: geocoder now yields one hit
	gc.candidates[addr] = oneHit(59.927, 10.732, "Storgata 1, 0155 Oslo, Norway")
	r.Cfg.Resolver.RetryAmbiguous = true

	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, gc.calls, "retry opt-in geocodes again")

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok := part.Get("100000002")
	require.True(t, ok)
	assert.False(t, l.IsAmbiguous)
	assert.True(t, l.HasCoords())
}

func TestBudgetHardStopBlocksRemainingCalls(t *testing.T) {
	cfg := testConfig(t)
	cfg.APILimits.Geocoding = 1
	db := openDB(t, cfg)

	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		"Adresse 1, Oslo": oneHit(59.91, 10.73, ""),
		"Adresse 2, Oslo": oneHit(59.92, 10.74, ""),
	}}
	dist := &fakeDistance{minutes: 25}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m4@finn.no", "Nye annonser: leie",
			rentalCard("100000011", "Leilighet A", "Adresse 1, Oslo", "12 000 kr"),
			rentalCard("100000012", "Leilighet B", "Adresse 2, Oslo", "14 000 kr"),
		),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	s, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, gc.calls, "hard limit allows exactly N calls")
	assert.Equal(t, 1, s.GeocodeCalls)

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	withCoords := 0
	for _, l := range part.All() {
		if l.HasCoords() {
			withCoords++
		}
	}
	assert.Equal(t, 1, withCoords, "blocked record keeps its pre-call state")
}

func TestHaversinePrefilterSkipsDistanceCall(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Munkegata 1, Trondheim"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(63.430, 10.395, ""),
	}}
	dist := &fakeDistance{minutes: 240}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m5@finn.no", "Nye annonser: leie", rentalCard("100000021", "Leilighet i Trondheim", addr, "10 000 kr")),
	}}
	sink := &captureNotifier{}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail, Notifier: sink}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, dist.calls, "straight-line distance already rules it out")

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok := part.Get("100000021")
	require.True(t, ok)
	require.True(t, l.HasDistance())
	assert.Greater(t, *l.DistanceMinutes, float64(cfg.MaxTransitMinutes))

	require.NotNil(t, sink.last)
	assert.Empty(t, sink.last.Kinds[0].Filtered)
}

func TestFailedGeocodeRetriedOnceEmailLeavesLedger(t *testing.T) {
	cfg := testConfig(t)
	cfg.Email.Reprocess = false
	db := openDB(t, cfg)

	addr := "Nyveien 12, Oslo"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{}}
	dist := &fakeDistance{minutes: 31}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m6@finn.no", "Nye annonser: leie", rentalCard("100000031", "Nybygg", addr, "15 000 kr")),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, gc.calls)
	require.Equal(t, 0, dist.calls)

	// the geocoder comes back healthy; the email itself is ledgered and
	// never re-parsed, the stored record alone must drive the retry
	gc.candidates[addr] = oneHit(59.93, 10.71, "Nyveien 12, 0123 Oslo, Norway")
	s2, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, s2.Extracted, "email consumed by the ledger")
	assert.Equal(t, 2, gc.calls, "stored record retried without re-reading the email")
	assert.Equal(t, 1, dist.calls)

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok := part.Get("100000031")
	require.True(t, ok)
	assert.True(t, l.HasCoords())
	assert.True(t, l.HasDistance())
}

func TestThresholdChangeRecomputesStoredRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.Email.Reprocess = false
	db := openDB(t, cfg)

	addr := "Thereses gate 4, 0452 Oslo"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(59.927, 10.732, ""),
	}}
	dist := &fakeDistance{minutes: 38}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m7@finn.no", "Nye annonser: leie", rentalCard("100000041", "2-roms", addr, "13 000 kr")),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, dist.calls)

	// the commute threshold moves between runs; the email stays ledgered
	// but the stored record's distance was computed under old settings
	r.Cfg.MaxTransitMinutes = 45
	s2, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, s2.Extracted)
	assert.Equal(t, 1, s2.Recomputed)
	assert.Equal(t, 1, gc.calls, "coordinates reused")
	assert.Equal(t, 2, dist.calls, "distance redone under the new settings")
}

func TestBudgetBlockedRecordCompletesOnNextRun(t *testing.T) {
	cfg := testConfig(t)
	cfg.Email.Reprocess = false
	cfg.APILimits.Geocoding = 1
	db := openDB(t, cfg)

	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		"Adresse 1, Oslo": oneHit(59.91, 10.73, ""),
		"Adresse 2, Oslo": oneHit(59.92, 10.74, ""),
	}}
	dist := &fakeDistance{minutes: 25}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m8@finn.no", "Nye annonser: leie",
			rentalCard("100000051", "Leilighet A", "Adresse 1, Oslo", "12 000 kr"),
			rentalCard("100000052", "Leilighet B", "Adresse 2, Oslo", "14 000 kr"),
		),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, gc.calls)

	// fresh budget next run: the blocked record finishes without its email
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, gc.calls)

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	for _, l := range part.All() {
		assert.True(t, l.HasCoords(), "finnkode %s", l.Finnkode)
		assert.True(t, l.HasDistance(), "finnkode %s", l.Finnkode)
	}
}

func TestLedgerKeyStableWithoutMessageIDHeader(t *testing.T) {
	cfg := testConfig(t)
	cfg.Email.Reprocess = false
	db := openDB(t, cfg)

	addr := "Thereses gate 4, 0452 Oslo"
	body := "<html><body>" + rentalCard("100000061", "Hybel", addr, "9 000 kr") + "</body></html>"
	raw := fmt.Sprintf("Subject: Nye annonser: leie\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s", body)
	msg := email_scrape.EmailMessage{UID: 7, Subject: "Nye annonser: leie", RawMessage: []byte(raw)}

	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(59.927, 10.732, ""),
	}}
	dist := &fakeDistance{minutes: 20}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{msg}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	s1, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, s1.Extracted)

	// same message, new UID, as after a mailbox rebuild
	mail.msgs[0].UID = 99
	s2, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, s2.Extracted, "ledger key does not depend on the UID")
	assert.Equal(t, 1, gc.calls)
}

func TestGeocodePopulatesNormalizedAddress(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Thereses gate 4"
	formatted := "Thereses gate 4, 0452 Oslo, Norway"
	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(59.927, 10.732, formatted),
	}}
	dist := &fakeDistance{minutes: 38}
	mail := &fakeMail{msgs: []email_scrape.EmailMessage{
		rawAlert("m9@finn.no", "Nye annonser: leie", rentalCard("100000071", "2-roms", addr, "13 000 kr")),
	}}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist, Mail: mail}
	_, err := r.RunOnce(context.Background())
	require.NoError(t, err)

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok := part.Get("100000071")
	require.True(t, ok)
	assert.Equal(t, formatted, l.NormalizedAddress, "provider's normalized form persisted")

	// cache hit path carries it too: a second record with the same raw
	// address gets the normalized form without a new API call
	mail.msgs = []email_scrape.EmailMessage{
		rawAlert("m10@finn.no", "Nye annonser: leie", rentalCard("100000072", "3-roms", addr, "18 000 kr")),
	}
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, gc.calls)

	part, err = store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l2, ok := part.Get("100000072")
	require.True(t, ok)
	assert.Equal(t, formatted, l2.NormalizedAddress)
}

func TestMasterListMergeFillsOnlyNullFields(t *testing.T) {
	cfg := testConfig(t)
	db := openDB(t, cfg)

	addr := "Kantorveien 5, 1410 Kolbotn"
	master := filepath.Join(cfg.App.DataDir, "master_rental.csv")
	require.NoError(t, os.WriteFile(master, []byte(
		"URL;Title;Address;Size;Price\n"+
			"https://www.finn.no/realestate/lettings/ad.html?finnkode=200000001;Rekkehus;"+addr+";90 m²;17 000 kr\n",
	), 0o644))
	cfg.Kinds.Rental.MasterLists = []string{master}

	gc := &fakeGeocoder{candidates: map[string][]geo.Candidate{
		addr: oneHit(59.81, 10.80, ""),
	}}
	dist := &fakeDistance{minutes: 52}

	r := &Runner{Cfg: cfg, DB: db, Geocoder: gc, Distance: dist}
	s, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, s.NewRecords)
	assert.Equal(t, 1, gc.calls)

	part, err := store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok := part.Get("200000001")
	require.True(t, ok)
	firstSeen := l.FirstSeenAt

	// second run: master row merges into the existing record without
	// regressing anything
	_, err = r.RunOnce(context.Background())
	require.NoError(t, err)

	part, err = store.LoadPartition(store.PartitionPath(cfg.App.OutputDir, domain.KindRental), domain.KindRental)
	require.NoError(t, err)
	l, ok = part.Get("200000001")
	require.True(t, ok)
	assert.Equal(t, firstSeen.UTC(), l.FirstSeenAt.UTC(), "first_seen_at survives master re-merge")
	assert.Equal(t, "17 000 kr", l.Price)
	assert.Equal(t, 1, gc.calls, "merge does not trigger new API calls")
}
