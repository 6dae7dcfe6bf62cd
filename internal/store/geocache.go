package store

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

// GeocodeEntry is a cached address resolution. Coordinates are independent of
// the run-config fingerprint, so a cache hit survives work-location and
// commute-threshold changes. Candidates > 1 records an ambiguous address
// without spending another API call on it.
type GeocodeEntry struct {
	Address    string
	Lat        float64
	Lng        float64
	Candidates int
	Formatted  string
	FetchedAt  time.Time
}

func cacheKey(address string) string {
	return strings.ToLower(strings.Join(strings.Fields(address), " "))
}

func LookupGeocode(ctx context.Context, db *sql.DB, address string) (GeocodeEntry, bool, error) {
	var e GeocodeEntry
	var fetched string
	err := db.QueryRowContext(ctx, `
SELECT address, lat, lng, candidates, formatted, fetched_at
FROM geocode_cache
WHERE address = ?
LIMIT 1;`, cacheKey(address)).Scan(&e.Address, &e.Lat, &e.Lng, &e.Candidates, &e.Formatted, &fetched)
	if err == sql.ErrNoRows {
		return GeocodeEntry{}, false, nil
	}
	if err != nil {
		return GeocodeEntry{}, false, err
	}
	e.FetchedAt, _ = time.Parse(time.RFC3339, fetched)
	return e, true, nil
}

func PutGeocode(ctx context.Context, db *sql.DB, address string, e GeocodeEntry, now time.Time) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO geocode_cache (address, lat, lng, candidates, formatted, fetched_at)
VALUES (?,?,?,?,?,?)
ON CONFLICT(address) DO UPDATE SET
  lat = excluded.lat,
  lng = excluded.lng,
  candidates = excluded.candidates,
  formatted = excluded.formatted,
  fetched_at = excluded.fetched_at;`,
		cacheKey(address), e.Lat, e.Lng, e.Candidates, e.Formatted,
		now.UTC().Format(time.RFC3339))
	return err
}

// DeleteGeocode drops a cache entry, used when an ambiguous address is retried.
func DeleteGeocode(ctx context.Context, db *sql.DB, address string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM geocode_cache WHERE address = ?;`, cacheKey(address))
	return err
}
