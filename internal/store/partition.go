package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"finnwatch-engine/internal/domain"
)

// ErrCorrupt marks a partition file that could not be parsed. The caller must
// abort before any write so the last-good file survives.
var ErrCorrupt = errors.New("partition file corrupt")

// partitionColumns is the v1 on-disk schema. On load, unknown columns are
// ignored and missing columns fall back to explicit defaults, so older files
// keep loading after schema growth.
var partitionColumns = []string{
	"title", "address", "normalized_address", "price", "size", "link", "finnkode",
	"latitude", "longitude", "distance_minutes",
	"first_seen_at", "last_seen_at", "is_ambiguous", "fingerprint",
}

// Partition is the in-memory record set of one property kind. Loaded whole at
// run start, mutated in memory by a single writer, persisted atomically.
type Partition struct {
	Kind domain.PropertyKind
	Path string

	records map[string]*domain.Listing
	order   []string // finnkodes in insertion order, for stable output
}

func PartitionPath(outputDir string, kind domain.PropertyKind) string {
	return filepath.Join(outputDir, fmt.Sprintf("listings_%s.csv", kind))
}

// LoadPartition reads the partition file. A missing file is an empty
// partition; an unreadable or malformed one is ErrCorrupt.
func LoadPartition(path string, kind domain.PropertyKind) (*Partition, error) {
	p := &Partition{
		Kind:    kind,
		Path:    path,
		records: make(map[string]*domain.Listing),
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if len(rows) == 0 {
		return p, nil
	}

	colIdx := map[string]int{}
	for i, name := range rows[0] {
		colIdx[name] = i
	}
	if _, ok := colIdx["finnkode"]; !ok {
		return nil, fmt.Errorf("%w: %s: missing finnkode column", ErrCorrupt, path)
	}

	field := func(row []string, name string) string {
		i, ok := colIdx[name]
		if !ok || i >= len(row) {
			return "" // column absent in this file version: default
		}
		return row[i]
	}

	for n, row := range rows[1:] {
		l := domain.Listing{
			Kind:              kind,
			Title:             field(row, "title"),
			Address:           field(row, "address"),
			NormalizedAddress: field(row, "normalized_address"),
			Price:             field(row, "price"),
			Size:              field(row, "size"),
			Link:              field(row, "link"),
			Finnkode:          field(row, "finnkode"),
		}
		if l.Finnkode == "" {
			return nil, fmt.Errorf("%w: %s: row %d has empty finnkode", ErrCorrupt, path, n+2)
		}

		l.Lat = parseFloatPtr(field(row, "latitude"))
		l.Lng = parseFloatPtr(field(row, "longitude"))
		l.DistanceMinutes = parseFloatPtr(field(row, "distance_minutes"))
		l.Fingerprint = field(row, "fingerprint")
		l.IsAmbiguous = field(row, "is_ambiguous") == "true"

		if ts := field(row, "first_seen_at"); ts != "" {
			t, err := time.Parse(time.RFC3339, ts)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: row %d bad first_seen_at %q", ErrCorrupt, path, n+2, ts)
			}
			l.FirstSeenAt = t
		}
		if ts := field(row, "last_seen_at"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				l.LastSeenAt = t
			}
		}

		p.insert(&l)
	}

	return p, nil
}

func (p *Partition) insert(l *domain.Listing) {
	if _, ok := p.records[l.Finnkode]; !ok {
		p.order = append(p.order, l.Finnkode)
	}
	p.records[l.Finnkode] = l
}

func (p *Partition) Get(finnkode string) (*domain.Listing, bool) {
	l, ok := p.records[finnkode]
	return l, ok
}

func (p *Partition) Len() int { return len(p.records) }

// Upsert merges l into the partition. An existing record keeps every non-null
// field and its first_seen_at; a new record is inserted as-is. Returns the
// stored record and whether it was newly created.
func (p *Partition) Upsert(l domain.Listing) (*domain.Listing, bool) {
	l.Kind = p.Kind
	existing, ok := p.records[l.Finnkode]
	if !ok {
		cp := l
		p.insert(&cp)
		return &cp, true
	}
	domain.MergeListing(existing, l)
	return existing, false
}

// All returns the records in insertion order.
func (p *Partition) All() []domain.Listing {
	out := make([]domain.Listing, 0, len(p.records))
	for _, k := range p.order {
		out = append(out, *p.records[k])
	}
	return out
}

// SaveAtomic writes the partition to a temp file next to the target and
// renames it into place, so a reader never sees a half-written file.
func (p *Partition) SaveAtomic() error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return err
	}

	tmp := p.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := csv.NewWriter(f)
	if err := w.Write(partitionColumns); err != nil {
		_ = f.Close()
		return err
	}

	for _, k := range p.order {
		l := p.records[k]
		row := []string{
			l.Title, l.Address, l.NormalizedAddress, l.Price, l.Size, l.Link, l.Finnkode,
			formatFloatPtr(l.Lat), formatFloatPtr(l.Lng), formatFloatPtr(l.DistanceMinutes),
			formatTime(l.FirstSeenAt), formatTime(l.LastSeenAt),
			strconv.FormatBool(l.IsAmbiguous), l.Fingerprint,
		}
		if err := w.Write(row); err != nil {
			_ = f.Close()
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return os.Rename(tmp, p.Path)
}

func parseFloatPtr(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
