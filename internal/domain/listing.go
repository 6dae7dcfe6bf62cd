package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PropertyKind partitions the whole pipeline: rental and sale listings with
// the same finnkode are distinct records and never share storage.
type PropertyKind int

const (
	KindRental PropertyKind = iota
	KindSale
)

func (k PropertyKind) String() string {
	switch k {
	case KindRental:
		return "rental"
	case KindSale:
		return "sale"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (PropertyKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rental", "rent", "lettings":
		return KindRental, nil
	case "sale", "sales", "homes":
		return KindSale, nil
	}
	return KindRental, fmt.Errorf("unknown property kind %q", s)
}

// Key is the primary key of a listing across the whole store.
type Key struct {
	Kind     PropertyKind
	Finnkode string
}

// Listing is one property listing extracted from an alert email or a master
// list. Pointer fields are unknown-until-computed: a sale alert usually has no
// price, coordinates appear only after geocoding, distance only after the
// Distance Matrix call.
type Listing struct {
	Finnkode          string
	Kind              PropertyKind
	Title             string
	Address           string // raw address as extracted
	NormalizedAddress string // set by geocoding
	Price             string // e.g. "12500 kr"; "" when the alert omits it
	Size              string // e.g. "45 m²"
	Link              string // canonical listing URL (or tracking URL if decode failed)

	Lat             *float64
	Lng             *float64
	DistanceMinutes *float64

	// Fingerprint of the run config the distance was computed under.
	// Distance values are only trusted while this matches the current config.
	Fingerprint string

	FirstSeenAt time.Time // immutable once set
	LastSeenAt  time.Time
	IsAmbiguous bool
}

func (l *Listing) Key() Key {
	return Key{Kind: l.Kind, Finnkode: l.Finnkode}
}

func (l *Listing) HasCoords() bool {
	return l.Lat != nil && l.Lng != nil
}

func (l *Listing) HasDistance() bool {
	return l.DistanceMinutes != nil
}

// PriceNOK parses the cleaned integer value out of a price string like
// "13 000 kr". The bool is false for empty or unparseable prices.
func (l *Listing) PriceNOK() (int, bool) {
	return CleanPrice(l.Price)
}

// SizeSqm parses the numeric square meters out of a size string like "45 m²".
func (l *Listing) SizeSqm() (float64, bool) {
	s := strings.TrimSpace(l.Size)
	s = strings.TrimSuffix(s, "m²")
	s = strings.TrimSuffix(s, "m2")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CleanPrice turns "13 000 kr" (spaces may be non-breaking) into 13000.
func CleanPrice(price string) (int, bool) {
	s := strings.ToLower(strings.TrimSpace(price))
	if s == "" || s == "unknown" {
		return 0, false
	}
	s = strings.ReplaceAll(s, "kr", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, " ", "")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

// ComputeFingerprint derives the run-config fingerprint that guards cached
// distance values. Geocoding is deliberately NOT part of it: an address maps
// to the same coordinates no matter where work is.
func ComputeFingerprint(workLat, workLng float64, maxTransitMinutes int, kind PropertyKind) string {
	base := fmt.Sprintf("%.6f|%.6f|%d|%s", workLat, workLng, maxTransitMinutes, kind)
	sum := sha1.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}

func Float(v float64) *float64 { return &v }
