// Package report applies the config-driven filter and sort rules to a merged
// partition before it is handed to the notifier.
package report

import (
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"finnwatch-engine/internal/config"
	"finnwatch-engine/internal/domain"
)

// ForKind returns the filter set effective for one partition. Sale alerts
// carry no price, so price-based conditions are stripped for the sale kind
// instead of silently filtering everything out.
func ForKind(filters []config.Condition, kind domain.PropertyKind) []config.Condition {
	if kind != domain.KindSale {
		return filters
	}
	return dropPriceConditions(filters)
}

func dropPriceConditions(filters []config.Condition) []config.Condition {
	out := make([]config.Condition, 0, len(filters))
	for _, f := range filters {
		if len(f.Or) > 0 {
			kept := dropPriceConditions(f.Or)
			if len(kept) > 0 {
				out = append(out, config.Condition{Or: kept})
			}
			continue
		}
		if f.Column == "price" {
			continue
		}
		out = append(out, f)
	}
	return out
}

// SortForKind strips price sort keys for sale partitions, mirroring ForKind.
func SortForKind(specs []config.SortSpec, kind domain.PropertyKind) []config.SortSpec {
	if kind != domain.KindSale {
		return specs
	}
	out := make([]config.SortSpec, 0, len(specs))
	for _, s := range specs {
		if s.Column == "price" {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Apply keeps the rows matching every top-level filter (AND across the list,
// OR within a group).
func Apply(rows []domain.Listing, filters []config.Condition) []domain.Listing {
	if len(filters) == 0 {
		return rows
	}
	out := make([]domain.Listing, 0, len(rows))
	for i := range rows {
		if matchesAll(&rows[i], filters) {
			out = append(out, rows[i])
		}
	}
	return out
}

func matchesAll(l *domain.Listing, filters []config.Condition) bool {
	for _, f := range filters {
		if !evalFilter(l, f) {
			return false
		}
	}
	return true
}

func evalFilter(l *domain.Listing, f config.Condition) bool {
	if len(f.Or) > 0 {
		for _, alt := range f.Or {
			if evalFilter(l, alt) {
				return true
			}
		}
		return false
	}
	return evalCondition(l, f)
}

func evalCondition(l *domain.Listing, c config.Condition) bool {
	cell, ok := cellString(l, c.Column)
	if !ok {
		log.Printf("[report] unknown filter column %q, skipping condition", c.Column)
		return true
	}

	empty := strings.TrimSpace(cell) == ""
	switch c.Op {
	case "is_empty":
		return empty == asBool(c.Value)
	case "is_not_empty":
		return !empty == asBool(c.Value)
	}
	if empty {
		// missing values fail every comparison
		return false
	}

	switch c.Op {
	case "<=", ">=", "<", ">":
		a, aok := cellFloat(l, c.Column)
		b, bok := asFloat(c.Value)
		if !aok || !bok {
			return false
		}
		switch c.Op {
		case "<=":
			return a <= b
		case ">=":
			return a >= b
		case "<":
			return a < b
		default:
			return a > b
		}
	case "==", "!=":
		eq := cellEquals(l, c.Column, cell, c.Value)
		if c.Op == "==" {
			return eq
		}
		return !eq
	case "contains":
		return strings.Contains(strings.ToLower(cell), strings.ToLower(asString(c.Value)))
	case "startswith":
		return strings.HasPrefix(strings.ToLower(cell), strings.ToLower(asString(c.Value)))
	default:
		log.Printf("[report] unknown filter op %q, skipping condition", c.Op)
		return true
	}
}

func cellEquals(l *domain.Listing, col, cell string, value interface{}) bool {
	if a, aok := cellFloat(l, col); aok {
		if b, bok := asFloat(value); bok {
			return a == b
		}
	}
	return strings.EqualFold(strings.TrimSpace(cell), strings.TrimSpace(asString(value)))
}

// Sort orders rows by the configured keys in turn. Rows missing a sort value
// always land after rows that have one, whatever the direction.
func Sort(rows []domain.Listing, specs []config.SortSpec) {
	if len(specs) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, s := range specs {
			cmp := compareCell(&rows[i], &rows[j], s.Column)
			if cmp == 0 {
				continue
			}
			if s.Ascending {
				return cmp < 0
			}
			return cmp > 0
		}
		return false
	})
}

func compareCell(a, b *domain.Listing, col string) int {
	av, aok := sortValue(a, col)
	bv, bok := sortValue(b, col)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return 1 // missing sorts last
	case !bok:
		return -1
	}
	if af, afok := av.(float64); afok {
		bf := bv.(float64)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(strings.ToLower(av.(string)), strings.ToLower(bv.(string)))
}

// sortValue yields a float64 for numeric columns and a string otherwise.
// ok is false when the row has no value for the column.
func sortValue(l *domain.Listing, col string) (interface{}, bool) {
	if f, ok := cellFloat(l, col); ok {
		return f, true
	}
	s, ok := cellString(l, col)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, false
	}
	return s, true
}

func cellString(l *domain.Listing, col string) (string, bool) {
	switch col {
	case "title":
		return l.Title, true
	case "address":
		if l.NormalizedAddress != "" {
			return l.NormalizedAddress, true
		}
		return l.Address, true
	case "price":
		return l.Price, true
	case "size":
		return l.Size, true
	case "link":
		return l.Link, true
	case "finnkode":
		return l.Finnkode, true
	case "latitude":
		return floatCell(l.Lat), true
	case "longitude":
		return floatCell(l.Lng), true
	case "distance_minutes":
		return floatCell(l.DistanceMinutes), true
	default:
		return "", false
	}
}

func cellFloat(l *domain.Listing, col string) (float64, bool) {
	switch col {
	case "price":
		v, ok := l.PriceNOK()
		return float64(v), ok
	case "size":
		return l.SizeSqm()
	case "latitude":
		if l.Lat == nil {
			return 0, false
		}
		return *l.Lat, true
	case "longitude":
		if l.Lng == nil {
			return 0, false
		}
		return *l.Lng, true
	case "distance_minutes":
		if l.DistanceMinutes == nil {
			return 0, false
		}
		return *l.DistanceMinutes, true
	case "finnkode":
		v, err := strconv.ParseFloat(l.Finnkode, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	default:
		return 0, false
	}
}

func floatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func asFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case nil:
		// bare `op: is_empty` means "must be empty"
		return true
	default:
		return false
	}
}
