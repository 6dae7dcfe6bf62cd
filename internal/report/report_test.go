package report

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finnwatch-engine/internal/config"
	"finnwatch-engine/internal/domain"
)

func row(finnkode, price string, distance float64) domain.Listing {
	return domain.Listing{
		Finnkode:        finnkode,
		Kind:            domain.KindRental,
		Title:           "Leilighet " + finnkode,
		Address:         "Storgata 1, Oslo",
		Price:           price,
		Size:            "50 m²",
		Link:            "https://www.finn.no/realestate/lettings/ad.html?finnkode=" + finnkode,
		DistanceMinutes: domain.Float(distance),
	}
}

func TestApplyNumericConditions(t *testing.T) {
	rows := []domain.Listing{
		row("100000001", "12 000 kr", 30),
		row("100000002", "19 500 kr", 30),
		row("100000003", "", 30),
	}
	filters := []config.Condition{
		{Column: "price", Op: "<=", Value: 15000},
	}

	got := Apply(rows, filters)
	require.Len(t, got, 1, "missing price fails a numeric comparison")
	assert.Equal(t, "100000001", got[0].Finnkode)
}

func TestApplyOrGroup(t *testing.T) {
	rows := []domain.Listing{
		row("100000001", "12 000 kr", 30),
		row("100000002", "19 500 kr", 55),
		row("100000003", "25 000 kr", 70),
	}
	filters := []config.Condition{
		{Or: []config.Condition{
			{Column: "price", Op: "<=", Value: 15000},
			{Column: "distance_minutes", Op: "<=", Value: 60},
		}},
	}

	got := Apply(rows, filters)
	require.Len(t, got, 2)
	assert.Equal(t, "100000001", got[0].Finnkode)
	assert.Equal(t, "100000002", got[1].Finnkode)
}

func TestApplyIsEmptyAndContains(t *testing.T) {
	withPrice := row("100000001", "12 000 kr", 30)
	noPrice := row("100000002", "", 30)
	rows := []domain.Listing{withPrice, noPrice}

	got := Apply(rows, []config.Condition{{Column: "price", Op: "is_empty", Value: true}})
	require.Len(t, got, 1)
	assert.Equal(t, "100000002", got[0].Finnkode)

	got = Apply(rows, []config.Condition{{Column: "address", Op: "contains", Value: "storgata"}})
	assert.Len(t, got, 2)
}

func TestUnknownColumnOrOpIsSkipped(t *testing.T) {
	rows := []domain.Listing{row("100000001", "12 000 kr", 30)}

	got := Apply(rows, []config.Condition{{Column: "bedrooms", Op: "<=", Value: 3}})
	assert.Len(t, got, 1)

	got = Apply(rows, []config.Condition{{Column: "price", Op: "between", Value: 3}})
	assert.Len(t, got, 1)
}

func TestForKindDropsPriceConditionsForSale(t *testing.T) {
	filters := []config.Condition{
		{Column: "price", Op: "<=", Value: 15000},
		{Column: "distance_minutes", Op: "<=", Value: 60},
		{Or: []config.Condition{
			{Column: "price", Op: "is_empty", Value: true},
			{Column: "size", Op: ">=", Value: 40},
		}},
		{Or: []config.Condition{
			{Column: "price", Op: "<=", Value: 10000},
		}},
	}

	sale := ForKind(filters, domain.KindSale)
	require.Len(t, sale, 2)
	assert.Equal(t, "distance_minutes", sale[0].Column)
	require.Len(t, sale[1].Or, 1)
	assert.Equal(t, "size", sale[1].Or[0].Column)

	rental := ForKind(filters, domain.KindRental)
	assert.Len(t, rental, 4, "rental filters untouched")
}

func TestSortMultiColumnMissingLast(t *testing.T) {
	a := row("100000001", "15 000 kr", 40)
	b := row("100000002", "12 000 kr", 40)
	c := row("100000003", "12 000 kr", 20)
	d := row("100000004", "10 000 kr", 0)
	d.DistanceMinutes = nil

	rows := []domain.Listing{a, b, c, d}
	Sort(rows, []config.SortSpec{
		{Column: "distance_minutes", Ascending: true},
		{Column: "price", Ascending: true},
	})

	assert.Equal(t, "100000003", rows[0].Finnkode)
	assert.Equal(t, "100000002", rows[1].Finnkode)
	assert.Equal(t, "100000001", rows[2].Finnkode)
	assert.Equal(t, "100000004", rows[3].Finnkode, "missing distance sorts last")
}

func TestSortForKind(t *testing.T) {
	specs := []config.SortSpec{
		{Column: "price", Ascending: true},
		{Column: "distance_minutes", Ascending: true},
	}
	assert.Len(t, SortForKind(specs, domain.KindSale), 1)
	assert.Len(t, SortForKind(specs, domain.KindRental), 2)
}
