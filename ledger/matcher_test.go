package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/warp/mixing-engine/ledger"
)

func reservation(id, material, reserved, linked string) ledger.Reservation {
	return ledger.Reservation{
		ID:               ledger.ReservationID(id),
		TaskID:           "task-1",
		MaterialName:     material,
		ReservedQuantity: d(reserved),
		LinkedQuantity:   d(linked),
		Source:           ledger.SourceStandard,
	}
}

func ids(rs []ledger.Reservation) []ledger.ReservationID {
	out := make([]ledger.ReservationID, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestNamesMatch(t *testing.T) {
	tests := []struct {
		name       string
		ingredient string
		material   string
		want       bool
	}{
		{"exact", "Citric Acid", "Citric Acid", true},
		{"case insensitive", "citric acid", "CITRIC ACID", true},
		{"material contains ingredient", "RAWGW-SWEET", "RAWGW-SWEET 25kg", true},
		{"different suffix", "RAWGW-SWEET", "RAWGW-BITTER 25kg", false},
		{"ingredient contains material", "Sugar fine 25kg", "sugar", true},
		{"normalized separators", "rawgw_sweet", "RAWGW-SWEET", true},
		{"normalized whitespace", "citricacid", "Citric Acid 1kg", true},
		{"empty ingredient", "", "Citric Acid", false},
		{"blank ingredient", "   ", "Citric Acid", false},
		{"empty material", "Citric Acid", "", false},
		{"unrelated", "Glycerin", "Citric Acid", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ledger.NamesMatch(tt.ingredient, tt.material))
		})
	}
}

func TestMatchCandidates_RAWGW(t *testing.T) {
	// GIVEN: a sweet and a bitter reservation
	reservations := []ledger.Reservation{
		reservation("r-sweet", "RAWGW-SWEET 25kg", "25", "0"),
		reservation("r-bitter", "RAWGW-BITTER 25kg", "25", "0"),
	}

	// WHEN: matching the sweet ingredient
	got := ledger.MatchCandidates("RAWGW-SWEET", reservations, nil)

	// THEN: only the sweet batch is offered
	assert.Equal(t, []ledger.ReservationID{"r-sweet"}, ids(got))
}

func TestMatchCandidates_Filters(t *testing.T) {
	reservations := []ledger.Reservation{
		reservation("r-virtual", "Citric Acid", "12", "12"), // snapshot, not matchable
		reservation("r-linked", "Citric Acid", "10", "2"),   // already linked to ingredient
		reservation("r-free", "Citric Acid", "10", "4"),
		reservation("r-other", "Glycerin", "10", "0"),
		reservation("r-over", "Citric Acid", "3", "5"), // drifted, nothing available
	}

	got := ledger.MatchCandidates("citric acid", reservations, []ledger.ReservationID{"r-linked"})

	assert.Equal(t, []ledger.ReservationID{"r-free"}, ids(got))
}

func TestMatchCandidates_StableInputOrder(t *testing.T) {
	reservations := []ledger.Reservation{
		reservation("r-3", "Citric Acid B", "1", "0"),
		reservation("r-1", "Citric Acid A", "1", "0"),
		reservation("r-2", "Citric Acid C", "1", "0"),
	}

	got := ledger.MatchCandidates("Citric Acid", reservations, nil)

	assert.Equal(t, []ledger.ReservationID{"r-3", "r-1", "r-2"}, ids(got))
}

func TestMatchCandidates_EmptyIngredientNeverMatches(t *testing.T) {
	reservations := []ledger.Reservation{reservation("r-1", "Citric Acid", "1", "0")}

	assert.Empty(t, ledger.MatchCandidates("", reservations, nil))
}

func TestVirtualFromLinks(t *testing.T) {
	links := []ledger.Link{
		{ID: "l-1", TaskID: "task-1", ReservationID: "r-1", LinkedQuantity: d("4"), Snapshot: ledger.BatchSnapshot{BatchNumber: "B1", MaterialName: "Citric Acid", Unit: "kg"}},
		{ID: "l-2", TaskID: "task-1", ReservationID: "r-1", LinkedQuantity: d("2.5")},
		{ID: "l-3", TaskID: "task-1", ReservationID: "r-2", LinkedQuantity: d("1"), Snapshot: ledger.BatchSnapshot{BatchNumber: "B2"}},
	}

	virtual := ledger.VirtualFromLinks("task-1", links)

	assert.Len(t, virtual, 2)
	for _, r := range virtual {
		assert.True(t, r.IsVirtual(), "reservation %s", r.ID)
		assert.True(t, r.Available().IsZero())
	}
	assert.Equal(t, "B1", virtual[0].BatchNumber)
	assert.True(t, virtual[0].ReservedQuantity.Equal(decimal.RequireFromString("6.5")))
	assert.Empty(t, ledger.MatchCandidates("Citric Acid", virtual, nil), "snapshots never matchable")
}
