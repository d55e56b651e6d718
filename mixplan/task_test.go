package mixplan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/mixing-engine/ledger"
	"github.com/warp/mixing-engine/mixplan"
)

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in    string
		value string
		unit  string
	}{
		{"12 kg", "12", "kg"},
		{"2,5 l", "2.5", "l"},
		{"0.25kg", "0.25", "kg"},
		{"  7 ", "7", ""},
		{"100 %", "100", "%"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			q, err := mixplan.ParseQuantity(tt.in)
			require.NoError(t, err)
			assert.True(t, q.Value.Equal(d(tt.value)), "value %s", q.Value)
			assert.Equal(t, tt.unit, q.Unit)
		})
	}
}

func TestParseQuantity_Rejects(t *testing.T) {
	for _, in := range []string{"", "kg", "a pinch", "-3 kg", "1.2.3 kg"} {
		_, err := mixplan.ParseQuantity(in)
		assert.ErrorIs(t, err, ledger.ErrValidation, "input %q", in)
	}
}

func TestParseHeaderDetails(t *testing.T) {
	q, err := mixplan.ParseHeaderDetails("Run 3: 120 pcs")
	require.NoError(t, err)
	assert.True(t, q.Value.Equal(d("120")))
	assert.Equal(t, "pcs", q.Unit)

	q, err = mixplan.ParseHeaderDetails("batch of 40")
	require.NoError(t, err)
	assert.True(t, q.Value.Equal(d("40")))

	_, err = mixplan.ParseHeaderDetails("no numbers")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestHeaders_Ordering(t *testing.T) {
	early := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	timed := &mixplan.ProductionTask{MixingPlan: []mixplan.MixingPlanItem{
		{ID: "a", Kind: mixplan.KindHeader, CreatedAt: &late},
		{ID: "b", Kind: mixplan.KindHeader, CreatedAt: &early},
	}}
	assert.Equal(t, []string{"b", "a"}, headerIDs(timed.Headers()))

	untimed := &mixplan.ProductionTask{MixingPlan: []mixplan.MixingPlanItem{
		{ID: "b", Kind: mixplan.KindHeader},
		{ID: "a", Kind: mixplan.KindHeader, CreatedAt: &early},
	}}
	assert.Equal(t, []string{"a", "b"}, headerIDs(untimed.Headers()))
}

func headerIDs(items []mixplan.MixingPlanItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	return ids
}

func TestValidatePlan(t *testing.T) {
	valid := citricTask()
	require.NoError(t, valid.ValidatePlan())

	orphan := citricTask()
	orphan.MixingPlan = append(orphan.MixingPlan, mixplan.MixingPlanItem{ID: "x", Kind: mixplan.KindCheck, ParentID: "missing"})
	assert.ErrorIs(t, orphan.ValidatePlan(), ledger.ErrValidation)

	duplicate := citricTask()
	duplicate.MixingPlan = append(duplicate.MixingPlan, mixplan.MixingPlanItem{ID: "h1", Kind: mixplan.KindHeader})
	assert.ErrorIs(t, duplicate.ValidatePlan(), ledger.ErrValidation)

	unknown := citricTask()
	unknown.MixingPlan[2].Kind = "note"
	assert.ErrorIs(t, unknown.ValidatePlan(), ledger.ErrValidation)
}

func TestClone_IsDeep(t *testing.T) {
	original := citricTask()
	clone := original.Clone()

	clone.MixingPlan[1].Quantity = "1 kg"
	clone.Materials[0].Name = "changed"
	*clone.MixingPlan[0].CreatedAt = time.Time{}

	assert.Equal(t, "12 kg", original.MixingPlan[1].Quantity)
	assert.Equal(t, "Citric Acid", original.Materials[0].Name)
	assert.False(t, original.MixingPlan[0].CreatedAt.IsZero())
}
