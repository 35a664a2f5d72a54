package daytable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func summaryOrdered(t *testing.T, s *Summary) {
	t.Helper()
	for i := 1; i < len(s.Rows); i++ {
		assert.True(t, rowLess(&s.Rows[i-1], &s.Rows[i]),
			"rows %d,%d out of order", i-1, i)
	}
}

func TestSummaryOrderingInvariant(t *testing.T) {
	s := &Summary{Kind: SummaryFullEvents}
	s.AddDayRows(100, []SummaryRow{
		{DayTimestamp: 100, Identifier: 0},
		{DayTimestamp: 100, Identifier: 1},
	})
	s.AddDayRows(300, []SummaryRow{{DayTimestamp: 300, Identifier: 0}})
	s.AddDayRows(200, []SummaryRow{{DayTimestamp: 200, Identifier: 0}})

	require.Equal(t, 4, s.RowCount())
	// Day descending, identifier ascending within a day.
	row, _ := s.GetSummaryRow(0)
	assert.Equal(t, int64(300), row.DayTimestamp)
	row, _ = s.GetSummaryRow(3)
	assert.Equal(t, int64(100), row.DayTimestamp)
	assert.Equal(t, int64(1), row.Identifier)
	summaryOrdered(t, s)
}

func TestSummaryReplaceDay(t *testing.T) {
	s := &Summary{Kind: SummaryFullEvents}
	s.AddDayRows(100, []SummaryRow{
		{DayTimestamp: 100, Identifier: 0},
		{DayTimestamp: 100, Identifier: 1},
		{DayTimestamp: 100, Identifier: 2},
	})
	s.AddDayRows(200, []SummaryRow{{DayTimestamp: 200, Identifier: 0}})

	// Re-adding a day replaces it wholesale, here shrinking it.
	s.AddDayRows(100, []SummaryRow{{DayTimestamp: 100, Identifier: 0}})
	assert.Equal(t, 2, s.RowCount())
	summaryOrdered(t, s)

	s.RemoveDayRows(200)
	assert.Equal(t, 1, s.RowCount())
	row, _ := s.GetSummaryRow(0)
	assert.Equal(t, int64(100), row.DayTimestamp)

	s.RemoveDayRows(999) // absent day is a no-op
	assert.Equal(t, 1, s.RowCount())
}

func TestSummaryAddRowMovesAcrossDays(t *testing.T) {
	s := &Summary{Kind: SummaryConversations}
	s.AddRow(SummaryRow{DayTimestamp: 100, Identifier: 7})
	s.AddRow(SummaryRow{DayTimestamp: 100, Identifier: 8})

	// The conversation's latest activity moved to a newer day.
	s.AddRow(SummaryRow{DayTimestamp: 200, Identifier: 7, PhotoCount: 4})
	require.Equal(t, 2, s.RowCount())
	assert.Equal(t, 0, s.FindRow(7))
	row, _ := s.GetSummaryRow(0)
	assert.Equal(t, int64(200), row.DayTimestamp)
	assert.Equal(t, 4, row.PhotoCount)
	summaryOrdered(t, s)

	s.RemoveRow(8)
	assert.Equal(t, -1, s.FindRow(8))
	assert.Equal(t, 1, s.RowCount())
}

func TestSummaryNormalizeWeights(t *testing.T) {
	s := &Summary{Kind: SummaryFullEvents}
	s.AddDayRows(100, []SummaryRow{
		{DayTimestamp: 100, Identifier: 0, PhotoCount: 100, ContributorCount: 5},
		{DayTimestamp: 100, Identifier: 1, PhotoCount: 10},
		{DayTimestamp: 100, Identifier: 2, PhotoCount: 1},
	})
	s.Normalize(&StubEnv{}, nil)

	w0, w1, w2 := s.Rows[0].Weight, s.Rows[1].Weight, s.Rows[2].Weight
	assert.Greater(t, w0, w1, "more photos and contributors outweigh")
	assert.Greater(t, w1, w2)
	assert.Equal(t, 0.0, w2, "single-photo row normalizes to zero")
	// Row 0 saturates both the photo and contributor columns.
	f := summaryWeights[SummaryFullEvents]
	assert.InDelta(t, f.Photo+f.Contributor, w0, 1e-9)

	assert.Equal(t, 111, s.PhotoCount)
}

func TestSummaryHolidayBoost(t *testing.T) {
	s := &Summary{Kind: SummaryFullEvents}
	s.AddDayRows(100, []SummaryRow{{DayTimestamp: 100, Identifier: 0, PhotoCount: 10}})
	s.AddDayRows(200, []SummaryRow{{DayTimestamp: 200, Identifier: 0, PhotoCount: 10}})
	s.Normalize(&StubEnv{}, map[int64]string{100: "Thanksgiving"})

	var holiday, plain SummaryRow
	for _, r := range s.Rows {
		if r.DayTimestamp == 100 {
			holiday = r
		} else {
			plain = r
		}
	}
	assert.InDelta(t, plain.Weight*holidayWeightBoost, holiday.Weight, 1e-9)
}

func TestSummaryPositionsAndHeights(t *testing.T) {
	env := &StubEnv{}
	s := &Summary{Kind: SummaryEvents}
	s.AddDayRows(100, []SummaryRow{
		{DayTimestamp: 100, Identifier: 0},
		{DayTimestamp: 100, Identifier: 1},
	})
	s.Normalize(env, nil)

	assert.Equal(t, summaryPrefixInset, s.Rows[0].Position)
	assert.Equal(t, env.EventRowHeight(nil), s.Rows[0].Height)
	assert.Equal(t, s.Rows[0].Position+s.Rows[0].Height, s.Rows[1].Position)
	want := summaryPrefixInset + s.Rows[0].Height + s.Rows[1].Height + env.SummarySuffixHeight()
	assert.Equal(t, want, s.TotalHeight)
}

func TestSummaryUnviewedBonus(t *testing.T) {
	s := &Summary{Kind: SummaryConversations}
	s.AddRow(SummaryRow{DayTimestamp: 100, Identifier: 1, PhotoCount: 10})
	s.AddRow(SummaryRow{DayTimestamp: 100, Identifier: 2, PhotoCount: 10, Unviewed: true})
	s.Normalize(&StubEnv{}, nil)

	i1, i2 := s.FindRow(1), s.FindRow(2)
	assert.InDelta(t, summaryWeights[SummaryConversations].UnviewedBonus,
		s.Rows[i2].Weight-s.Rows[i1].Weight, 1e-9)
	assert.Equal(t, 1, s.UnviewedCount)
}
