package daytable

import (
	"math"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/viewfinderco/daytable/keys"
)

// SummaryKind tags the four ranked projections served to the UI.
type SummaryKind byte

const (
	SummaryEvents        SummaryKind = 'e'
	SummaryFullEvents    SummaryKind = 'f'
	SummaryConversations SummaryKind = 'c'
	SummaryUnviewed      SummaryKind = 'u'
)

func summaryKey(kind SummaryKind) []byte {
	switch kind {
	case SummaryEvents:
		return keys.KeyEventSummary
	case SummaryFullEvents:
		return keys.KeyFullEventSummary
	case SummaryConversations:
		return keys.KeyConvoSummary
	default:
		return keys.KeyUnviewedSummary
	}
}

// SummaryRow is one ranked, positioned line item. Rows order by
// (day timestamp descending, identifier ascending).
type SummaryRow struct {
	DayTimestamp int64 `msgpack:"day"`
	Identifier   int64 `msgpack:"id"`

	Weight   float64 `msgpack:"w"`
	Height   float32 `msgpack:"h"`
	Position float32 `msgpack:"pos"`

	PhotoCount       int     `msgpack:"ph,omitempty"`
	CommentCount     int     `msgpack:"cm,omitempty"`
	ContributorCount int     `msgpack:"cb,omitempty"`
	ShareCount       int     `msgpack:"sh,omitempty"`
	Distance         float64 `msgpack:"dist,omitempty"`
	Unviewed         bool    `msgpack:"unv,omitempty"`
}

// Summary is one ordered projection, stored whole under a singleton key and
// loaded against a snapshot.
type Summary struct {
	Kind SummaryKind  `msgpack:"kind"`
	Rows []SummaryRow `msgpack:"rows"`

	TotalHeight   float32 `msgpack:"th"`
	PhotoCount    int     `msgpack:"ph"`
	UnviewedCount int     `msgpack:"unv"`
}

// summaryPrefixInset offsets the first row below the table header area.
const summaryPrefixInset = float32(8)

const holidayWeightBoost = 1.5

// WeightFactors scale the log-normalized ranking inputs of one table.
type WeightFactors struct {
	Photo, Comment, Contributor, Share, Distance float64
	UnviewedBonus                                float64
}

var summaryWeights = map[SummaryKind]WeightFactors{
	SummaryEvents:        {Photo: 0.4, Contributor: 0.3, Share: 0.2, Distance: 0.1},
	SummaryFullEvents:    {Photo: 0.4, Contributor: 0.3, Share: 0.2, Distance: 0.1},
	SummaryConversations: {Photo: 0.3, Comment: 0.3, Contributor: 0.4, UnviewedBonus: 1.0},
	SummaryUnviewed:      {Photo: 0.3, Comment: 0.3, Contributor: 0.4, UnviewedBonus: 1.0},
}

func loadSummary(r pebble.Reader, kind SummaryKind) (*Summary, error) {
	s := &Summary{Kind: kind}
	if _, err := loadRecord(r, summaryKey(kind), s); err != nil {
		return nil, err
	}
	s.Kind = kind
	return s, nil
}

func (s *Summary) save(b *pebble.Batch) error {
	return putRecord(b, summaryKey(s.Kind), s)
}

func (s *Summary) RowCount() int { return len(s.Rows) }

func (s *Summary) GetSummaryRow(i int) (SummaryRow, bool) {
	if i < 0 || i >= len(s.Rows) {
		return SummaryRow{}, false
	}
	return s.Rows[i], true
}

func rowLess(a, b *SummaryRow) bool {
	if a.DayTimestamp != b.DayTimestamp {
		return a.DayTimestamp > b.DayTimestamp
	}
	return a.Identifier < b.Identifier
}

func (s *Summary) sortRows() {
	sort.SliceStable(s.Rows, func(i, j int) bool {
		return rowLess(&s.Rows[i], &s.Rows[j])
	})
}

// RemoveDayRows drops every row of one day: mark with a sentinel day that
// sorts to the tail, re-sort, truncate. O(n log n) but simple and safe.
func (s *Summary) RemoveDayRows(day int64) {
	removed := 0
	for i := range s.Rows {
		if s.Rows[i].DayTimestamp == day {
			s.Rows[i].DayTimestamp = -1
			removed++
		}
	}
	if removed == 0 {
		return
	}
	s.sortRows()
	s.Rows = s.Rows[:len(s.Rows)-removed]
}

// AddDayRows bulk-replaces one day's rows.
func (s *Summary) AddDayRows(day int64, rows []SummaryRow) {
	s.RemoveDayRows(day)
	s.Rows = append(s.Rows, rows...)
	s.sortRows()
}

// AddRow replaces a single trapdoor-style row identified by row.Identifier
// (the row may have moved to a different day).
func (s *Summary) AddRow(row SummaryRow) {
	s.RemoveRow(row.Identifier)
	s.Rows = append(s.Rows, row)
	s.sortRows()
}

// RemoveRow drops the row with the given identifier, swapping it to the
// tail to keep the backing array compact, then re-sorts.
func (s *Summary) RemoveRow(identifier int64) {
	for i := range s.Rows {
		if s.Rows[i].Identifier == identifier {
			last := len(s.Rows) - 1
			s.Rows[i] = s.Rows[last]
			s.Rows = s.Rows[:last]
			s.sortRows()
			return
		}
	}
}

// FindRow returns the index of the row with the given identifier, or -1.
func (s *Summary) FindRow(identifier int64) int {
	for i := range s.Rows {
		if s.Rows[i].Identifier == identifier {
			return i
		}
	}
	return -1
}

// logNorm is log(v)/log(max) for v,max > 1, else 0.
func logNorm(v, max float64) float64 {
	if v <= 1 || max <= 1 {
		return 0
	}
	return math.Log(v) / math.Log(max)
}

type summaryMaxima struct {
	photos, comments, contributors, shares int
	distance                               float64
}

// Normalize recomputes, in one pass over all rows in order: weights from
// the per-column maxima, heights from the measurement capability (when
// available), running positions, and the table totals.
func (s *Summary) Normalize(env Env, holidays map[int64]string) {
	s.sortRows()

	var m summaryMaxima
	for i := range s.Rows {
		r := &s.Rows[i]
		if r.PhotoCount > m.photos {
			m.photos = r.PhotoCount
		}
		if r.CommentCount > m.comments {
			m.comments = r.CommentCount
		}
		if r.ContributorCount > m.contributors {
			m.contributors = r.ContributorCount
		}
		if r.ShareCount > m.shares {
			m.shares = r.ShareCount
		}
		if r.Distance > m.distance {
			m.distance = r.Distance
		}
	}

	measure := env != nil && env.CanMeasure()
	pos := summaryPrefixInset
	s.PhotoCount = 0
	s.UnviewedCount = 0
	for i := range s.Rows {
		r := &s.Rows[i]
		r.Weight = s.normalizeRowWeight(r, &m, holidays)
		if measure {
			r.Height = s.rowHeight(env, r)
		}
		r.Position = pos
		pos += r.Height
		s.PhotoCount += r.PhotoCount
		if r.Unviewed {
			s.UnviewedCount++
		}
	}
	s.TotalHeight = pos
	if measure {
		s.TotalHeight += env.SummarySuffixHeight()
	}
}

func (s *Summary) normalizeRowWeight(r *SummaryRow, m *summaryMaxima, holidays map[int64]string) float64 {
	f := summaryWeights[s.Kind]
	w := f.Photo*logNorm(float64(r.PhotoCount), float64(m.photos)) +
		f.Comment*logNorm(float64(r.CommentCount), float64(m.comments)) +
		f.Contributor*logNorm(float64(r.ContributorCount), float64(m.contributors)) +
		f.Share*logNorm(float64(r.ShareCount), float64(m.shares)) +
		f.Distance*logNorm(r.Distance, m.distance)
	if r.Unviewed {
		w += f.UnviewedBonus
	}
	if _, ok := holidays[r.DayTimestamp]; ok {
		w *= holidayWeightBoost
	}
	return w
}

func (s *Summary) rowHeight(env Env, r *SummaryRow) float32 {
	switch s.Kind {
	case SummaryEvents:
		return env.EventRowHeight(r)
	case SummaryFullEvents:
		return env.FullEventRowHeight(r)
	default:
		return env.InboxCardHeight(r)
	}
}

// rowLocator is the value of the auxiliary episode-to-row and
// viewpoint-to-row index entries written alongside summary updates.
type rowLocator struct {
	Day        int64 `msgpack:"day"`
	Identifier int64 `msgpack:"id"`
}
