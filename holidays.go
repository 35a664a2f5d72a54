package daytable

import "time"

// Holidays maps calendar dates to labels. Rows falling on a holiday get a
// ranking boost. The built-in table is placeholder US data; applications
// supply their own through Options.Holidays.
type Holidays map[string]string

const holidayDateFormat = "2006-01-02"

// DefaultHolidays is intentionally sparse.
var DefaultHolidays = Holidays{
	"2012-07-04": "Independence Day",
	"2012-11-22": "Thanksgiving",
	"2012-12-25": "Christmas Day",
	"2013-01-01": "New Year's Day",
	"2013-07-04": "Independence Day",
	"2013-11-28": "Thanksgiving",
	"2013-12-25": "Christmas Day",
}

// canonicalHolidays resolves the date-labelled table into canonical day
// timestamps for the table's timezone and boundary offset.
func (dt *DayTable) canonicalHolidays(h Holidays) map[int64]string {
	out := make(map[int64]string, len(h))
	for date, label := range h {
		t, err := time.ParseInLocation(holidayDateFormat, date, dt.loc)
		if err != nil {
			dt.log.Warn("skipping malformed holiday date", "date", date)
			continue
		}
		// Noon is safely inside the practical day regardless of offset.
		out[dt.CanonicalDayTimestamp(t.Add(12*time.Hour).Unix())] = label
	}
	return out
}
