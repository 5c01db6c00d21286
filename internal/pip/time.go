package pip

import (
	"context"
	"time"

	"github.com/Shin0205go/Aegis-sub002/internal/pdp"
)

// HolidayCalendar answers whether a given date is a holiday. Callers
// that don't need holiday awareness can pass NoHolidays.
type HolidayCalendar interface {
	IsHoliday(t time.Time) bool
}

// NoHolidays is a HolidayCalendar that never reports a holiday.
type NoHolidays struct{}

func (NoHolidays) IsHoliday(time.Time) bool { return false }

// TimeEnricher derives calendar and business-hours attributes from the
// request timestamp, evaluated in a fixed location.
type TimeEnricher struct {
	Location      *time.Location
	BusinessStart int // hour, inclusive
	BusinessEnd   int // hour, exclusive
	Holidays      HolidayCalendar
}

// NewTimeEnricher returns a TimeEnricher with a 09:00-18:00 business
// window in loc (UTC if nil) and no holidays.
func NewTimeEnricher(loc *time.Location) *TimeEnricher {
	if loc == nil {
		loc = time.UTC
	}
	return &TimeEnricher{Location: loc, BusinessStart: 9, BusinessEnd: 18, Holidays: NoHolidays{}}
}

func (e *TimeEnricher) Name() string { return "time" }

func (e *TimeEnricher) Enrich(_ context.Context, base *pdp.Context) (map[string]any, error) {
	t := base.Timestamp.In(e.Location)
	weekday := t.Weekday()
	isWeekend := weekday == time.Saturday || weekday == time.Sunday
	isHoliday := e.Holidays != nil && e.Holidays.IsHoliday(t)
	isBusinessHours := !isWeekend && !isHoliday && t.Hour() >= e.BusinessStart && t.Hour() < e.BusinessEnd

	return map[string]any{
		"isBusinessHours": isBusinessHours,
		"dayOfWeek":       weekday.String(),
		"hour":            t.Hour(),
		"isWeekend":       isWeekend,
		"isHoliday":       isHoliday,
	}, nil
}
