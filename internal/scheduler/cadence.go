package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crossclip/crossclip/backend/internal/faults"
	"github.com/crossclip/crossclip/backend/internal/models"
)

// cronParser accepts the standard 5-field form.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCadence rejects malformed cadences before they are persisted.
func ValidateCadence(c models.Cadence) error {
	switch c.Kind {
	case models.CadenceDaily, models.CadenceWeekly, models.CadenceMonthly:
		if c.MinuteOfDay < 0 || c.MinuteOfDay >= 24*60 {
			return faults.New(faults.KindValidation, "cadence minute_of_day must be within 00:00-23:59")
		}
		if c.Kind == models.CadenceWeekly && (c.Weekday < 0 || c.Weekday > 6) {
			return faults.New(faults.KindValidation, "cadence weekday must be 0 (Sunday) through 6 (Saturday)")
		}
		if c.Kind == models.CadenceMonthly && (c.DayOfMonth < 1 || c.DayOfMonth > 31) {
			return faults.New(faults.KindValidation, "cadence day_of_month must be 1 through 31")
		}
		return nil
	case models.CadenceCron:
		if _, err := cronParser.Parse(c.Expr); err != nil {
			return faults.Wrap(faults.KindValidation, err, "cadence cron expression is invalid")
		}
		return nil
	default:
		return faults.New(faults.KindValidation, "cadence kind must be daily, weekly, monthly or cron")
	}
}

// NextOccurrence computes the first firing instant strictly after `after`,
// in UTC. Monthly days past the month's end clamp to its last day, so a
// day-31 cadence fires on Feb 28 (29 in leap years).
func NextOccurrence(c models.Cadence, after time.Time) (time.Time, error) {
	after = after.UTC()
	switch c.Kind {
	case models.CadenceDaily:
		next := atMinute(after, c.MinuteOfDay)
		for !next.After(after) {
			next = next.Add(24 * time.Hour)
		}
		return next, nil
	case models.CadenceWeekly:
		next := atMinute(after, c.MinuteOfDay)
		for !next.After(after) || int(next.Weekday()) != c.Weekday {
			next = next.Add(24 * time.Hour)
		}
		return next, nil
	case models.CadenceMonthly:
		next := monthlyAt(after.Year(), after.Month(), c.DayOfMonth, c.MinuteOfDay)
		for !next.After(after) {
			y, m := next.Year(), next.Month()+1
			if m > time.December {
				y, m = y+1, time.January
			}
			next = monthlyAt(y, m, c.DayOfMonth, c.MinuteOfDay)
		}
		return next, nil
	case models.CadenceCron:
		sched, err := cronParser.Parse(c.Expr)
		if err != nil {
			return time.Time{}, faults.Wrap(faults.KindValidation, err, "cadence cron expression is invalid")
		}
		return sched.Next(after), nil
	default:
		return time.Time{}, faults.New(faults.KindValidation, "unknown cadence kind")
	}
}

func atMinute(t time.Time, minuteOfDay int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), minuteOfDay/60, minuteOfDay%60, 0, 0, time.UTC)
}

func monthlyAt(year int, month time.Month, day, minuteOfDay int) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		day = last
	}
	return time.Date(year, month, day, minuteOfDay/60, minuteOfDay%60, 0, 0, time.UTC)
}
