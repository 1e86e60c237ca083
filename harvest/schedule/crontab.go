// Package schedule binds harvest sources to periodic tasks and fires them on
// their crontab.
package schedule

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/remilejeune/udata-harvest/errors"
)

// ErrInvalidCrontab is returned for expressions cron cannot parse.
var ErrInvalidCrontab = errors.New("invalid crontab")

// Every is the wildcard crontab field.
const Every = "*"

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Crontab holds the five cadence fields. Empty fields mean every.
type Crontab struct {
	Minute      string `json:"minute"`
	Hour        string `json:"hour"`
	DayOfWeek   string `json:"day_of_week"`
	DayOfMonth  string `json:"day_of_month"`
	MonthOfYear string `json:"month_of_year"`
}

// Normalize replaces empty fields with the wildcard.
func (c Crontab) Normalize() Crontab {
	field := func(s string) string {
		s = strings.TrimSpace(s)
		if s == "" {
			return Every
		}
		return s
	}
	return Crontab{
		Minute:      field(c.Minute),
		Hour:        field(c.Hour),
		DayOfWeek:   field(c.DayOfWeek),
		DayOfMonth:  field(c.DayOfMonth),
		MonthOfYear: field(c.MonthOfYear),
	}
}

// Spec renders the standard five-field expression
// "minute hour day-of-month month day-of-week".
func (c Crontab) Spec() string {
	n := c.Normalize()
	return strings.Join([]string{n.Minute, n.Hour, n.DayOfMonth, n.MonthOfYear, n.DayOfWeek}, " ")
}

func (c Crontab) String() string {
	return c.Spec()
}

// Validate checks that cron accepts the expression.
func (c Crontab) Validate() error {
	_, err := c.schedule()
	return err
}

// Next returns the first activation strictly after t, evaluated in UTC.
func (c Crontab) Next(t time.Time) (time.Time, error) {
	s, err := c.schedule()
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(t.UTC())
	if next.IsZero() {
		return time.Time{}, errors.Wrapf(ErrInvalidCrontab, "%q never fires", c.Spec())
	}
	return next.UTC(), nil
}

func (c Crontab) schedule() (cron.Schedule, error) {
	s, err := parser.Parse(c.Spec())
	if err != nil {
		return nil, errors.Wrapf(errors.Mark(err, ErrInvalidCrontab), "crontab %q", c.Spec())
	}
	return s, nil
}

// CrontabForFrequency maps a source frequency to a default crontab:
// daily at midnight, weekly on Monday, monthly on the first.
func CrontabForFrequency(frequency string) (Crontab, error) {
	switch frequency {
	case "daily":
		return Crontab{Minute: "0", Hour: "0"}.Normalize(), nil
	case "weekly":
		return Crontab{Minute: "0", Hour: "0", DayOfWeek: "1"}.Normalize(), nil
	case "monthly":
		return Crontab{Minute: "0", Hour: "0", DayOfMonth: "1"}.Normalize(), nil
	default:
		return Crontab{}, errors.WithHint(
			errors.Newf("frequency %q has no crontab", frequency),
			"give the crontab fields explicitly")
	}
}
