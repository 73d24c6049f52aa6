// Package market provides trading-session and holiday checks for NSE and
// MCX. All session arithmetic runs in Asia/Kolkata regardless of the host
// timezone.
package market

import (
	"fmt"
	"time"
)

// Exchange identifiers, matching the instrument catalog
const (
	ExchangeNFO = "NFO"
	ExchangeMCX = "MCX"
)

// Config holds session windows as "HH:MM" exchange-local strings
type Config struct {
	NSEStart       string
	NSEEnd         string
	MCXStart       string
	MCXSummerClose string
	MCXWinterClose string
}

// Calendar answers market-open and holiday questions
type Calendar struct {
	cfg      Config
	loc      *time.Location
	holidays map[string]map[string]string // exchange -> "2006-01-02" -> name
}

// NewCalendar builds a calendar for the configured session windows
func NewCalendar(cfg Config) (*Calendar, error) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return nil, fmt.Errorf("load IST location: %w", err)
	}

	c := &Calendar{cfg: cfg, loc: loc, holidays: defaultHolidays()}
	return c, nil
}

// defaultHolidays returns the built-in NSE/MCX holiday lists. MCX morning
// sessions are closed on most NSE holidays; evening-only sessions are not
// modelled, the whole day is treated as closed.
func defaultHolidays() map[string]map[string]string {
	nse := map[string]string{
		"2026-01-26": "Republic Day",
		"2026-03-04": "Holi",
		"2026-03-21": "Id-Ul-Fitr",
		"2026-04-01": "Annual Bank Closing",
		"2026-04-03": "Good Friday",
		"2026-04-14": "Dr. Ambedkar Jayanti",
		"2026-05-01": "Maharashtra Day",
		"2026-08-15": "Independence Day",
		"2026-10-02": "Gandhi Jayanti",
		"2026-11-10": "Diwali Laxmi Pujan",
		"2026-11-11": "Diwali Balipratipada",
		"2026-12-25": "Christmas",
	}
	mcx := make(map[string]string, len(nse))
	for d, n := range nse {
		mcx[d] = n
	}
	return map[string]map[string]string{
		ExchangeNFO: nse,
		ExchangeMCX: mcx,
	}
}

// Holidays returns the holiday map for an exchange
func (c *Calendar) Holidays(exchange string) map[string]string {
	out := make(map[string]string)
	for d, n := range c.holidays[exchange] {
		out[d] = n
	}
	return out
}

// IsHoliday reports whether the date is an exchange holiday or weekend
func (c *Calendar) IsHoliday(exchange string, t time.Time) bool {
	local := t.In(c.loc)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return true
	}
	_, ok := c.holidays[exchange][local.Format("2006-01-02")]
	return ok
}

// IsOpen reports whether the exchange is inside its trading session at t
func (c *Calendar) IsOpen(exchange string, t time.Time) bool {
	if c.IsHoliday(exchange, t) {
		return false
	}
	local := t.In(c.loc)
	open, close := c.session(exchange, local)
	return !local.Before(open) && local.Before(close)
}

// Close returns the session close time for the exchange on t's date
func (c *Calendar) Close(exchange string, t time.Time) time.Time {
	local := t.In(c.loc)
	_, close := c.session(exchange, local)
	return close
}

// MinutesToClose returns minutes until session close; negative after close
func (c *Calendar) MinutesToClose(exchange string, t time.Time) float64 {
	return c.Close(exchange, t).Sub(t.In(c.loc)).Minutes()
}

func (c *Calendar) session(exchange string, local time.Time) (open, close time.Time) {
	switch exchange {
	case ExchangeMCX:
		open = c.at(local, c.cfg.MCXStart)
		if mcxSummer(local) {
			close = c.at(local, c.cfg.MCXSummerClose)
		} else {
			close = c.at(local, c.cfg.MCXWinterClose)
		}
	default:
		open = c.at(local, c.cfg.NSEStart)
		close = c.at(local, c.cfg.NSEEnd)
	}
	return open, close
}

// mcxSummer follows the exchange convention tied to US daylight saving:
// April through October the session closes earlier.
func mcxSummer(local time.Time) bool {
	m := local.Month()
	return m >= time.April && m <= time.October
}

func (c *Calendar) at(day time.Time, hhmm string) time.Time {
	var h, m int
	fmt.Sscanf(hhmm, "%d:%d", &h, &m)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, c.loc)
}
