package instrument

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Option types for synthetic futures legs
const (
	OptionCall = "CE"
	OptionPut  = "PE"
)

// Resolver maps logical instruments to exchange symbols and expiries
type Resolver struct {
	catalog        *Catalog
	strikeInterval float64
	prefer1000s    bool
}

// NewResolver creates a resolver with the configured strike rounding rules
func NewResolver(catalog *Catalog, strikeInterval float64, prefer1000s bool) *Resolver {
	if strikeInterval <= 0 {
		strikeInterval = 100
	}
	return &Resolver{catalog: catalog, strikeInterval: strikeInterval, prefer1000s: prefer1000s}
}

// NextExpiry returns the nearest contract expiry strictly after ref
func (r *Resolver) NextExpiry(inst *Instrument, ref time.Time) time.Time {
	if inst.Exchange == ExchangeNFO {
		return nextMonthlyNFOExpiry(ref)
	}
	return r.nextMCXExpiry(inst, ref)
}

// ExpiryAfter returns the contract expiry following the given expiry,
// used when rolling an about-to-expire position forward.
func (r *Resolver) ExpiryAfter(inst *Instrument, expiry time.Time) time.Time {
	return r.NextExpiry(inst, expiry)
}

// nextMonthlyNFOExpiry finds the last Thursday of the month at or after ref,
// stepping to the next month when the current month's expiry has passed.
func nextMonthlyNFOExpiry(ref time.Time) time.Time {
	year, month := ref.Year(), ref.Month()
	for {
		exp := lastWeekday(year, month, time.Thursday)
		if exp.After(ref.Truncate(24 * time.Hour)) {
			return exp
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
}

func (r *Resolver) nextMCXExpiry(inst *Instrument, ref time.Time) time.Time {
	year, month := ref.Year(), ref.Month()
	for i := 0; i < 24; i++ {
		if inst.HasContractMonth(month) {
			exp := mcxExpiryInMonth(inst, year, month)
			if exp.After(ref.Truncate(24 * time.Hour)) {
				return exp
			}
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	// 24 months without a contract month means a broken catalog entry
	return time.Time{}
}

func mcxExpiryInMonth(inst *Instrument, year int, month time.Month) time.Time {
	if inst.ExpiryDay > 0 {
		d := time.Date(year, month, inst.ExpiryDay, 0, 0, 0, 0, time.UTC)
		return prevBusinessDay(d)
	}
	// Last business day of the month
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	return prevBusinessDay(last)
}

// prevBusinessDay moves a weekend date back to Friday
func prevBusinessDay(d time.Time) time.Time {
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

func lastWeekday(year int, month time.Month, wd time.Weekday) time.Time {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC)
	offset := (int(last.Weekday()) - int(wd) + 7) % 7
	return last.AddDate(0, 0, -offset)
}

// RolloverDue reports whether a position on the given expiry should be
// rolled: expiry minus today within the instrument's lookahead window.
func RolloverDue(expiry, today time.Time, lookaheadDays int) bool {
	days := int(expiry.Sub(today.Truncate(24*time.Hour)).Hours() / 24)
	return days <= lookaheadDays
}

// RoundStrike rounds a price to the nearest tradable strike
func (r *Resolver) RoundStrike(price float64) float64 {
	interval := r.strikeInterval
	if r.prefer1000s {
		interval = 1000
	}
	return math.Round(price/interval) * interval
}

// OptionSymbol builds an NFO option symbol: BANKNIFTY{yymmdd}{strike}{CE|PE}
func (r *Resolver) OptionSymbol(inst *Instrument, expiry time.Time, strike float64, optType string) string {
	return fmt.Sprintf("%s%s%d%s", inst.TradingSymbol, expiry.Format("060102"), int(strike), optType)
}

// FutureSymbol builds an MCX futures symbol: GOLDM{yyMMMdd}FUT
func (r *Resolver) FutureSymbol(inst *Instrument, expiry time.Time) string {
	return fmt.Sprintf("%s%sFUT", inst.TradingSymbol, strings.ToUpper(expiry.Format("06Jan02")))
}

// SyntheticLegs returns the two option symbols composing a long synthetic
// future: SELL PE + BUY CE at the same strike and expiry.
func (r *Resolver) SyntheticLegs(inst *Instrument, expiry time.Time, spot float64) (sellPE, buyCE string, strike float64) {
	strike = r.RoundStrike(spot)
	sellPE = r.OptionSymbol(inst, expiry, strike, OptionPut)
	buyCE = r.OptionSymbol(inst, expiry, strike, OptionCall)
	return sellPE, buyCE, strike
}

// ContractMonth formats the contract month label stored on positions,
// e.g. "2026-02".
func ContractMonth(expiry time.Time) string {
	return expiry.Format("2006-01")
}
