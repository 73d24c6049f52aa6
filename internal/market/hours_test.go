package market

import (
	"testing"
	"time"
)

func testCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := NewCalendar(Config{
		NSEStart:       "09:15",
		NSEEnd:         "15:30",
		MCXStart:       "09:00",
		MCXSummerClose: "23:30",
		MCXWinterClose: "23:55",
	})
	if err != nil {
		t.Fatalf("NewCalendar: %v", err)
	}
	return c
}

func ist(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	return loc
}

func TestNSESession(t *testing.T) {
	c := testCalendar(t)
	loc := ist(t)

	// Monday 2026-08-24
	if !c.IsOpen(ExchangeNFO, time.Date(2026, 8, 24, 10, 0, 0, 0, loc)) {
		t.Error("NSE should be open Monday 10:00 IST")
	}
	if c.IsOpen(ExchangeNFO, time.Date(2026, 8, 24, 9, 0, 0, 0, loc)) {
		t.Error("NSE should be closed before 09:15")
	}
	if c.IsOpen(ExchangeNFO, time.Date(2026, 8, 24, 15, 30, 0, 0, loc)) {
		t.Error("NSE should be closed at 15:30 sharp")
	}
}

func TestWeekendAndHoliday(t *testing.T) {
	c := testCalendar(t)
	loc := ist(t)

	// Saturday
	if c.IsOpen(ExchangeNFO, time.Date(2026, 8, 22, 10, 0, 0, 0, loc)) {
		t.Error("NSE should be closed Saturday")
	}
	// Independence Day 2026-08-15 is also a Saturday; use Republic Day (Monday)
	if c.IsOpen(ExchangeNFO, time.Date(2026, 1, 26, 10, 0, 0, 0, loc)) {
		t.Error("NSE should be closed on Republic Day")
	}
	if !c.IsHoliday(ExchangeMCX, time.Date(2026, 1, 26, 10, 0, 0, 0, loc)) {
		t.Error("MCX should observe Republic Day")
	}
}

func TestMCXSeasonalClose(t *testing.T) {
	c := testCalendar(t)
	loc := ist(t)

	// August: summer session, closes 23:30
	if !c.IsOpen(ExchangeMCX, time.Date(2026, 8, 24, 23, 0, 0, 0, loc)) {
		t.Error("MCX should be open at 23:00 in summer")
	}
	if c.IsOpen(ExchangeMCX, time.Date(2026, 8, 24, 23, 45, 0, 0, loc)) {
		t.Error("MCX should be closed at 23:45 in summer")
	}
	// December: winter session, closes 23:55
	if !c.IsOpen(ExchangeMCX, time.Date(2026, 12, 14, 23, 45, 0, 0, loc)) {
		t.Error("MCX should be open at 23:45 in winter")
	}
}

func TestMinutesToClose(t *testing.T) {
	c := testCalendar(t)
	loc := ist(t)

	mins := c.MinutesToClose(ExchangeNFO, time.Date(2026, 8, 24, 15, 0, 0, 0, loc))
	if mins != 30 {
		t.Errorf("minutes to close = %v, want 30", mins)
	}
}
