// Package instrument holds the static per-instrument parameters and the
// symbol/expiry resolution rules for the traded universe: Bank Nifty
// synthetic futures (via NFO options) and MCX commodity mini futures.
package instrument

import (
	"fmt"
	"time"
)

// Exchange identifiers
const (
	ExchangeNFO = "NFO"
	ExchangeMCX = "MCX"
)

// Instrument names (webhook identifiers)
const (
	BankNifty  = "BANK_NIFTY"
	GoldMini   = "GOLD_MINI"
	SilverMini = "SILVER_MINI"
	Copper     = "COPPER"
)

// Instrument holds static trading parameters for one logical instrument.
// Risk and volatility percentages are fractions of equity (0.5 means 0.5%).
type Instrument struct {
	Name         string
	Exchange     string
	TradingSymbol string // Exchange root symbol, e.g. BANKNIFTY, GOLDM
	LotSize      int     // Contracts per lot
	PointValue   float64 // Currency per 1-point move per lot
	MarginPerLot float64

	InitialRiskPct float64
	OngoingRiskPct float64
	InitialVolPct  float64
	OngoingVolPct  float64

	InitialATRMult  float64
	TrailingATRMult float64

	MaxPyramids           int
	RolloverLookaheadDays int

	// ContractMonths restricts which months carry contracts. Nil means
	// every month.
	ContractMonths []time.Month

	// ExpiryDay is the day-of-month the contract expires on. Zero means
	// the last business day of the contract month. NFO instruments
	// ignore this and use the last Thursday.
	ExpiryDay int

	// Synthetic marks instruments traded as SELL PE + BUY CE option pairs
	// rather than a single futures leg.
	Synthetic bool

	EODEnabled bool
}

// Catalog is the static instrument registry
type Catalog struct {
	instruments map[string]*Instrument
}

// NewCatalog builds the default catalog for the traded universe
func NewCatalog() *Catalog {
	c := &Catalog{instruments: make(map[string]*Instrument)}

	c.add(&Instrument{
		Name:          BankNifty,
		Exchange:      ExchangeNFO,
		TradingSymbol: "BANKNIFTY",
		LotSize:       30,
		PointValue:    30,
		MarginPerLot:  180000,
		InitialRiskPct: 0.5, OngoingRiskPct: 0.35,
		InitialVolPct: 1.0, OngoingVolPct: 0.5,
		InitialATRMult: 1.0, TrailingATRMult: 2.5,
		MaxPyramids:           5,
		RolloverLookaheadDays: 2,
		Synthetic:             true,
		EODEnabled:            true,
	})

	c.add(&Instrument{
		Name:          GoldMini,
		Exchange:      ExchangeMCX,
		TradingSymbol: "GOLDM",
		LotSize:       100,
		PointValue:    100,
		MarginPerLot:  75000,
		InitialRiskPct: 0.5, OngoingRiskPct: 0.35,
		InitialVolPct: 1.0, OngoingVolPct: 0.5,
		InitialATRMult: 1.0, TrailingATRMult: 2.5,
		MaxPyramids:           5,
		RolloverLookaheadDays: 8,
		ExpiryDay:             5,
		EODEnabled:            false,
	})

	c.add(&Instrument{
		Name:          SilverMini,
		Exchange:      ExchangeMCX,
		TradingSymbol: "SILVERM",
		LotSize:       5,
		PointValue:    5,
		MarginPerLot:  60000,
		InitialRiskPct: 0.5, OngoingRiskPct: 0.35,
		InitialVolPct: 1.0, OngoingVolPct: 0.5,
		InitialATRMult: 1.0, TrailingATRMult: 2.5,
		MaxPyramids:           5,
		RolloverLookaheadDays: 8,
		// Silver Mini trades Feb/Apr/Jun/Aug/Nov contracts only
		ContractMonths: []time.Month{time.February, time.April, time.June, time.August, time.November},
		EODEnabled:     false,
	})

	c.add(&Instrument{
		Name:          Copper,
		Exchange:      ExchangeMCX,
		TradingSymbol: "COPPER",
		LotSize:       2500,
		PointValue:    2500,
		MarginPerLot:  130000,
		InitialRiskPct: 0.5, OngoingRiskPct: 0.35,
		InitialVolPct: 1.0, OngoingVolPct: 0.5,
		InitialATRMult: 1.0, TrailingATRMult: 2.5,
		MaxPyramids:           5,
		RolloverLookaheadDays: 5,
		EODEnabled:            false,
	})

	return c
}

func (c *Catalog) add(inst *Instrument) {
	c.instruments[inst.Name] = inst
}

// Get returns the instrument for a logical name
func (c *Catalog) Get(name string) (*Instrument, error) {
	inst, ok := c.instruments[name]
	if !ok {
		return nil, fmt.Errorf("unknown instrument: %s", name)
	}
	return inst, nil
}

// Has reports whether the catalog knows the instrument
func (c *Catalog) Has(name string) bool {
	_, ok := c.instruments[name]
	return ok
}

// All returns every registered instrument
func (c *Catalog) All() []*Instrument {
	out := make([]*Instrument, 0, len(c.instruments))
	for _, inst := range c.instruments {
		out = append(out, inst)
	}
	return out
}

// RiskPct returns the risk percentage for the given layer index (1 = base).
// Pyramid layers use the ongoing rate, halved at each additional layer.
func (i *Instrument) RiskPct(layerIndex int) float64 {
	if layerIndex <= 1 {
		return i.InitialRiskPct
	}
	rate := i.OngoingRiskPct
	for l := 3; l <= layerIndex; l++ {
		rate /= 2
	}
	return rate
}

// VolPct returns the volatility percentage for the given layer index
func (i *Instrument) VolPct(layerIndex int) float64 {
	if layerIndex <= 1 {
		return i.InitialVolPct
	}
	rate := i.OngoingVolPct
	for l := 3; l <= layerIndex; l++ {
		rate /= 2
	}
	return rate
}

// HasContractMonth reports whether the instrument lists a contract for m
func (i *Instrument) HasContractMonth(m time.Month) bool {
	if len(i.ContractMonths) == 0 {
		return true
	}
	for _, cm := range i.ContractMonths {
		if cm == m {
			return true
		}
	}
	return false
}
