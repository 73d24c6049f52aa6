package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Signal kinds
const (
	KindBaseEntry  = "BASE_ENTRY"
	KindPyramid    = "PYRAMID"
	KindExit       = "EXIT"
	KindEODMonitor = "EOD_MONITOR"
)

// Parse errors (malformed input, HTTP 400 territory)
var (
	ErrMissingTimestamp  = errors.New("timestamp missing or unparsable")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrUnknownKind       = errors.New("unknown signal type")
	ErrInvalidPrice      = errors.New("price must be positive")
	ErrMissingReason     = errors.New("exit signals require a reason")
	ErrInvalidLayer      = errors.New("invalid position layer")
)

// Payload is the raw webhook body
type Payload struct {
	Type          string  `json:"type"`
	Instrument    string  `json:"instrument"`
	Position      string  `json:"position"`
	Price         float64 `json:"price"`
	Stop          float64 `json:"stop"`
	SuggestedLots int     `json:"suggested_lots"`
	ATR           float64 `json:"atr"`
	ER            float64 `json:"er"`
	Supertrend    float64 `json:"supertrend"`
	ROC           float64 `json:"roc,omitempty"`
	Reason        string  `json:"reason,omitempty"`
	Timestamp     string  `json:"timestamp"`
}

// Signal is a parsed, fingerprinted trading signal
type Signal struct {
	Kind          string
	Instrument    string
	Layer         string
	Price         float64
	Stop          float64
	SuggestedLots int
	ATR           float64
	ER            float64
	Supertrend    float64
	ROC           float64
	Reason        string
	Timestamp     time.Time
	ReceivedAt    time.Time
	Fingerprint   string

	// Internal signals (stop hits, rollover, EOD) skip divergence checks
	Internal bool
}

// InstrumentChecker reports whether an instrument name is known
type InstrumentChecker interface {
	Has(name string) bool
}

// Parse validates and converts a raw payload into a Signal.
// receivedAt is stamped by the caller so tests can use a fixed clock.
func Parse(p *Payload, catalog InstrumentChecker, receivedAt time.Time) (*Signal, error) {
	kind := strings.ToUpper(strings.TrimSpace(p.Type))
	switch kind {
	case KindBaseEntry, KindPyramid, KindExit, KindEODMonitor:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, p.Type)
	}

	instrument := strings.ToUpper(strings.TrimSpace(p.Instrument))
	if !catalog.Has(instrument) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInstrument, p.Instrument)
	}

	if p.Price <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, p.Price)
	}

	if kind == KindExit && strings.TrimSpace(p.Reason) == "" {
		return nil, ErrMissingReason
	}

	layer := strings.TrimSpace(p.Position)
	if layer != "" && !validLayer(layer) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLayer, p.Position)
	}

	ts, err := parseTimestamp(p.Timestamp)
	if err != nil {
		return nil, err
	}

	s := &Signal{
		Kind:          kind,
		Instrument:    instrument,
		Layer:         layer,
		Price:         p.Price,
		Stop:          p.Stop,
		SuggestedLots: p.SuggestedLots,
		ATR:           p.ATR,
		ER:            p.ER,
		Supertrend:    p.Supertrend,
		ROC:           p.ROC,
		Reason:        strings.TrimSpace(p.Reason),
		Timestamp:     ts,
		ReceivedAt:    receivedAt,
	}
	s.Fingerprint = ComputeFingerprint(s.Instrument, s.Kind, s.Layer, s.Timestamp, s.Price)
	return s, nil
}

func validLayer(layer string) bool {
	for i := 1; i <= 6; i++ {
		if layer == fmt.Sprintf("Long_%d", i) {
			return true
		}
	}
	return false
}

// LayerIndex extracts the numeric index from "Long_N", 0 when unset
func LayerIndex(layer string) int {
	var n int
	if _, err := fmt.Sscanf(layer, "Long_%d", &n); err != nil {
		return 0
	}
	return n
}

// LayerName renders the canonical layer label for an index
func LayerName(index int) string {
	return fmt.Sprintf("Long_%d", index)
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, ErrMissingTimestamp
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrMissingTimestamp, raw)
}

// ComputeFingerprint hashes the identity fields of a signal. The price is
// bucketed to a quarter point so broker-side microprice jitter does not
// defeat deduplication.
func ComputeFingerprint(instrument, kind, layer string, ts time.Time, price float64) string {
	bucket := math.Floor(price/0.25) * 0.25
	key := fmt.Sprintf("%s|%s|%s|%s|%.2f",
		instrument, kind, layer, ts.UTC().Format(time.RFC3339), bucket)
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
