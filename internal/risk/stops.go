package risk

// StopState is the trailing-stop view of one long position
type StopState struct {
	EntryPrice   float64
	InitialStop  float64
	CurrentStop  float64
	HighestClose float64
}

// InitialStop computes the entry stop for a long position
func InitialStop(entryPrice, atr, initialATRMult float64) float64 {
	return entryPrice - initialATRMult*atr
}

// NewStopState initializes stop tracking at entry
func NewStopState(entryPrice, atr, initialATRMult float64) StopState {
	stop := InitialStop(entryPrice, atr, initialATRMult)
	return StopState{
		EntryPrice:   entryPrice,
		InitialStop:  stop,
		CurrentStop:  stop,
		HighestClose: entryPrice,
	}
}

// Observe folds one close observation into the state. The ratchet is
// strictly monotonic: the stop follows the highest close up and never
// comes back down.
func (s StopState) Observe(close, atr, trailingATRMult float64) (StopState, bool) {
	if close > s.HighestClose {
		s.HighestClose = close
	}
	proposed := s.HighestClose - trailingATRMult*atr
	if proposed > s.CurrentStop {
		s.CurrentStop = proposed
		return s, true
	}
	return s, false
}

// StopHit reports whether a live price triggers the stop. A price exactly
// on the stop triggers.
func (s StopState) StopHit(livePrice float64) bool {
	return livePrice <= s.CurrentStop
}
