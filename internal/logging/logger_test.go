package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func captureLogger(level Level) (*Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return &Logger{
		output:     buf,
		level:      level,
		jsonFormat: true,
		fields:     make(map[string]interface{}),
	}, buf
}

func decode(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var e Entry
	if err := json.Unmarshal(buf.Bytes(), &e); err != nil {
		t.Fatalf("log line not JSON: %v (%s)", err, buf.String())
	}
	return e
}

func TestKeyValueArgsBecomeFields(t *testing.T) {
	l, buf := captureLogger(DEBUG)
	l.Info("signal processed", "instrument", "BANK_NIFTY", "lots", 4)

	e := decode(t, buf)
	if e.Message != "signal processed" {
		t.Errorf("message = %q, args must never reformat it", e.Message)
	}
	if e.Fields["instrument"] != "BANK_NIFTY" {
		t.Errorf("fields = %v", e.Fields)
	}
	if e.Fields["lots"] != float64(4) {
		t.Errorf("lots field = %v", e.Fields["lots"])
	}
}

func TestPercentInMessageStaysLiteral(t *testing.T) {
	l, buf := captureLogger(DEBUG)
	l.Warn("price moved 1.5% since entry", "instrument", "GOLD_MINI")

	e := decode(t, buf)
	if e.Message != "price moved 1.5% since entry" {
		t.Errorf("message = %q", e.Message)
	}
}

func TestErrorValuesFlattened(t *testing.T) {
	l, buf := captureLogger(DEBUG)
	l.Error("order failed", "error", errors.New("broker timeout"))

	e := decode(t, buf)
	if e.Fields["error"] != "broker timeout" {
		t.Errorf("error field = %v", e.Fields["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	l, buf := captureLogger(WARN)
	l.Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("INFO must not emit at WARN level: %s", buf.String())
	}
	l.Warn("kept")
	if buf.Len() == 0 {
		t.Errorf("WARN should emit at WARN level")
	}
}

func TestWithFieldsCarryAcrossClones(t *testing.T) {
	l, buf := captureLogger(DEBUG)
	l.WithComponent("engine").WithPosition("BANK_NIFTY_Long_1").Info("stop updated", "stop", 52125.0)

	e := decode(t, buf)
	if e.Component != "engine" {
		t.Errorf("component = %q", e.Component)
	}
	if e.Fields["position_id"] != "BANK_NIFTY_Long_1" || e.Fields["stop"] != 52125.0 {
		t.Errorf("fields = %v", e.Fields)
	}
}
