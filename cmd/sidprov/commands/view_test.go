package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

func TestFormatFrameEvent(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)
	event := log.Event{
		Timestamp: ts,
		RunID:     "abc12345-6789-0123-4567-890abcdef012",
		Direction: log.DirectionOut,
		Layer:     log.LayerProbe,
		Category:  log.CategoryMessage,
		Frame:     &log.FrameEvent{Size: 128, Data: []byte{0xa1, 0x01}, Truncated: true},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{
		"2026-01-28T10:15:32.123456Z",
		"[run:abc12345]",
		"OUT",
		"PROBE",
		"Frame",
		"128 bytes",
		"a101 (truncated)",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatMessageEventResponse(t *testing.T) {
	status := wire.StatusErrOnDevCertGenGenCSR
	internal := uint32(7)
	rt := 1500 * time.Microsecond
	event := log.Event{
		Timestamp: time.Date(2026, 1, 28, 10, 15, 32, 0, time.UTC),
		RunID:     "run1",
		Direction: log.DirectionIn,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		SMSN:      "00ff",
		Message: &log.MessageEvent{
			Type:          log.MessageTypeResponse,
			Command:       wire.CmdGenCSR,
			BodySize:      64,
			Status:        &status,
			InternalError: &internal,
			RoundTrip:     &rt,
		},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{
		"[run:run1]",
		"RESPONSE",
		"SMSN: 00ff",
		"Command: GenCSR (4)",
		"Body: 64 bytes",
		"Status: " + status.String(),
		"InternalError: 7",
		"Duration: 1.500ms",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatStateChangeEvent(t *testing.T) {
	event := log.Event{
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntitySession, OldState: "CLOSED", NewState: "OPEN", Reason: "init"},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	if !strings.Contains(output, "Entity: SESSION") {
		t.Errorf("expected entity, got: %s", output)
	}
	if !strings.Contains(output, "CLOSED -> OPEN") {
		t.Errorf("expected transition, got: %s", output)
	}
	if !strings.Contains(output, "Reason: init") {
		t.Errorf("expected reason, got: %s", output)
	}
}

func TestFormatErrorEvent(t *testing.T) {
	code := 3
	event := log.Event{
		Layer:    log.LayerProbe,
		Category: log.CategoryError,
		Error:    &log.ErrorEventData{Layer: log.LayerProbe, Message: "rtt timeout", Code: &code, Context: "read"},
	}

	var buf bytes.Buffer
	formatEvent(&buf, event)
	output := buf.String()

	for _, want := range []string{"Error", "Message: rtt timeout", "Code: 3", "Context: read"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Nanosecond, "0.500us"},
		{2500 * time.Microsecond, "2.500ms"},
		{1500 * time.Millisecond, "1.500s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}

func TestParseFilterValues(t *testing.T) {
	if l, err := parseLayer("WIRE"); err != nil || l != log.LayerWire {
		t.Errorf("parseLayer(WIRE) = %v, %v", l, err)
	}
	if _, err := parseLayer("transport"); err == nil {
		t.Error("expected error for unknown layer")
	}
	if d, err := parseDirection("in"); err != nil || d != log.DirectionIn {
		t.Errorf("parseDirection(in) = %v, %v", d, err)
	}
	if _, err := parseDirection("sideways"); err == nil {
		t.Error("expected error for unknown direction")
	}
	if c, err := parseCategory("Error"); err != nil || c != log.CategoryError {
		t.Errorf("parseCategory(Error) = %v, %v", c, err)
	}
	if c, err := parseCommand("gencsr"); err != nil || c != wire.CmdGenCSR {
		t.Errorf("parseCommand(gencsr) = %v, %v", c, err)
	}
	if _, err := parseCommand("Reboot"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestRunViewFilters(t *testing.T) {
	path := createTestLogFile(t, testEvents())
	cmd := wire.CmdGenCSR
	dir := log.DirectionIn

	var buf bytes.Buffer
	if err := RunView(path, log.Filter{Command: &cmd, Direction: &dir}, &buf); err != nil {
		t.Fatalf("RunView failed: %v", err)
	}
	output := buf.String()

	if strings.Count(output, "[run:") != 1 {
		t.Errorf("expected one event, got: %s", output)
	}
	if !strings.Contains(output, "RESPONSE") {
		t.Errorf("expected the response, got: %s", output)
	}
}

func TestRunViewMissingFile(t *testing.T) {
	if err := RunView("/nonexistent/file.dpplog", log.Filter{}, &bytes.Buffer{}); err == nil {
		t.Error("expected error for missing file")
	}
}
