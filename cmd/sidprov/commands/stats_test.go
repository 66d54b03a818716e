package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

func TestStatsCountsByLayer(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, Layer: log.LayerProbe, Category: log.CategoryMessage},
		{Timestamp: ts, Layer: log.LayerProbe, Category: log.CategoryMessage},
		{Timestamp: ts, Layer: log.LayerWire, Category: log.CategoryMessage},
		{Timestamp: ts, Layer: log.LayerSession, Category: log.CategoryState},
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{"Total Events: 4", "PROBE:", "WIRE:", "SESSION:"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatsPerRun(t *testing.T) {
	path := createTestLogFile(t, append(testEvents(), log.Event{
		Timestamp:   time.Date(2026, 1, 28, 10, 15, 40, 0, time.UTC),
		RunID:       "run-bbbb-0002",
		Layer:       log.LayerSession,
		Category:    log.CategoryState,
		StateChange: &log.StateChangeEvent{Entity: log.StateEntityRun, NewState: "COMPLETED", Reason: "on-dev-cert-gen"},
	}))

	stats, err := collectStats(path)
	if err != nil {
		t.Fatalf("collectStats failed: %v", err)
	}

	if len(stats.Runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(stats.Runs))
	}
	first := stats.Runs["run-aaaa-0001"]
	if first.Events != 2 || first.Requests != 1 {
		t.Errorf("unexpected first run: %+v", first)
	}
	if first.SMSN != "0a0b" || first.Target == "" {
		t.Errorf("expected SMSN and target, got %+v", first)
	}
	second := stats.Runs["run-bbbb-0002"]
	if second.Mode != "on-dev-cert-gen" || second.Result != "COMPLETED" {
		t.Errorf("unexpected second run: %+v", second)
	}
	if stats.Commands[wire.CmdGenCSR] != 1 {
		t.Errorf("expected one GenCSR request, got %d", stats.Commands[wire.CmdGenCSR])
	}
	if stats.FailedStatuses[wire.StatusErrOutArgsNotValid] != 1 {
		t.Errorf("expected one failed status, got %v", stats.FailedStatuses)
	}
}

func TestStatsOutput(t *testing.T) {
	path := createTestLogFile(t, append(testEvents(), log.Event{
		Timestamp: time.Date(2026, 1, 28, 10, 15, 41, 0, time.UTC),
		RunID:     "run-bbbb-0002",
		Category:  log.CategoryError,
		Error:     &log.ErrorEventData{Message: "probe lost"},
	}))

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"=== DPP Capture Statistics ===",
		"Requests by Command:",
		"GenCSR:",
		"ERR_OUT_ARGS_NOT_VALID: 1",
		"Runs: 2",
		"[run-aaaa]",
		"Mode: on-dev-cert-gen",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatsEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("expected zero events, got: %s", buf.String())
	}
}
