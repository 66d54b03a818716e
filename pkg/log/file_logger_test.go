package log

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
)

func TestFileLoggerCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run"+FileExtension)

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("capture file was not created")
	}
	if logger.Path() != path {
		t.Errorf("Path: got %q, want %q", logger.Path(), path)
	}
}

func TestFileLoggerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run"+FileExtension)

	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	status := wire.StatusErrOnDevCertGenGenCSR
	code := uint32(0x2a)
	rtt := 15 * time.Millisecond
	events := []Event{
		{
			Timestamp: time.Now(),
			RunID:     "run-1",
			Direction: DirectionOut,
			Layer:     LayerProbe,
			Category:  CategoryMessage,
			Frame:     NewFrameEvent([]byte{0x07, 0x00, 0x00, 0x00}),
		},
		{
			Timestamp: time.Now(),
			RunID:     "run-1",
			Direction: DirectionIn,
			Layer:     LayerWire,
			Category:  CategoryMessage,
			SMSN:      "abcd",
			Message: &MessageEvent{
				Type:          MessageTypeResponse,
				Command:       wire.CmdGenCSR,
				BodySize:      4,
				Status:        &status,
				InternalError: &code,
				RoundTrip:     &rtt,
			},
		},
	}
	for _, ev := range events {
		logger.Log(ev)
	}
	if logger.Written() != 2 {
		t.Errorf("Written: got %d, want 2", logger.Written())
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	first, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if first.Frame == nil || first.Frame.Size != 4 {
		t.Errorf("Frame: got %+v", first.Frame)
	}

	second, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	m := second.Message
	if m == nil {
		t.Fatal("Message is nil")
	}
	if m.Command != wire.CmdGenCSR {
		t.Errorf("Command: got %v, want %v", m.Command, wire.CmdGenCSR)
	}
	if m.Status == nil || *m.Status != status {
		t.Errorf("Status: got %v, want %v", m.Status, status)
	}
	if m.InternalError == nil || *m.InternalError != code {
		t.Errorf("InternalError: got %v, want %d", m.InternalError, code)
	}
	if m.RoundTrip == nil || *m.RoundTrip != rtt {
		t.Errorf("RoundTrip: got %v, want %v", m.RoundTrip, rtt)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}

func TestFileLoggerAppendsAcrossRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station"+FileExtension)

	for _, run := range []string{"a", "b"} {
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Log(Event{Timestamp: time.Now(), RunID: run, Category: CategoryState,
			StateChange: &StateChangeEvent{Entity: StateEntityRun, NewState: "STARTED"}})
		logger.Close()
	}

	r, err := NewReader(path)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	defer r.Close()

	var runs []string
	for {
		ev, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		runs = append(runs, ev.RunID)
	}
	if len(runs) != 2 || runs[0] != "a" || runs[1] != "b" {
		t.Errorf("runs: got %v, want [a b]", runs)
	}
}

func TestFileLoggerCloseIsIdempotent(t *testing.T) {
	logger, err := NewFileLogger(filepath.Join(t.TempDir(), "x"+FileExtension))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	// Logging after close is ignored.
	logger.Log(Event{RunID: "late"})
	if logger.Written() != 0 {
		t.Errorf("Written after close: got %d, want 0", logger.Written())
	}
}

func TestFileLoggerConcurrent(t *testing.T) {
	logger, err := NewFileLogger(filepath.Join(t.TempDir(), "c"+FileExtension))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				logger.Log(Event{Timestamp: time.Now(), RunID: "c", Frame: NewFrameEvent([]byte{byte(j)})})
			}
		}()
	}
	wg.Wait()

	if logger.Written() != 200 {
		t.Errorf("Written: got %d, want 200", logger.Written())
	}
}
