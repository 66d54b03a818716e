package log

import "time"

// Logger receives capture events.
// Pass nil or NoopLogger to disable capture.
type Logger interface {
	// Log records an event. Implementations must be thread-safe and must
	// not block the provisioning run.
	Log(event Event)
}

// NoopLogger discards all events.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}

// Recorder stamps events with the identity of one run before passing
// them on. A nil Recorder discards everything.
type Recorder struct {
	Logger      Logger
	RunID       string
	Target      string
	ProbeSerial string
	SMSN        string
}

// Record fills the run fields and timestamp of ev and logs it.
func (r *Recorder) Record(ev Event) {
	if r == nil || r.Logger == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.RunID = r.RunID
	ev.Target = r.Target
	ev.ProbeSerial = r.ProbeSerial
	ev.SMSN = r.SMSN
	r.Logger.Log(ev)
}
