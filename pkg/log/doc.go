// Package log captures provisioning runs as a machine-readable event trace.
//
// It is separate from operational logging (slog): every DPP frame, decoded
// command and response, session state change and error of a run is
// recorded with the run id, so a failed station run can be replayed and
// inspected after the fact.
//
// # Basic Usage
//
//	// Console output during development
//	capture := log.NewSlogAdapter(slog.Default())
//
//	// Capture file for the station
//	capture, _ := log.NewFileLogger("/var/log/sidprov/station.dpplog")
//
//	// Both
//	capture := log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fileLogger)
//
// # Event Types
//
// Events are captured at three layers:
//   - Probe: raw RTT bytes (FrameEvent)
//   - Wire: decoded DPP commands and responses (MessageEvent)
//   - Session: provisioning state changes (StateChangeEvent)
//
// Errors at any layer have a dedicated event type.
//
// # File Format
//
// Capture files hold a stream of CBOR encoded events with integer keys.
// "sidprov log view" prints and filters them.
package log
