// Package transport provides the debug-probe channel used to talk to the
// provisioning firmware.
//
// The transport layer handles:
//   - Probe lifecycle (connect, reset, close)
//   - Loading a RAM image and starting it
//   - The RTT data channel carrying DPP frames
//   - Bounded buffers and polling with optional timeout
//
// # Stack
//
//	┌────────────────────────────────┐
//	│   DPP frames (pkg/wire)        │
//	├────────────────────────────────┤
//	│   Channel (retry, bounds)      │
//	├────────────────────────────────┤
//	│   RTT channel 0                │
//	├────────────────────────────────┤
//	│   Probe (J-Link, simulator)    │
//	└────────────────────────────────┘
//
// # Buffers
//
// The firmware reserves 1024 bytes for each direction. Frames of
// TxBufferSize bytes or more are rejected before transmission and a single
// receive returns at most RxBufferSize bytes.
//
// # J-Link
//
// GDBProbe drives a SEGGER J-Link GDB server over the GDB remote serial
// protocol and uses its RTT telnet port for channel 0. It can spawn the
// server itself for a given device name and probe serial.
package transport
