// Package provision drives the device provisioning protocol (DPP) over a
// debug probe.
//
// A run loads the provisioning firmware into RAM, reopens the probe with
// the RTT channel running and hands the Session to a Mode:
//
//	Execute = CheckArguments → flash image → Open(RTT) → Mode.Run → Close(RTT)
//
// Two modes exist. PrivateKeyMode writes a host-generated identity: the
// private keys are injected into the secure key store and every other
// object is written to NVM3, in the order given. OnDeviceCertGenMode lets
// the device generate its SMSN and key pairs, has the CSRs signed by a
// CSRSigner and writes the returned chains back.
//
// Errors are typed: *ArgumentError before any hardware access,
// *TransportError for probe failures, protocol errors from pkg/wire,
// *DeviceStatusError for firmware status codes and *ExternalSigningError
// when the CSRs could not be signed.
package provision
