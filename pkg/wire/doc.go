// Package wire implements the Device Provisioning Protocol (DPP) frame
// format spoken with the provisioning firmware running in target RAM.
//
// All integers are little-endian. A request frame is
//
//	u16 command | u16 body length | body
//
// and a response is
//
//	u32 status | payload
//
// where a failed response may carry a u32 internal error code as the
// first payload word.
//
// # Commands
//
// Private-key provisioning uses WriteNVM3 and InjectKey. On-device
// certificate generation uses Init, GenSMSN, GenCSR, WriteCertChain,
// WriteAppSrvPubKey and Store, in that order.
//
// # Curves
//
// DPP numbers curves from 1 (ED25519=1, P256R1=2), unlike the HSM
// addressing model which uses the curve offset 0 and 1. Use CurveOf to
// convert.
package wire
