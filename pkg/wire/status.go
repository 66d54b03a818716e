package wire

// Status is the status word returned by the provisioning firmware.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusErrInArgsNotValid
	StatusErrOutArgsNotValid

	// Parser status.
	StatusErrPktLenTooSmall
	StatusErrCmdUnknown

	// Platform status.
	StatusErrNVM3Open
	StatusErrNVM3Write
	StatusErrNVM3Repack
	StatusErrNVM3Close
	StatusErrPSACryptoInit
	StatusErrPSAImportKey
	StatusErrPSASignMessage

	// On-device certificate generation status.
	StatusErrOnDevCertGenInit
	StatusErrOnDevCertGenGenSMSN
	StatusErrOnDevCertGenGenCSR
	StatusErrOnDevCertGenWriteCertChain
	StatusErrOnDevCertGenWriteAppKey
	StatusErrOnDevCertGenCommit
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusErrInArgsNotValid:
		return "ERR_IN_ARGS_NOT_VALID"
	case StatusErrOutArgsNotValid:
		return "ERR_OUT_ARGS_NOT_VALID"
	case StatusErrPktLenTooSmall:
		return "ERR_PKT_LEN_TOO_SMALL"
	case StatusErrCmdUnknown:
		return "ERR_CMD_UNKNOWN"
	case StatusErrNVM3Open:
		return "ERR_NVM3_OPEN"
	case StatusErrNVM3Write:
		return "ERR_NVM3_WRITE"
	case StatusErrNVM3Repack:
		return "ERR_NVM3_REPACK"
	case StatusErrNVM3Close:
		return "ERR_NVM3_CLOSE"
	case StatusErrPSACryptoInit:
		return "ERR_PSA_CRYPTO_INIT"
	case StatusErrPSAImportKey:
		return "ERR_PSA_IMPORT_KEY"
	case StatusErrPSASignMessage:
		return "ERR_PSA_SIGN_MESSAGE"
	case StatusErrOnDevCertGenInit:
		return "ERR_ON_DEV_CERT_GEN_INIT"
	case StatusErrOnDevCertGenGenSMSN:
		return "ERR_ON_DEV_CERT_GEN_GEN_SMSN"
	case StatusErrOnDevCertGenGenCSR:
		return "ERR_ON_DEV_CERT_GEN_GEN_CSR"
	case StatusErrOnDevCertGenWriteCertChain:
		return "ERR_ON_DEV_CERT_GEN_WRITE_CERT_CHAIN"
	case StatusErrOnDevCertGenWriteAppKey:
		return "ERR_ON_DEV_CERT_GEN_WRITE_APP_KEY"
	case StatusErrOnDevCertGenCommit:
		return "ERR_ON_DEV_CERT_GEN_COMMIT"
	default:
		return "UNKNOWN"
	}
}

// IsSuccess returns true if the status indicates success.
func (s Status) IsSuccess() bool {
	return s == StatusSuccess
}

// IsError returns true if the status indicates an error.
func (s Status) IsError() bool {
	return s != StatusSuccess
}
