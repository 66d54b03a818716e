package provision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
)

// CSRRequest carries the device CSRs to sign.
type CSRRequest struct {
	ED25519 []byte
	P256R1  []byte
	APID    string

	// SMSN is the serial reported by the device. When set, the issued
	// chains must carry it.
	SMSN []byte
}

// SignedChains are the flat chain encodings of both curves.
type SignedChains struct {
	ED25519 []byte
	P256R1  []byte
}

// CSRSigner turns device CSRs into signed chains.
type CSRSigner interface {
	SignCSRs(ctx context.Context, req CSRRequest) (*SignedChains, error)
}

// checkChains parses both chains and checks them against the request.
// Any defect is an *ExternalSigningError.
func checkChains(name string, req CSRRequest, chains *SignedChains) error {
	for _, c := range []struct {
		curve cert.Curve
		data  []byte
	}{
		{cert.CurveED25519, chains.ED25519},
		{cert.CurveP256R1, chains.P256R1},
	} {
		if len(c.data) == 0 {
			return &ExternalSigningError{Signer: name, Reason: fmt.Sprintf("no %s chain returned", c.curve)}
		}
		chain, err := cert.ParseChain(c.data, c.curve)
		if err != nil {
			return &ExternalSigningError{Signer: name, Reason: fmt.Sprintf("malformed %s chain", c.curve), Err: err}
		}
		if err := chain.Validate(); err != nil {
			return &ExternalSigningError{Signer: name, Reason: fmt.Sprintf("%s chain does not verify", c.curve), Err: err}
		}
		if len(req.SMSN) > 0 && !bytes.Equal(chain.Leaf().Serial, req.SMSN) {
			return &ExternalSigningError{Signer: name, Reason: fmt.Sprintf("%s chain issued for another smsn", c.curve)}
		}
	}
	return nil
}

// DefaultSigningTool is the signing tool executable name.
const DefaultSigningTool = "sidewalk_signing_tool"

// ExecSigner runs the signing tool as a separate process and reads the
// JSON document it prints.
type ExecSigner struct {
	// Command is the tool executable; Args are prepended to the tool
	// arguments (e.g. Command "python3", Args ["sidewalk_signing_tool.py"]).
	Command string
	Args    []string

	ProductTag string
	HSMAddr    string
	PIN        string

	// ControlLogDir is passed to the tool (default: "out").
	ControlLogDir string

	// Dir is the working directory of the tool.
	Dir string

	// Logger receives progress output (default: slog.Default()).
	Logger *slog.Logger
}

const execSignerName = "exec"

// ToolArgs returns the arguments passed to the tool for req.
func (e *ExecSigner) ToolArgs(req CSRRequest) []string {
	logDir := e.ControlLogDir
	if logDir == "" {
		logDir = "out"
	}
	args := append([]string{}, e.Args...)
	return append(args,
		"-p="+e.ProductTag,
		"-c="+e.HSMAddr,
		"--pin="+e.PIN,
		"--eddsa_csr="+base64.StdEncoding.EncodeToString(req.ED25519),
		"--ecdsa_csr="+base64.StdEncoding.EncodeToString(req.P256R1),
		"--apid="+req.APID,
		"--control_log_dir="+logDir,
	)
}

// SignCSRs runs the tool and decodes both chains from its output.
// A failing tool, unparsable output or a missing chain are reported as
// *ExternalSigningError.
func (e *ExecSigner) SignCSRs(ctx context.Context, req CSRRequest) (*SignedChains, error) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	command := e.Command
	if command == "" {
		command = DefaultSigningTool
	}

	cmd := exec.CommandContext(ctx, command, e.ToolArgs(req)...)
	cmd.Dir = e.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("running signing tool", "command", command, "product_tag", e.ProductTag, "hsm", e.HSMAddr)
	if err := cmd.Run(); err != nil {
		logger.Error("failed to sign the csrs", "error", err, "stderr", strings.TrimSpace(stderr.String()))
		return nil, &ExternalSigningError{
			Signer: execSignerName,
			Reason: "signing tool failed",
			Output: stderr.String(),
			Err:    err,
		}
	}

	var doc signer.Document
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		return nil, &ExternalSigningError{Signer: execSignerName, Reason: "malformed output", Output: stdout.String(), Err: err}
	}
	chains := &SignedChains{}
	for _, c := range []struct {
		name  string
		value string
		dst   *[]byte
	}{
		{"eD25519", doc.ED25519, &chains.ED25519},
		{"p256R1", doc.P256R1, &chains.P256R1},
	} {
		if c.value == "" {
			return nil, &ExternalSigningError{Signer: execSignerName, Reason: "partial output: " + c.name + " missing", Output: stdout.String()}
		}
		b, err := base64.StdEncoding.DecodeString(c.value)
		if err != nil {
			return nil, &ExternalSigningError{Signer: execSignerName, Reason: "malformed " + c.name, Err: err}
		}
		*c.dst = b
	}
	if err := checkChains(execSignerName, req, chains); err != nil {
		return nil, err
	}
	logger.Debug("csrs signed", "ed25519_len", len(chains.ED25519), "p256r1_len", len(chains.P256R1))
	return chains, nil
}

// LocalSigner signs CSRs in process with an HSM backed signer.
type LocalSigner struct {
	Signer *signer.Signer

	// SkipVerify disables the CSR self-signature check.
	SkipVerify bool
}

const localSignerName = "local"

// SignCSRs decodes both CSRs, checks they carry the same SMSN and issues
// a chain per curve.
func (l *LocalSigner) SignCSRs(ctx context.Context, req CSRRequest) (*SignedChains, error) {
	if l.Signer == nil {
		return nil, &ExternalSigningError{Signer: localSignerName, Reason: "no signer configured"}
	}
	smsnLen := len(req.SMSN)
	if smsnLen == 0 {
		smsnLen = cert.SMSNSize
	}

	var csrs [2]*signer.CSR
	for i, c := range []struct {
		curve cert.Curve
		data  []byte
	}{
		{cert.CurveED25519, req.ED25519},
		{cert.CurveP256R1, req.P256R1},
	} {
		csr, err := signer.DecodeCSR(c.data, smsnLen, c.curve, !l.SkipVerify)
		if err != nil {
			return nil, &ExternalSigningError{Signer: localSignerName, Reason: "bad csr", Err: err}
		}
		csrs[i] = csr
	}
	if !bytes.Equal(csrs[0].SMSN, csrs[1].SMSN) {
		return nil, &ExternalSigningError{Signer: localSignerName, Reason: "csrs carry different serials", Err: signer.ErrCSRMismatch}
	}

	chains := &SignedChains{}
	for _, c := range []struct {
		csr *signer.CSR
		dst *[]byte
	}{
		{csrs[0], &chains.ED25519},
		{csrs[1], &chains.P256R1},
	} {
		raw, err := l.Signer.GenerateChain(ctx, c.csr.Curve, c.csr.PublicKey, c.csr.SMSN)
		if err != nil {
			return nil, &ExternalSigningError{Signer: localSignerName, Reason: fmt.Sprintf("%s chain issuance", c.csr.Curve), Err: err}
		}
		*c.dst = raw
	}
	if err := checkChains(localSignerName, req, chains); err != nil {
		return nil, err
	}
	return chains, nil
}

// Compile-time interface satisfaction checks.
var (
	_ CSRSigner = (*ExecSigner)(nil)
	_ CSRSigner = (*LocalSigner)(nil)
)
