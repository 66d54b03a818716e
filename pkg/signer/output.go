package signer

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
)

// ControlLogVersion is the only supported control log format.
const ControlLogVersion = "4-0-1"

// ErrUnsupportedControlLog is returned for an unknown control log version.
var ErrUnsupportedControlLog = errors.New("unsupported control log version")

// Document is the JSON output of a signing run. It is also the input
// format of production certificate documents.
type Document struct {
	ED25519                    string    `json:"eD25519"`
	P256R1                     string    `json:"p256R1"`
	Label                      string    `json:"label"`
	Metadata                   *Metadata `json:"metadata,omitempty"`
	ApplicationServerPublicKey string    `json:"applicationServerPublicKey,omitempty"`
}

// Metadata carries the device identity and optional private keys.
type Metadata struct {
	SMSN                 string `json:"smsn,omitempty"`
	APID                 string `json:"apid,omitempty"`
	DevicePrivKeyEd25519 string `json:"devicePrivKeyEd25519,omitempty"`
	DevicePrivKeyP256R1  string `json:"devicePrivKeyP256R1,omitempty"`
}

// Document builds the JSON document of the result.
func (r *Result) Document() *Document {
	doc := &Document{
		ED25519: base64.StdEncoding.EncodeToString(r.ED25519Chain),
		P256R1:  base64.StdEncoding.EncodeToString(r.P256R1Chain),
		Label:   strings.ToLower(r.Stage.String()),
	}
	md := Metadata{
		SMSN:                 hexOrEmpty(r.SMSN),
		APID:                 r.APID,
		DevicePrivKeyEd25519: hexOrEmpty(r.ED25519Private),
		DevicePrivKeyP256R1:  hexOrEmpty(r.P256R1Private),
	}
	if md != (Metadata{}) {
		doc.Metadata = &md
	}
	doc.ApplicationServerPublicKey = hexOrEmpty(r.AppServerPublicKey)
	return doc
}

// JSON renders the result as an indented JSON document.
func (r *Result) JSON() ([]byte, error) {
	out, err := json.MarshalIndent(r.Document(), "", "    ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// Flat renders the result as "key: value" lines.
func (r *Result) Flat() string {
	var b strings.Builder
	if len(r.SMSN) > 0 {
		fmt.Fprintf(&b, "smsn: %x\n", r.SMSN)
	}
	if len(r.ED25519Private) > 0 {
		fmt.Fprintf(&b, "devicePrivKeyEd25519: %x\n", r.ED25519Private)
	}
	if len(r.P256R1Private) > 0 {
		fmt.Fprintf(&b, "devicePrivKeyP256R1: %x\n", r.P256R1Private)
	}
	fmt.Fprintf(&b, "ED25519 Sidewalk Certificate Chain: %s\n", base64.StdEncoding.EncodeToString(r.ED25519Chain))
	fmt.Fprintf(&b, "P256R1 Sidewalk Certificate Chain: %s\n", base64.StdEncoding.EncodeToString(r.P256R1Chain))
	fmt.Fprintf(&b, "Label: %s\n", strings.ToLower(r.Stage.String()))
	if len(r.AppServerPublicKey) > 0 {
		fmt.Fprintf(&b, "Application Server Public Key:%x\n", r.AppServerPublicKey)
	}
	return b.String()
}

type controlLogFile struct {
	ControlLogs []controlLog `json:"controlLogs"`
}

type controlLog struct {
	Version string           `json:"version"`
	Device  controlLogDevice `json:"device"`
}

type controlLogDevice struct {
	SerialNumber      string `json:"serialNumber"`
	ProductIdentifier struct {
		AdvertisedProductID string `json:"advertisedProductId"`
	} `json:"productIdentifier"`
	SidewalkData struct {
		ED25519Chain string `json:"sidewalkED25519CertificateChain"`
		P256R1Chain  string `json:"sidewalkP256R1CertificateChain"`
		Label        string `json:"label"`
	} `json:"sidewalkData"`
}

// ControlLog renders the result as a manufacturing control log.
func (r *Result) ControlLog(ver string) ([]byte, error) {
	if !lo.Contains(SupportedControlLogVersions, ver) {
		return nil, fmt.Errorf("%w %s", ErrUnsupportedControlLog, ver)
	}
	dev := controlLogDevice{SerialNumber: hex.EncodeToString(r.SMSN)}
	dev.ProductIdentifier.AdvertisedProductID = r.APID
	dev.SidewalkData.ED25519Chain = base64.StdEncoding.EncodeToString(r.ED25519Chain)
	dev.SidewalkData.P256R1Chain = base64.StdEncoding.EncodeToString(r.P256R1Chain)
	dev.SidewalkData.Label = strings.ToLower(r.Stage.String())

	out, err := json.MarshalIndent(controlLogFile{
		ControlLogs: []controlLog{{Version: ver, Device: dev}},
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// SupportedControlLogVersions lists the control log formats.
var SupportedControlLogVersions = []string{ControlLogVersion}

// ControlLogFileName returns the control log name for a timestamp.
func ControlLogFileName(t time.Time) string {
	return "C_CONTROL_LOG_" + t.Format("20060102150405") + ".txt"
}

// WriteControlLog writes the control log into dir and returns its path.
// An existing file is never overwritten: the name is derived from the
// current second, so a clash waits for the next one.
func (r *Result) WriteControlLog(dir, ver string) (string, error) {
	data, err := r.ControlLog(ver)
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, ControlLogFileName(time.Now()))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, os.ErrExist) {
			time.Sleep(time.Second)
			continue
		}
		if err != nil {
			return "", err
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", err
		}
		return path, f.Close()
	}
}

func hexOrEmpty(b []byte) string {
	return lo.Ternary(len(b) == 0, "", hex.EncodeToString(b))
}
