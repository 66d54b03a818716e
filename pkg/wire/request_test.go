package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
)

func TestCommandIDs(t *testing.T) {
	for i, c := range Commands {
		if uint16(c) != uint16(i) {
			t.Errorf("%s = %d, want %d", c, uint16(c), i)
		}
		if !c.IsValid() {
			t.Errorf("%s not valid", c)
		}
	}
	if Command(8).IsValid() {
		t.Error("Command(8) should be invalid")
	}
}

func TestWriteNVM3(t *testing.T) {
	f := NewWriteNVM3(0xA9004, []byte{1, 2, 3})
	want := []byte{0x04, 0x90, 0x0A, 0x00, 0x03, 0x00, 1, 2, 3}
	if !bytes.Equal(f.Body, want) {
		t.Fatalf("body = % x, want % x", f.Body, want)
	}

	key, data, err := ParseWriteNVM3(f)
	if err != nil {
		t.Fatal(err)
	}
	if key != 0xA9004 || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Errorf("parsed key=%x data=% x", key, data)
	}
}

func TestInjectKey(t *testing.T) {
	attrs := KeyAttributes{
		Lifetime:   1,
		Location:   1,
		UsageFlags: 0x400,
		Bits:       0xFF,
		Algorithm:  0x06000800,
		Type:       0x42,
		KeyID:      1,
	}
	key := bytes.Repeat([]byte{0x33}, 32)
	f := NewInjectKey(attrs, key)
	if len(f.Body) != 5*4+1+4+4+32 {
		t.Fatalf("body length = %d", len(f.Body))
	}
	if f.Body[20] != 0x42 {
		t.Errorf("key type byte = %x", f.Body[20])
	}

	gotAttrs, gotKey, err := ParseInjectKey(f)
	if err != nil {
		t.Fatal(err)
	}
	if gotAttrs != attrs {
		t.Errorf("attributes = %+v, want %+v", gotAttrs, attrs)
	}
	if !bytes.Equal(gotKey, key) {
		t.Error("key did not round trip")
	}
}

func TestGenSMSN(t *testing.T) {
	tests := []struct {
		name string
		req  SMSNRequest
		size int
	}{
		{"without board id", SMSNRequest{DeviceType: "dev", DSN: "1234", APID: "AbCd"}, 8 + 3 + 4 + 4},
		{"with board id", SMSNRequest{DeviceType: "dev", DSN: "1234", APID: "AbCd", BoardID: "b1"}, 8 + 3 + 4 + 4 + 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewGenSMSN(tt.req)
			if len(f.Body) != tt.size {
				t.Fatalf("body length = %d, want %d", len(f.Body), tt.size)
			}
			got, err := ParseGenSMSN(f)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.req {
				t.Errorf("parsed = %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestCertGenFrames(t *testing.T) {
	f := NewGenCSR(CurveP256R1)
	if !bytes.Equal(f.Body, []byte{2}) {
		t.Errorf("GenCSR body = % x", f.Body)
	}
	if c, err := ParseGenCSR(f); err != nil || c != CurveP256R1 {
		t.Errorf("ParseGenCSR = %v, %v", c, err)
	}

	chain := bytes.Repeat([]byte{0x7E}, 100)
	f = NewWriteCertChain(CurveED25519, chain)
	if f.Body[0] != 1 || f.Body[1] != 100 || f.Body[2] != 0 {
		t.Errorf("WriteCertChain header = % x", f.Body[:3])
	}
	c, got, err := ParseWriteCertChain(f)
	if err != nil || c != CurveED25519 || !bytes.Equal(got, chain) {
		t.Errorf("ParseWriteCertChain = %v, %d bytes, %v", c, len(got), err)
	}

	key := bytes.Repeat([]byte{0x01}, 32)
	f = NewWriteAppSrvPubKey(key)
	if got, err := ParseWriteAppSrvPubKey(f); err != nil || !bytes.Equal(got, key) {
		t.Errorf("ParseWriteAppSrvPubKey = % x, %v", got, err)
	}

	if len(NewInit().Body) != 0 || len(NewStore().Body) != 0 {
		t.Error("Init and Store carry no body")
	}
}

func TestParseErrors(t *testing.T) {
	if _, _, err := ParseWriteNVM3(NewStore()); !errors.Is(err, ErrProtocol) {
		t.Errorf("wrong command error = %v", err)
	}

	f := NewWriteNVM3(1, []byte{1, 2, 3})
	f.Body = f.Body[:len(f.Body)-1]
	if _, _, err := ParseWriteNVM3(f); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated error = %v", err)
	}

	f = NewGenCSR(CurveED25519)
	f.Body = append(f.Body, 0)
	if _, err := ParseGenCSR(f); !errors.Is(err, ErrProtocol) {
		t.Errorf("trailing byte error = %v", err)
	}
}

func TestCurveMapping(t *testing.T) {
	for _, c := range cert.Curves {
		back, err := CurveOf(c).Cert()
		if err != nil || back != c {
			t.Errorf("CurveOf(%s).Cert() = %v, %v", c, back, err)
		}
	}
	if CurveOf(cert.CurveED25519) != 1 || CurveOf(cert.CurveP256R1) != 2 {
		t.Error("DPP curve ids changed")
	}
	if _, err := Curve(3).Cert(); !errors.Is(err, ErrProtocol) {
		t.Errorf("unknown curve error = %v", err)
	}
}
