package sidprov_test

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/cert"
	"github.com/sidewalk-mfg/sidprov-go/pkg/devsim"
	"github.com/sidewalk-mfg/sidprov-go/pkg/hsm"
	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/provision"
	"github.com/sidewalk-mfg/sidprov-go/pkg/signer"
	"github.com/sidewalk-mfg/sidprov-go/pkg/transport"
)

const (
	signerTag = "TEST_ACME_DAK"
	hsmPin    = "0001password"
	appKey    = "4200000000000000000000000000000000000000000000000000000000000000"
)

var image = []byte{0x00, 0x10, 0x00, 0x20, 0x01, 0x02, 0x03, 0x04}

// newLocalSigner builds a CSR signer over a freshly generated keystore
// that went through a save/load round trip.
func newLocalSigner(t *testing.T) provision.CSRSigner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hsm.yaml")

	h := hsm.NewSoftHSM(7)
	err := hsm.GenerateHierarchy(h, hsm.HierarchyConfig{
		Scheme:    hsm.SchemeLongChain,
		SignerTag: signerTag,
		Stages:    []cert.Stage{cert.StageTest},
		Pin:       hsmPin,
		HSMInfo:   true,
	})
	if err != nil {
		t.Fatalf("GenerateHierarchy: %v", err)
	}
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := hsm.LoadSoftHSM(path)
	if err != nil {
		t.Fatalf("LoadSoftHSM: %v", err)
	}
	ctx := context.Background()
	sess, err := hsm.OpenSession(ctx, loaded, hsmPin, 0, cert.StageTest, nil)
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	store, err := hsm.NewStore(ctx, sess, hsm.StoreConfig{SignerTag: signerTag})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return &provision.LocalSigner{Signer: signer.New(store, signer.Config{Stage: cert.StageTest})}
}

func newProvisioner(d *devsim.Device, rec *log.Recorder) *provision.Provisioner {
	ch := transport.NewChannel(d, transport.ChannelConfig{
		PollInterval: time.Millisecond,
		Timeout:      2 * time.Second,
		Capture:      rec,
	})
	return provision.New(ch, provision.Config{Image: image, Capture: rec})
}

// TestIdentityLifecycle lets one simulated device generate its identity
// and writes the same identity into a second device with priv-key.
func TestIdentityLifecycle(t *testing.T) {
	ctx := context.Background()
	capturePath := filepath.Join(t.TempDir(), "station"+log.FileExtension)
	capture, err := log.NewFileLogger(capturePath)
	if err != nil {
		t.Fatalf("NewFileLogger: %v", err)
	}

	source := devsim.New(devsim.Config{Serial: "000801000001"})
	onDev := &provision.OnDeviceCertGenMode{
		DeviceType:         "lock",
		DSN:                "0001",
		APID:               "ab12",
		AppServerPublicKey: appKey,
		Signer:             newLocalSigner(t),
	}

	t.Run("OnDeviceCertGen", func(t *testing.T) {
		rec := &log.Recorder{Logger: capture, RunID: log.NewRunID()}
		if err := newProvisioner(source, rec).Execute(ctx, onDev); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(onDev.SMSN) != cert.SMSNSize {
			t.Errorf("SMSN size = %d, want %d", len(onDev.SMSN), cert.SMSNSize)
		}
	})

	clone := devsim.New(devsim.Config{Serial: "000801000002"})

	t.Run("PrivKeyClone", func(t *testing.T) {
		// The source NVM3 holds key ids in place of the private keys;
		// the clone gets the key material itself.
		var data mfg.Data
		for _, e := range source.NVM3() {
			if e.ID.Kind() != mfg.KindPrivateKey {
				data.SetHex(e.ID, e.Hex)
				continue
			}
			attrs, _ := e.ID.KeyAttributes()
			slot, ok := source.Key(attrs.KeyID)
			if !ok {
				t.Fatalf("source has no key %d", attrs.KeyID)
			}
			data.Set(e.ID, slot.Key)
		}

		rec := &log.Recorder{Logger: capture, RunID: log.NewRunID()}
		if err := newProvisioner(clone, rec).Execute(ctx, &provision.PrivateKeyMode{Data: data}); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	})

	t.Run("SameIdentity", func(t *testing.T) {
		for _, e := range source.NVM3() {
			if e.ID.Kind() == mfg.KindPrivateKey {
				continue
			}
			got, ok := clone.NVM3().Get(e.ID)
			if !ok || got.Hex != e.Hex {
				t.Errorf("%s: clone has %q, want %q", e.ID, got.Hex, e.Hex)
			}
		}
		for _, id := range []uint32{mfg.KeyIDED25519, mfg.KeyIDP256R1} {
			want, _ := source.Key(id)
			got, ok := clone.Key(id)
			if !ok || !bytes.Equal(got.Key, want.Key) {
				t.Errorf("key %d differs", id)
			}
		}
	})

	t.Run("Capture", func(t *testing.T) {
		if err := capture.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		reader, err := log.NewReader(capturePath)
		if err != nil {
			t.Fatalf("NewReader: %v", err)
		}
		defer reader.Close()

		results := map[string]string{}
		for {
			ev, err := reader.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if sc := ev.StateChange; sc != nil && sc.Entity == log.StateEntityRun && sc.NewState != "STARTED" {
				results[ev.RunID] = sc.NewState
			}
		}
		if len(results) != 2 {
			t.Fatalf("expected 2 runs, got %v", results)
		}
		for run, state := range results {
			if state != "COMPLETED" {
				t.Errorf("run %s ended %s", run, state)
			}
		}
	})
}
