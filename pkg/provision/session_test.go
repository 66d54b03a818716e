package provision

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/sidewalk-mfg/sidprov-go/pkg/devsim"
	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/mfg"
	"github.com/sidewalk-mfg/sidprov-go/pkg/part"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openSession flashes d and returns an RTT-open session over it.
func openSession(t *testing.T, d *devsim.Device, capture *captureLogger) *Session {
	t.Helper()
	ctx := context.Background()
	cfg := SessionConfig{}
	if capture != nil {
		cfg.Capture = &log.Recorder{Logger: capture, RunID: "run-1"}
	}
	s := NewSession(newChannel(d), cfg)
	require.NoError(t, s.Open(ctx, false))
	require.NoError(t, s.ResetAndHalt(ctx))
	ok, err := s.BurnImage(part.RAMStart, part.RAMStart+part.StackSize, testImage)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Close(ctx, false))

	require.NoError(t, s.Open(ctx, true))
	assert.Equal(t, SessionRTTOpen, s.State())
	return s
}

func TestSessionStates(t *testing.T) {
	assert.Equal(t, "CLOSED", SessionClosed.String())
	assert.Equal(t, "OPEN", SessionOpen.String())
	assert.Equal(t, "RTT_OPEN", SessionRTTOpen.String())
	assert.Equal(t, "UNKNOWN", SessionState(9).String())
}

func TestSessionRequiresRTT(t *testing.T) {
	d := devsim.New(devsim.Config{})
	s := NewSession(newChannel(d), SessionConfig{})
	_, err := s.SendReceive(context.Background(), wire.NewInit())
	assert.ErrorIs(t, err, ErrSessionState)

	require.NoError(t, s.Open(context.Background(), false))
	_, err = s.SendReceive(context.Background(), wire.NewInit())
	assert.ErrorIs(t, err, ErrSessionState)
	assert.ErrorIs(t, s.Open(context.Background(), false), ErrSessionState)
	require.NoError(t, s.Close(context.Background(), false))
	assert.Equal(t, SessionClosed, s.State())
}

// resetProbe records the context state seen by Reset.
type resetProbe struct {
	*idleProbe
	ctxErr      error
	hasDeadline bool
}

func (p *resetProbe) Reset(ctx context.Context, halt bool) error {
	p.ctxErr = ctx.Err()
	_, p.hasDeadline = ctx.Deadline()
	return p.idleProbe.Reset(ctx, halt)
}

func TestSessionCloseResetsAfterCancel(t *testing.T) {
	idle := &idleProbe{}
	idle.On("Connect").Return(nil)
	idle.On("StartRTT").Return(nil)
	idle.On("StopRTT").Return(nil)
	idle.On("Reset", false).Return(nil).Once()
	idle.On("Close").Return(nil)
	p := &resetProbe{idleProbe: idle}

	s := NewSession(newChannel(p), SessionConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Open(ctx, true))
	cancel()

	require.NoError(t, s.Close(ctx, true))
	assert.NoError(t, p.ctxErr)
	assert.True(t, p.hasDeadline)
	assert.Equal(t, SessionClosed, s.State())
	idle.AssertExpectations(t)
}

func TestSessionResetClosed(t *testing.T) {
	s := NewSession(newChannel(devsim.New(devsim.Config{})), SessionConfig{})
	assert.ErrorIs(t, s.ResetAndHalt(context.Background()), ErrSessionState)
}

func TestSessionBurnEmptyImage(t *testing.T) {
	d := devsim.New(devsim.Config{})
	s := NewSession(newChannel(d), SessionConfig{})
	ctx := context.Background()
	require.NoError(t, s.Open(ctx, false))
	require.NoError(t, s.ResetAndHalt(ctx))
	ok, err := s.BurnImage(part.RAMStart, part.RAMStart+part.StackSize, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Close(ctx, false))
	assert.False(t, d.FirmwareRunning())
}

func TestSessionSendReceive(t *testing.T) {
	d := devsim.New(devsim.Config{})
	capture := &captureLogger{}
	s := openSession(t, d, capture)
	ctx := context.Background()

	require.NoError(t, func() error { _, err := s.SendReceive(ctx, wire.NewInit()); return err }())
	payload, err := s.SendReceive(ctx, wire.NewGenSMSN(wire.SMSNRequest{DeviceType: "lock", DSN: "0001", APID: "ab12"}))
	require.NoError(t, err)
	smsn, err := wire.ParseLengthPrefixed(payload)
	require.NoError(t, err)
	s.SetSMSN(smsn)

	_, err = s.SendReceive(ctx, wire.NewWriteNVM3(uint32(mfg.APID), []byte("ab12")))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx, true))

	var requests, responses int
	var last log.Event
	for _, ev := range capture.events {
		if ev.Message == nil {
			continue
		}
		if ev.Message.Type == log.MessageTypeRequest {
			requests++
		} else {
			responses++
			require.NotNil(t, ev.Message.Status)
			require.NotNil(t, ev.Message.RoundTrip)
		}
		last = ev
		assert.Equal(t, "run-1", ev.RunID)
	}
	assert.Equal(t, 3, requests)
	assert.Equal(t, 3, responses)
	assert.Equal(t, wire.CmdWriteNVM3, last.Message.Command)
	assert.Equal(t, hex.EncodeToString(smsn), last.SMSN)
}

func TestSessionDeviceStatusEvent(t *testing.T) {
	d := devsim.New(devsim.Config{})
	ie := uint32(3)
	d.Fail(wire.CmdGenCSR, devsim.Fault{Status: wire.StatusErrOnDevCertGenGenCSR, InternalError: &ie})
	capture := &captureLogger{}
	s := openSession(t, d, capture)

	_, err := s.SendReceive(context.Background(), wire.NewGenCSR(wire.CurveP256R1))
	require.ErrorIs(t, err, ErrDeviceStatus)
	assert.Equal(t, "GenCSR: device status ERR_ON_DEV_CERT_GEN_GEN_CSR (internal error 3)", err.Error())

	var found bool
	for _, ev := range capture.events {
		if ev.Error == nil {
			continue
		}
		found = true
		require.NotNil(t, ev.Error.Code)
		assert.Equal(t, int(wire.StatusErrOnDevCertGenGenCSR), *ev.Error.Code)
		assert.Equal(t, wire.CmdGenCSR.String(), ev.Error.Context)
	}
	assert.True(t, found)
}

func TestSessionContextCanceled(t *testing.T) {
	d := devsim.New(devsim.Config{ReadStalls: 1 << 30})
	s := openSession(t, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.SendReceive(ctx, wire.NewInit())
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTransport)
}
