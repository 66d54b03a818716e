package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sidewalk-mfg/sidprov-go/pkg/log"
	"github.com/sidewalk-mfg/sidprov-go/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// stubProbe
// ---------------------------------------------------------------------------

type stubProbe struct{ mock.Mock }

func (p *stubProbe) Connect(ctx context.Context) error { return p.Called().Error(0) }
func (p *stubProbe) Reset(ctx context.Context, halt bool) error {
	return p.Called(halt).Error(0)
}
func (p *stubProbe) StartRTT(ctx context.Context) error { return p.Called().Error(0) }
func (p *stubProbe) StopRTT() error                     { return p.Called().Error(0) }
func (p *stubProbe) RTTWrite(ch int, data []byte) (int, error) {
	ret := p.Called(ch, data)
	return ret.Int(0), ret.Error(1)
}
func (p *stubProbe) RTTRead(ch int, max int) ([]byte, error) {
	ret := p.Called(ch, max)
	var b []byte
	if ret.Get(0) != nil {
		b = ret.Get(0).([]byte)
	}
	return b, ret.Error(1)
}
func (p *stubProbe) WriteMemory(addr uint32, data []byte) (int, error) {
	ret := p.Called(addr, data)
	return ret.Int(0), ret.Error(1)
}
func (p *stubProbe) WriteRegister(reg Register, value uint32) error {
	return p.Called(reg, value).Error(0)
}
func (p *stubProbe) Restart() (bool, error) {
	ret := p.Called()
	return ret.Bool(0), ret.Error(1)
}
func (p *stubProbe) Close() error { return p.Called().Error(0) }

type captureSink struct {
	mu     sync.Mutex
	events []log.Event
}

func (c *captureSink) Log(ev log.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func openChannel(t *testing.T, p *stubProbe, cfg ChannelConfig) *Channel {
	t.Helper()
	p.On("Connect").Return(nil).Once()
	p.On("StartRTT").Return(nil).Once()
	c := NewChannel(p, cfg)
	ctx := context.Background()
	require.NoError(t, c.Open(ctx))
	require.NoError(t, c.StartRTT(ctx))
	require.Equal(t, StateRTT, c.State())
	return c
}

func TestChannelSendRetriesUntilAccepted(t *testing.T) {
	p := &stubProbe{}
	sink := &captureSink{}
	c := openChannel(t, p, ChannelConfig{
		PollInterval: time.Microsecond,
		Capture:      &log.Recorder{Logger: sink, RunID: "r"},
	})

	frame := []byte{0x02, 0x00, 0x00, 0x00}
	p.On("RTTWrite", RTTChannel, frame).Return(0, nil).Twice()
	p.On("RTTWrite", RTTChannel, frame).Return(len(frame), nil).Once()

	n, err := c.Send(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	p.AssertNumberOfCalls(t, "RTTWrite", 3)

	var frames int
	for _, ev := range sink.events {
		if ev.Frame != nil {
			frames++
			assert.Equal(t, log.DirectionOut, ev.Direction)
			assert.Equal(t, "r", ev.RunID)
		}
	}
	assert.Equal(t, 1, frames)
}

func TestChannelSendPartialWrites(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{PollInterval: time.Microsecond})

	frame := []byte{1, 2, 3, 4, 5, 6}
	p.On("RTTWrite", RTTChannel, frame).Return(4, nil).Once()
	p.On("RTTWrite", RTTChannel, frame[4:]).Return(2, nil).Once()

	n, err := c.Send(context.Background(), frame)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	p.AssertExpectations(t)
}

func TestChannelSendBound(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{})

	for _, size := range []int{TxBufferSize, TxBufferSize + 1, 4096} {
		_, err := c.Send(context.Background(), make([]byte, size))
		assert.ErrorIs(t, err, ErrFrameTooLarge, "size %d", size)
		assert.ErrorIs(t, err, wire.ErrProtocol, "size %d", size)
	}
	p.AssertNotCalled(t, "RTTWrite", mock.Anything, mock.Anything)
}

func TestChannelReceivePollsUntilData(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{PollInterval: time.Microsecond})

	p.On("RTTRead", RTTChannel, RxBufferSize).Return([]byte{}, nil).Times(3)
	p.On("RTTRead", RTTChannel, RxBufferSize).Return([]byte{0, 0, 0, 0}, nil).Once()

	data, err := c.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	p.AssertNumberOfCalls(t, "RTTRead", 4)
}

func TestChannelReceiveTimeout(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{PollInterval: time.Millisecond, Timeout: 10 * time.Millisecond})

	p.On("RTTRead", RTTChannel, RxBufferSize).Return(nil, nil)

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestChannelReceiveContextCancel(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{PollInterval: time.Millisecond})

	p.On("RTTRead", RTTChannel, RxBufferSize).Return(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelProbeErrors(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{})

	boom := errors.New("usb gone")
	p.On("RTTWrite", RTTChannel, mock.Anything).Return(0, boom)
	p.On("RTTRead", RTTChannel, RxBufferSize).Return(nil, boom)

	_, err := c.Send(context.Background(), []byte{1})
	assert.ErrorIs(t, err, boom)
	_, err = c.Receive(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestChannelRequiresRTT(t *testing.T) {
	p := &stubProbe{}
	c := NewChannel(p, ChannelConfig{})

	_, err := c.Send(context.Background(), []byte{1})
	assert.ErrorIs(t, err, ErrRTTNotRunning)
	_, err = c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrRTTNotRunning)
	assert.ErrorIs(t, c.Reset(context.Background(), true), ErrChannelClosed)
	assert.ErrorIs(t, c.StartRTT(context.Background()), ErrChannelClosed)
}

func TestChannelOpenTwice(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{})
	assert.ErrorIs(t, c.Open(context.Background()), ErrAlreadyOpen)
}

func TestChannelConnectFailure(t *testing.T) {
	p := &stubProbe{}
	boom := errors.New("no probe")
	p.On("Connect").Return(boom)

	c := NewChannel(p, ChannelConfig{})
	assert.ErrorIs(t, c.Open(context.Background()), boom)
	assert.Equal(t, StateClosed, c.State())
}

func TestChannelLoadImage(t *testing.T) {
	const ram, stack = 0x20000000, 0x20001000

	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{})

	img := bytes.Repeat([]byte{0xaa}, 300)
	p.On("WriteMemory", uint32(ram), img).Return(len(img), nil).Once()
	p.On("WriteRegister", RegSP, uint32(stack)).Return(nil).Once()
	p.On("WriteRegister", RegPC, uint32(stack)).Return(nil).Once()
	p.On("Restart").Return(true, nil).Once()

	ok, n, err := c.LoadImage(ram, stack, img)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, len(img), n)
	p.AssertExpectations(t)
}

func TestChannelLoadImageEmpty(t *testing.T) {
	p := &stubProbe{}
	c := NewChannel(p, ChannelConfig{})

	for _, img := range [][]byte{nil, {}} {
		ok, n, err := c.LoadImage(0x20000000, 0x20001000, img)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, n)
	}
	p.AssertNotCalled(t, "WriteMemory", mock.Anything, mock.Anything)
}

func TestChannelLoadImageShortWrite(t *testing.T) {
	p := &stubProbe{}
	c := openChannel(t, p, ChannelConfig{})

	p.On("WriteMemory", mock.Anything, mock.Anything).Return(10, nil)

	ok, n, err := c.LoadImage(0x20000000, 0x20001000, make([]byte, 20))
	assert.ErrorIs(t, err, ErrImageNotWritten)
	assert.False(t, ok)
	assert.Equal(t, 10, n)
	p.AssertNotCalled(t, "Restart")
}

func TestChannelClose(t *testing.T) {
	p := &stubProbe{}
	sink := &captureSink{}
	c := openChannel(t, p, ChannelConfig{Capture: &log.Recorder{Logger: sink}})

	p.On("StopRTT").Return(nil).Once()
	p.On("Close").Return(nil).Once()

	require.NoError(t, c.Close())
	assert.Equal(t, StateClosed, c.State())
	require.NoError(t, c.Close())
	p.AssertExpectations(t)

	var states []string
	for _, ev := range sink.events {
		if ev.StateChange != nil {
			states = append(states, ev.StateChange.NewState)
		}
	}
	assert.Equal(t, []string{"CONNECTED", "RTT", "CLOSED"}, states)
}

func TestChannelStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", StateClosed.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "RTT", StateRTT.String())
	assert.Equal(t, "UNKNOWN", ChannelState(42).String())
}
