package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// J-Link GDB server defaults.
const (
	DefaultGDBAddr      = "localhost:2331"
	DefaultRTTAddr      = "localhost:19021"
	DefaultGDBServer    = "JLinkGDBServerCLExe"
	DefaultDialTimeout  = 5 * time.Second
	DefaultReplyTimeout = 10 * time.Second

	// gdbChunkSize bounds the bytes carried by one memory write packet.
	gdbChunkSize = 512
)

// GDBConfig configures a GDBProbe.
type GDBConfig struct {
	Options

	// Addr is the GDB server address (default: localhost:2331).
	Addr string

	// RTTAddr is the RTT telnet address (default: localhost:19021).
	RTTAddr string

	// ServerPath, if set, is the J-Link GDB server executable to spawn on
	// Connect. Otherwise an already running server is used.
	ServerPath string

	// DialTimeout bounds waiting for the server ports (default: 5s).
	DialTimeout time.Duration

	// ReplyTimeout bounds each RSP exchange (default: 10s).
	ReplyTimeout time.Duration

	// RTTPoll is the read deadline of one RTTRead (default: 5ms).
	RTTPoll time.Duration

	// RTTBannerWait is how long to drain the telnet banner (default: 200ms).
	RTTBannerWait time.Duration

	// Logger receives operational logs (default: slog.Default()).
	Logger *slog.Logger
}

func (c *GDBConfig) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultGDBAddr
	}
	if c.RTTAddr == "" {
		c.RTTAddr = DefaultRTTAddr
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.RTTPoll <= 0 {
		c.RTTPoll = 5 * time.Millisecond
	}
	if c.RTTBannerWait <= 0 {
		c.RTTBannerWait = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// GDBProbe drives a J-Link GDB server over the GDB remote serial protocol
// and carries RTT channel 0 over the server's telnet port.
type GDBProbe struct {
	config GDBConfig
	logger *slog.Logger

	mu      sync.Mutex
	server  *exec.Cmd
	conn    net.Conn
	rsp     *rspConn
	rtt     net.Conn
	running bool
}

// NewGDBProbe creates a probe; nothing is opened until Connect.
func NewGDBProbe(config GDBConfig) *GDBProbe {
	config.applyDefaults()
	return &GDBProbe{config: config, logger: config.Logger}
}

// ServerArgs returns the GDB server command line for the configured target.
func (p *GDBProbe) ServerArgs() []string {
	args := []string{
		"-device", p.config.Device,
		"-if", "SWD",
		"-speed", "auto",
		"-nogui",
		"-singlerun",
	}
	if p.config.Serial != "" {
		args = append(args, "-select", "USB="+p.config.Serial)
	}
	if _, port, err := net.SplitHostPort(p.config.Addr); err == nil {
		args = append(args, "-port", port)
	}
	if _, port, err := net.SplitHostPort(p.config.RTTAddr); err == nil {
		args = append(args, "-RTTTelnetPort", port)
	}
	return args
}

// Connect starts the GDB server if configured and attaches to it.
func (p *GDBProbe) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return nil
	}
	if p.config.ServerPath != "" {
		cmd := exec.Command(p.config.ServerPath, p.ServerArgs()...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", p.config.ServerPath, err)
		}
		p.server = cmd
		p.logger.Debug("gdb server started", "path", p.config.ServerPath, "pid", cmd.Process.Pid)
	}

	conn, err := dialRetry(ctx, p.config.Addr, p.config.DialTimeout)
	if err != nil {
		p.stopServer()
		return fmt.Errorf("dial gdb server %s: %w", p.config.Addr, err)
	}
	p.conn = conn
	p.rsp = newRSPConn(conn)

	// Query the halt reason to settle the connection.
	if _, err := p.exchange("?"); err != nil {
		p.closeLocked()
		return err
	}
	p.logger.Info("probe connected", "device", p.config.Device, "serial", p.config.Serial, "addr", p.config.Addr)
	return nil
}

// Reset resets the target through the server's monitor commands.
func (p *GDBProbe) Reset(ctx context.Context, halt bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rsp == nil {
		return ErrProbeNotConnected
	}
	if err := p.haltLocked(); err != nil {
		return err
	}
	if _, err := p.monitor("reset"); err != nil {
		return err
	}
	if halt {
		return nil
	}
	if _, err := p.monitor("go"); err != nil {
		return err
	}
	p.running = true
	return nil
}

// StartRTT connects to the RTT telnet port and drains its banner.
func (p *GDBProbe) StartRTT(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rsp == nil {
		return ErrProbeNotConnected
	}
	if p.rtt != nil {
		return nil
	}
	conn, err := dialRetry(ctx, p.config.RTTAddr, p.config.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial rtt %s: %w", p.config.RTTAddr, err)
	}

	buf := make([]byte, 256)
	end := time.Now().Add(p.config.RTTBannerWait)
	for time.Now().Before(end) {
		_ = conn.SetReadDeadline(end)
		if _, err := conn.Read(buf); err != nil {
			break
		}
	}
	p.rtt = conn
	return nil
}

// StopRTT closes the RTT telnet connection.
func (p *GDBProbe) StopRTT() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRTTLocked()
}

func (p *GDBProbe) stopRTTLocked() error {
	if p.rtt == nil {
		return nil
	}
	err := p.rtt.Close()
	p.rtt = nil
	return err
}

// RTTWrite writes to RTT channel 0.
func (p *GDBProbe) RTTWrite(channel int, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRTT(channel); err != nil {
		return 0, err
	}
	_ = p.rtt.SetWriteDeadline(time.Now().Add(p.config.ReplyTimeout))
	n, err := p.rtt.Write(data)
	if isTimeout(err) {
		return n, nil
	}
	return n, err
}

// RTTRead reads what RTT channel 0 has available, up to max bytes.
func (p *GDBProbe) RTTRead(channel int, max int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkRTT(channel); err != nil {
		return nil, err
	}
	buf := make([]byte, max)
	_ = p.rtt.SetReadDeadline(time.Now().Add(p.config.RTTPoll))
	n, err := p.rtt.Read(buf)
	if isTimeout(err) {
		return buf[:n], nil
	}
	return buf[:n], err
}

func (p *GDBProbe) checkRTT(channel int) error {
	if p.rtt == nil {
		return ErrRTTNotStarted
	}
	if channel != RTTChannel {
		return fmt.Errorf("rtt channel %d not available over telnet", channel)
	}
	return nil
}

// WriteMemory writes data at addr in chunks.
func (p *GDBProbe) WriteMemory(addr uint32, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rsp == nil {
		return 0, ErrProbeNotConnected
	}
	if err := p.haltLocked(); err != nil {
		return 0, err
	}
	written := 0
	for written < len(data) {
		n := min(gdbChunkSize, len(data)-written)
		chunk := data[written : written+n]
		req := fmt.Sprintf("M%x,%x:%s", addr+uint32(written), n, hex.EncodeToString(chunk))
		if err := p.expectOK(req); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// WriteRegister sets a core register.
func (p *GDBProbe) WriteRegister(reg Register, value uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rsp == nil {
		return ErrProbeNotConnected
	}
	if err := p.haltLocked(); err != nil {
		return err
	}
	return p.expectOK(fmt.Sprintf("P%x=%s", uint8(reg), rspHexLE(value)))
}

// Restart resumes the core. The stop reply is collected by the next
// operation that needs the core halted.
func (p *GDBProbe) Restart() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rsp == nil {
		return false, ErrProbeNotConnected
	}
	if p.running {
		return true, nil
	}
	if err := p.timed(func() error { return p.rsp.send("c") }); err != nil {
		return false, fmt.Errorf("continue: %w", err)
	}
	p.running = true
	return true, nil
}

// Close detaches from the server and stops it if it was spawned here.
func (p *GDBProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *GDBProbe) closeLocked() error {
	var errs []error
	if err := p.stopRTTLocked(); err != nil {
		errs = append(errs, err)
	}
	if p.conn != nil {
		if !p.running {
			_ = p.timed(func() error { return p.rsp.send("D") })
		}
		if err := p.conn.Close(); err != nil {
			errs = append(errs, err)
		}
		p.conn = nil
		p.rsp = nil
		p.running = false
	}
	p.stopServer()
	return errors.Join(errs...)
}

func (p *GDBProbe) stopServer() {
	if p.server == nil || p.server.Process == nil {
		return
	}
	_ = p.server.Process.Kill()
	_ = p.server.Wait()
	p.server = nil
}

// haltLocked interrupts a running core and consumes its stop reply.
func (p *GDBProbe) haltLocked() error {
	if !p.running {
		return nil
	}
	err := p.timed(func() error {
		if _, err := p.conn.Write([]byte{rspInterrupt}); err != nil {
			return err
		}
		reply, err := p.rsp.receive()
		if err != nil {
			return err
		}
		if reply == "" || (reply[0] != 'S' && reply[0] != 'T') {
			return fmt.Errorf("%w: unexpected stop reply %q", ErrGDBProtocol, reply)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("halt: %w", err)
	}
	p.running = false
	return nil
}

// monitor runs a server monitor command and returns its console output.
func (p *GDBProbe) monitor(cmd string) (string, error) {
	req := "qRcmd," + hex.EncodeToString([]byte(cmd))
	var out strings.Builder
	err := p.timed(func() error {
		if err := p.rsp.send(req); err != nil {
			return err
		}
		for {
			reply, err := p.rsp.receive()
			if err != nil {
				return err
			}
			if e := rspError("monitor "+cmd, reply); e != nil {
				return e
			}
			if reply == "OK" || reply == "" {
				return nil
			}
			if reply[0] == 'O' {
				if b, err := hex.DecodeString(reply[1:]); err == nil {
					out.Write(b)
					continue
				}
			}
			if b, err := hex.DecodeString(reply); err == nil {
				out.Write(b)
			}
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("monitor %s: %w", cmd, err)
	}
	p.logger.Debug("gdb monitor", "cmd", cmd, "output", strings.TrimSpace(out.String()))
	return out.String(), nil
}

// exchange sends a request and returns its reply.
func (p *GDBProbe) exchange(req string) (string, error) {
	var reply string
	err := p.timed(func() error {
		if err := p.rsp.send(req); err != nil {
			return err
		}
		var err error
		reply, err = p.rsp.receive()
		if err != nil {
			return err
		}
		return rspError(requestName(req), reply)
	})
	return reply, err
}

func (p *GDBProbe) expectOK(req string) error {
	reply, err := p.exchange(req)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("%w: %s replied %q", ErrGDBProtocol, requestName(req), reply)
	}
	return nil
}

func (p *GDBProbe) timed(fn func() error) error {
	_ = p.conn.SetDeadline(time.Now().Add(p.config.ReplyTimeout))
	defer p.conn.SetDeadline(time.Time{})
	return fn()
}

func requestName(req string) string {
	if i := strings.IndexAny(req, ",:="); i > 0 {
		return req[:i]
	}
	return req
}

func dialRetry(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	b := NewBackoff(BackoffConfig{Jitter: DialBackoffJitter})
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(b.Next()):
		}
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Compile-time interface satisfaction check.
var _ Probe = (*GDBProbe)(nil)
