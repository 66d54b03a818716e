package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	t.Run("Sequence", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{Initial: 100 * time.Millisecond, Max: time.Second, Jitter: 0})

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			time.Second,
			time.Second, // stays at max
		}
		for i, exp := range expected {
			if got := b.Next(); got != exp {
				t.Errorf("attempt %d: delay = %v, want %v", i, got, exp)
			}
		}
		if b.Attempts() != len(expected) {
			t.Errorf("Attempts() = %d, want %d", b.Attempts(), len(expected))
		}
	})

	t.Run("Jitter", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})
		for i := 0; i < 10; i++ {
			b.Reset()
			d := b.Next()
			if d < DialBackoffInitial || d > time.Duration(float64(DialBackoffInitial)*(1+DialBackoffJitter)) {
				t.Errorf("sample %d: %v out of range", i, d)
			}
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewBackoff(BackoffConfig{})
		for i := 0; i < 5; i++ {
			b.Next()
		}
		if b.Current() <= DialBackoffInitial {
			t.Error("backoff should have increased")
		}
		b.Reset()
		if b.Current() != DialBackoffInitial || b.Attempts() != 0 {
			t.Errorf("after Reset: current %v, attempts %d", b.Current(), b.Attempts())
		}
	})
}

func TestDialRetryWaitsForListener(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	go func() {
		time.Sleep(150 * time.Millisecond)
		l2, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer l2.Close()
		if c, err := l2.Accept(); err == nil {
			c.Close()
		}
	}()

	conn, err := dialRetry(context.Background(), addr, 3*time.Second)
	if err != nil {
		t.Fatalf("dialRetry: %v", err)
	}
	conn.Close()
}

func TestDialRetryTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	start := time.Now()
	if _, err := dialRetry(context.Background(), addr, 200*time.Millisecond); err == nil {
		t.Fatal("expected dial error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("dialRetry did not honor its timeout")
	}
}
