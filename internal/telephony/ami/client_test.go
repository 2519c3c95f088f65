package ami

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

func testLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func testConfig(t *testing.T, addr string) config.AMIConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return config.AMIConfig{
		Host:           host,
		Port:           port,
		Username:       "dialer",
		Secret:         "secret",
		ConnectTimeout: time.Second,
		ActionTimeout:  200 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  2,
		Trunk:          "SIP/trunk",
	}
}

// startServer runs a scripted PBX: handle is invoked per accepted connection.
func startServer(t *testing.T, handle func(conn net.Conn, r *bufio.Reader)) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(conn, bufio.NewReader(conn))
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// acceptLogin performs the server side of the handshake.
func acceptLogin(conn net.Conn, r *bufio.Reader) (Frame, error) {
	fmt.Fprintf(conn, "Asterisk Call Manager/5.0\r\n")
	frame, err := readFrame(r)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(conn, "Response: Success\r\nActionID: %s\r\nMessage: Authentication accepted\r\n\r\n", frame.Get("ActionID"))
	return frame, nil
}

func waitEvent(t *testing.T, c *Client, want telephony.EventType) telephony.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestConnectAndOriginate(t *testing.T) {
	originated := make(chan Frame, 1)
	ln := startServer(t, func(conn net.Conn, r *bufio.Reader) {
		if _, err := acceptLogin(conn, r); err != nil {
			return
		}
		for {
			frame, err := readFrame(r)
			if err != nil {
				return
			}
			if frame.Get("Action") == "Originate" {
				originated <- frame
				fmt.Fprintf(conn, "Response: Success\r\nActionID: %s\r\n\r\n", frame.Get("ActionID"))
				fmt.Fprintf(conn, "Event: Hangup\r\nUniqueid: %s\r\nCause: 16\r\n\r\n", frame.Get("ChannelId"))
			}
		}
	})

	c := NewClient(testConfig(t, ln.Addr().String()), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	if c.State() != telephony.StateConnected {
		t.Fatalf("expected connected state, got %s", c.State())
	}
	waitEvent(t, c, telephony.EventConnected)

	campaignID := uuid.New()
	token, err := c.MakeCall(context.Background(), "5550100", campaignID)
	if err != nil {
		t.Fatalf("make call: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a session token")
	}

	frame := <-originated
	if frame.Get("ChannelId") != token {
		t.Fatalf("originate must carry the session token, got %q", frame.Get("ChannelId"))
	}
	if frame.Get("Channel") != "SIP/trunk/5550100" {
		t.Fatalf("unexpected channel %q", frame.Get("Channel"))
	}

	ev := waitEvent(t, c, telephony.EventCallHangup)
	if ev.SessionToken != token || ev.HangupCause != "16" {
		t.Fatalf("unexpected hangup event: %+v", ev)
	}
}

func TestLoginRejected(t *testing.T) {
	ln := startServer(t, func(conn net.Conn, r *bufio.Reader) {
		fmt.Fprintf(conn, "Asterisk Call Manager/5.0\r\n")
		frame, err := readFrame(r)
		if err != nil {
			return
		}
		fmt.Fprintf(conn, "Response: Error\r\nActionID: %s\r\nMessage: Authentication failed\r\n\r\n", frame.Get("ActionID"))
	})

	c := NewClient(testConfig(t, ln.Addr().String()), testLogger())
	err := c.Connect(context.Background())
	if !errors.Is(err, apperrors.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if c.State() != telephony.StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
}

func TestActionTimeout(t *testing.T) {
	ln := startServer(t, func(conn net.Conn, r *bufio.Reader) {
		if _, err := acceptLogin(conn, r); err != nil {
			return
		}
		// Swallow everything else: responses never arrive.
		for {
			if _, err := readFrame(r); err != nil {
				return
			}
		}
	})

	c := NewClient(testConfig(t, ln.Addr().String()), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	_, err := c.SendAction(context.Background(), "Ping", nil)
	if !errors.Is(err, apperrors.ErrCommandTimeout) {
		t.Fatalf("expected command timeout, got %v", err)
	}
}

func TestDialRejected(t *testing.T) {
	ln := startServer(t, func(conn net.Conn, r *bufio.Reader) {
		if _, err := acceptLogin(conn, r); err != nil {
			return
		}
		for {
			frame, err := readFrame(r)
			if err != nil {
				return
			}
			fmt.Fprintf(conn, "Response: Error\r\nActionID: %s\r\nMessage: No such trunk\r\n\r\n", frame.Get("ActionID"))
		}
	})

	c := NewClient(testConfig(t, ln.Addr().String()), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Disconnect()

	_, err := c.MakeCall(context.Background(), "000", uuid.New())
	if !errors.Is(err, apperrors.ErrDial) {
		t.Fatalf("expected dial error, got %v", err)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewClient(config.AMIConfig{Host: "127.0.0.1", Port: 1}, testLogger())

	if _, err := c.SendAction(context.Background(), "Ping", nil); !errors.Is(err, apperrors.ErrConnection) {
		t.Fatalf("expected connection error, got %v", err)
	}
	if _, err := c.MakeCall(context.Background(), "5550100", uuid.New()); !errors.Is(err, apperrors.ErrConnection) {
		t.Fatalf("expected fast failure while disconnected, got %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	ln := startServer(t, func(conn net.Conn, r *bufio.Reader) {
		if _, err := acceptLogin(conn, r); err != nil {
			return
		}
		for {
			if _, err := readFrame(r); err != nil {
				return
			}
		}
	})

	c := NewClient(testConfig(t, ln.Addr().String()), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect must be a no-op, got %v", err)
	}
	if c.State() != telephony.StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
}

func TestReconnectExhaustion(t *testing.T) {
	ln := startServer(t, func(conn net.Conn, r *bufio.Reader) {
		if _, err := acceptLogin(conn, r); err != nil {
			return
		}
		// Drop the connection right after login to trigger reconnects.
		conn.Close()
	})

	c := NewClient(testConfig(t, ln.Addr().String()), testLogger())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Stop accepting so every reconnect attempt fails.
	ln.Close()

	ev := waitEvent(t, c, telephony.EventError)
	if !errors.Is(ev.Err, apperrors.ErrFatalAdapter) {
		t.Fatalf("expected fatal adapter error, got %v", ev.Err)
	}
	if c.State() != telephony.StateDisconnected {
		t.Fatalf("expected terminal disconnected state, got %s", c.State())
	}
}
