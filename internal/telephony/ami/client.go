// Package ami implements the telephony adapter against an AMI-style PBX
// manager interface. Actions share one TCP connection and are correlated
// by ActionID; unsolicited PBX events are demultiplexed into domain events.
package ami

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/outbound-dialer/internal/config"
	"github.com/acme/outbound-dialer/internal/telephony"
	apperrors "github.com/acme/outbound-dialer/pkg/errors"
	"github.com/acme/outbound-dialer/pkg/logger"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultActionTimeout  = 5 * time.Second
	defaultReconnectDelay = time.Second
	maxReconnectDelay     = 30 * time.Second
	defaultEventBuffer    = 256
)

// Client is the AMI binding of telephony.Adapter.
type Client struct {
	cfg    config.AMIConfig
	log    *logger.Logger
	events chan telephony.Event

	writeMu sync.Mutex // serializes frames on the wire
	seq     atomic.Uint64

	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	state      telephony.ConnState
	reconnects int
	pending    map[string]chan Frame
	closing    bool
}

// NewClient constructs a disconnected client.
func NewClient(cfg config.AMIConfig, log *logger.Logger) *Client {
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		events:  make(chan telephony.Event, buffer),
		state:   telephony.StateDisconnected,
		pending: make(map[string]chan Frame),
	}
}

// Events exposes the demultiplexed event stream.
func (c *Client) Events() <-chan telephony.Event {
	return c.events
}

// State reports the connection state.
func (c *Client) State() telephony.ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the PBX and performs the login handshake. On success the
// reconnect counter is reset and a connected event is emitted.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == telephony.StateConnected {
		c.mu.Unlock()
		return nil
	}
	prev := c.state
	c.state = telephony.StateConnecting
	c.closing = false
	c.mu.Unlock()

	conn, reader, err := c.dialAndLogin(ctx)
	if err != nil {
		c.mu.Lock()
		if prev == telephony.StateReconnecting {
			c.state = telephony.StateReconnecting
		} else {
			c.state = telephony.StateDisconnected
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = reader
	c.state = telephony.StateConnected
	c.reconnects = 0
	c.mu.Unlock()

	go c.readLoop(conn, reader)
	c.emit(telephony.Event{Type: telephony.EventConnected, Time: time.Now().UTC()})
	c.log.Info("ami: connected", zap.String("host", c.cfg.Host), zap.Int("port", c.cfg.Port))
	return nil
}

func (c *Client) dialAndLogin(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	dialer := net.Dialer{Timeout: timeout}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", apperrors.ErrConnection, addr, err)
	}

	reader := bufio.NewReader(conn)
	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	actionID := c.nextActionID()
	if err := writeAction(conn, "Login", actionID, map[string]string{
		"Username": c.cfg.Username,
		"Secret":   c.cfg.Secret,
	}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("%w: login write: %v", apperrors.ErrConnection, err)
	}

	// The banner line and any boot events may precede the login response.
	for {
		frame, err := readFrame(reader)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: login read: %v", apperrors.ErrConnection, err)
		}
		if !frame.IsResponse() || frame.Get("ActionID") != actionID {
			continue
		}
		if frame.Get("Response") != "Success" {
			conn.Close()
			return nil, nil, fmt.Errorf("%w: login rejected: %s", apperrors.ErrConnection, frame.Get("Message"))
		}
		break
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, reader, nil
}

// Disconnect tears the connection down deterministically. Idempotent; also
// stops any in-flight reconnect loop.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closing = true
	c.state = telephony.StateDisconnected
	conn := c.conn
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		c.log.Info("ami: disconnected")
	}
	return nil
}

// SendAction issues one command and waits for the correlated response.
// Concurrent callers contend on the write mutex but never corrupt
// correlation: each waits on its own pending channel.
func (c *Client) SendAction(ctx context.Context, action string, fields map[string]string) (telephony.Response, error) {
	c.mu.Lock()
	if c.state != telephony.StateConnected || c.conn == nil {
		c.mu.Unlock()
		return telephony.Response{}, fmt.Errorf("%w: adapter is %s", apperrors.ErrConnection, c.state)
	}
	conn := c.conn
	actionID := c.nextActionID()
	ch := make(chan Frame, 1)
	c.pending[actionID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeAction(conn, action, actionID, fields)
	c.writeMu.Unlock()
	if err != nil {
		c.dropPending(actionID)
		return telephony.Response{}, fmt.Errorf("%w: %v", apperrors.ErrConnection, err)
	}

	timeout := c.cfg.ActionTimeout
	if timeout <= 0 {
		timeout = defaultActionTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case frame := <-ch:
		return telephony.Response{
			Success: frame.Get("Response") == "Success",
			Message: frame.Get("Message"),
			Fields:  frame,
		}, nil
	case <-timer.C:
		c.dropPending(actionID)
		return telephony.Response{}, fmt.Errorf("%w: action %s after %s", apperrors.ErrCommandTimeout, action, timeout)
	case <-ctx.Done():
		c.dropPending(actionID)
		return telephony.Response{}, ctx.Err()
	}
}

// MakeCall originates a call. The session token doubles as the channel
// identifier so subsequent events correlate back to the session.
func (c *Client) MakeCall(ctx context.Context, phoneNumber string, campaignID uuid.UUID) (string, error) {
	token := uuid.NewString()

	priority := c.cfg.OriginatePriority
	if priority <= 0 {
		priority = 1
	}

	fields := map[string]string{
		"Channel":   fmt.Sprintf("%s/%s", c.cfg.Trunk, phoneNumber),
		"Context":   c.cfg.OriginateContext,
		"Exten":     c.cfg.OriginateExten,
		"Priority":  fmt.Sprintf("%d", priority),
		"ChannelId": token,
		"Async":     "true",
		"Variable":  fmt.Sprintf("CAMPAIGN_ID=%s", campaignID),
	}

	resp, err := c.SendAction(ctx, "Originate", fields)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("%w: %s: %s", apperrors.ErrDial, phoneNumber, resp.Message)
	}
	return token, nil
}

// HangupCall requests hangup for a session. Failures are logged, not
// propagated: the session may have ended on its own already.
func (c *Client) HangupCall(ctx context.Context, sessionToken string) {
	resp, err := c.SendAction(ctx, "Hangup", map[string]string{"Channel": sessionToken})
	if err != nil {
		c.log.Warn("ami: hangup failed", zap.String("session", sessionToken), zap.Error(err))
		return
	}
	if !resp.Success {
		c.log.Debug("ami: hangup rejected", zap.String("session", sessionToken), zap.String("message", resp.Message))
	}
}

func (c *Client) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		frame, err := readFrame(reader)
		if err != nil {
			c.handleReadError(conn, err)
			return
		}

		switch {
		case frame.IsResponse():
			c.route(frame)
		case frame.IsEvent():
			if ev, ok := translateFrame(frame); ok {
				c.emit(ev)
			}
		}
	}
}

func (c *Client) route(frame Frame) {
	actionID := frame.Get("ActionID")
	c.mu.Lock()
	ch, ok := c.pending[actionID]
	if ok {
		delete(c.pending, actionID)
	}
	c.mu.Unlock()
	if ok {
		ch <- frame
	}
}

func (c *Client) handleReadError(conn net.Conn, err error) {
	c.mu.Lock()
	if c.closing || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.state = telephony.StateReconnecting
	c.conn = nil
	c.reader = nil
	c.mu.Unlock()

	_ = conn.Close()
	c.log.Warn("ami: connection lost", zap.Error(err))
	go c.reconnectLoop()
}

// reconnectLoop retries connecting with exponential backoff until success,
// explicit disconnect, or the attempt budget is spent. Exhaustion leaves the
// client in a terminal disconnected state and emits a fatal error event; no
// further automatic recovery happens until an operator calls Connect again.
func (c *Client) reconnectLoop() {
	maxAttempts := c.cfg.MaxReconnects
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	base := c.cfg.ReconnectDelay
	if base <= 0 {
		base = defaultReconnectDelay
	}

	for {
		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		if c.reconnects >= maxAttempts {
			c.state = telephony.StateDisconnected
			c.mu.Unlock()
			c.log.Error("ami: reconnect attempts exhausted", zap.Int("attempts", maxAttempts))
			c.emit(telephony.Event{
				Type: telephony.EventError,
				Err:  fmt.Errorf("%w: after %d attempts", apperrors.ErrFatalAdapter, maxAttempts),
				Time: time.Now().UTC(),
			})
			return
		}
		c.reconnects++
		attempt := c.reconnects
		c.mu.Unlock()

		delay := base << (attempt - 1)
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		time.Sleep(delay)

		c.mu.Lock()
		if c.closing {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.Connect(context.Background())
		if err == nil {
			return
		}
		c.log.Warn("ami: reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

// emit never blocks the read loop; an overflowing consumer loses events
// with a warning instead of stalling response correlation.
func (c *Client) emit(ev telephony.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("ami: event buffer full, dropping event", zap.String("type", string(ev.Type)))
	}
}

func (c *Client) dropPending(actionID string) {
	c.mu.Lock()
	delete(c.pending, actionID)
	c.mu.Unlock()
}

func (c *Client) nextActionID() string {
	return fmt.Sprintf("od-%d", c.seq.Add(1))
}

// translateFrame maps raw PBX events onto domain events. Unknown event
// names are dropped.
func translateFrame(f Frame) (telephony.Event, bool) {
	ev := telephony.Event{
		SessionToken: f.Get("Uniqueid"),
		Channel:      f.Get("Channel"),
		Time:         time.Now().UTC(),
	}

	switch f.Get("Event") {
	case "Newchannel":
		ev.Type = telephony.EventCallCreated
	case "Newstate":
		switch f.Get("ChannelStateDesc") {
		case "Ringing":
			ev.Type = telephony.EventCallRinging
		case "Up":
			ev.Type = telephony.EventCallAnswered
		default:
			return telephony.Event{}, false
		}
	case "Hangup":
		ev.Type = telephony.EventCallHangup
		ev.HangupCause = f.Get("Cause")
	case "DTMFEnd", "DTMF":
		ev.Type = telephony.EventCallDTMF
		ev.Digit = f.Get("Digit")
	case "AMD", "AMDStatus":
		ev.Type = telephony.EventCallAMD
		ev.MachineDetected = f.Get("Status") == "MACHINE"
	default:
		return telephony.Event{}, false
	}

	return ev, true
}
