// Package session implements C4: the per-account WebSocket session state
// machine (connect, register, heartbeat, token refresh, reconnect).
//
// A Session owns its socket exclusively; all outbound writes — heartbeats,
// acks, and C6/C7 replies — are serialized through a single writer goroutine
// reading off a bounded queue, so no caller ever touches the connection
// directly (spec.md §5, Shared-resource policy).
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/resale-agent/internal/apiclient"
	"github.com/adred-codev/resale-agent/internal/ids"
)

// State is a Session's position in the C4 state machine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateActive
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// FrameHandler receives every decoded inbound frame for classification by C5.
type FrameHandler func(ctx context.Context, raw []byte)

// Config bundles the tunables a Session needs from the ambient config layer.
type Config struct {
	WSURL                string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration // not read by Session; the ack deadline is 2x HeartbeatInterval
	TokenRefreshInterval time.Duration
	TokenRetryInterval   time.Duration
	ReconnectBackoff     time.Duration
	SendRatePerSecond    float64
	SendRateBurst        int
	UserAgent            string
}

// Session is one account's live connection to the marketplace WebSocket.
type Session struct {
	accountID string
	ownerID   string
	deviceID  string
	cfg       Config
	api       *apiclient.Client
	onFrame   FrameHandler
	logger    zerolog.Logger

	state atomic.Int32

	connMu sync.Mutex
	conn   net.Conn

	sendQueue chan []byte
	limiter   *rate.Limiter

	disabled atomic.Bool

	lastHeartbeatAckAt atomic.Int64 // unix nanos
	lastTokenRefreshAt atomic.Int64 // unix nanos

	restartFlag atomic.Bool
}

// New constructs a Session for one account. The caller (C8 registry) is
// responsible for calling Run in its own goroutine.
func New(accountID, ownerID string, cfg Config, api *apiclient.Client, onFrame FrameHandler, logger zerolog.Logger) *Session {
	s := &Session{
		accountID: accountID,
		ownerID:   ownerID,
		deviceID:  ids.DeviceID(ownerID),
		cfg:       cfg,
		api:       api,
		onFrame:   onFrame,
		logger:    logger.With().Str("account_id", accountID).Logger(),
		sendQueue: make(chan []byte, 256),
		limiter:   rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), cfg.SendRateBurst),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the Session's current state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
	s.logger.Debug().Str("state", st.String()).Msg("session state transition")
}

// Disable sets the terminal flag; Run observes it within one heartbeat
// cycle and transitions to Stopped (spec.md §4.4 Cancellation).
func (s *Session) Disable() {
	s.disabled.Store(true)
}

func (s *Session) isDisabled() bool { return s.disabled.Load() }

// Run drives the session for its entire lifetime, reconnecting on failure
// until Disable is called. It returns once the Session reaches Stopped.
func (s *Session) Run(ctx context.Context) {
	defer s.setState(StateStopped)

	for {
		if s.isDisabled() || ctx.Err() != nil {
			return
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("session cycle ended")
		}

		if s.isDisabled() || ctx.Err() != nil {
			return
		}

		s.setState(StateReconnecting)
		select {
		case <-time.After(s.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// connectAndServe performs one full connect→register→active→teardown cycle.
// It returns when the socket closes for any reason (error, heartbeat
// timeout, forced restart after token refresh, or disable).
func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, _, _, err := ws.Dial(ctx, s.cfg.WSURL)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.setState(StateRegistering)
	token, err := s.api.CurrentToken(ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("acquire token for registration: %w", err)
	}
	if err := s.register(token); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}
	if err := s.syncAck(); err != nil {
		s.logger.Warn().Err(err).Msg("sync-ack priming failed, continuing")
	}

	s.lastHeartbeatAckAt.Store(time.Now().UnixNano())
	s.lastTokenRefreshAt.Store(time.Now().UnixNano())
	s.restartFlag.Store(false)

	s.setState(StateActive)

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); s.writerLoop(cycleCtx, conn) }()
	go func() { defer wg.Done(); s.heartbeatLoop(cycleCtx, cancel) }()
	go func() { defer wg.Done(); s.tokenRefreshLoop(cycleCtx, cancel) }()

	s.receiveLoop(cycleCtx, conn, cancel)

	cancel()
	wg.Wait()

	s.connMu.Lock()
	conn.Close()
	s.conn = nil
	s.connMu.Unlock()

	return nil
}

// register sends the /reg frame: app-key (implicit in token/sign), current
// token, device id, user agent, and a freshly generated mid (spec.md §4.4).
func (s *Session) register(token string) error {
	frame := map[string]any{
		"headers": map[string]any{
			"mid": ids.MID(),
			"dt":  "pc",
			"ua":  s.cfg.UserAgent,
			"did": s.deviceID,
		},
		"api":   "/reg",
		"token": token,
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.writeDirect(body)
}

// syncAck primes the server's delta pipeline immediately after registration.
func (s *Session) syncAck() error {
	frame := map[string]any{
		"headers": map[string]any{"mid": ids.MID()},
		"api":     "/r/SyncStatus/ackDiff",
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return s.writeDirect(body)
}

// writeDirect writes bypassing the send queue, for the registration
// handshake frames that must land before anything else.
func (s *Session) writeDirect(payload []byte) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no active connection")
	}
	return wsutil.WriteClientMessage(conn, ws.OpText, payload)
}

// Send enqueues an outbound frame for the writer loop, serialized and rate
// limited. Returns immediately if the session is not Active.
func (s *Session) Send(ctx context.Context, payload []byte) error {
	if s.State() != StateActive {
		return fmt.Errorf("session %s not active", s.accountID)
	}
	select {
	case s.sendQueue <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writerLoop is the single writer for one cycle. On cancellation it drains
// and closes the connection itself (see drainAndClose) rather than leaving
// that to the caller, so the drain-before-close ordering spec.md §5
// requires is never at the mercy of goroutine scheduling.
func (s *Session) writerLoop(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			s.drainAndClose(conn, nil)
			return
		case payload := <-s.sendQueue:
			if err := s.limiter.Wait(ctx); err != nil {
				s.drainAndClose(conn, payload)
				return
			}
			if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
				s.logger.Warn().Err(err).Msg("write failed")
				s.drainAndClose(conn, nil)
				return
			}
		}
	}
}

// drainAndClose flushes pending (a payload already pulled off sendQueue
// when the rate limiter aborted, if any) and everything still buffered in
// sendQueue, so a forced reconnect (heartbeat timeout, token refresh,
// disable) never silently drops an in-flight ack (spec.md §5). It then
// closes the socket, which is what unblocks receiveLoop's blocking
// wsutil.ReadServerData — cancelling the context alone does not, since
// that read is not context-aware.
func (s *Session) drainAndClose(conn net.Conn, pending []byte) {
	write := func(payload []byte) bool {
		if err := wsutil.WriteClientMessage(conn, ws.OpText, payload); err != nil {
			s.logger.Warn().Err(err).Msg("drain write failed")
			return false
		}
		return true
	}

	ok := true
	if pending != nil {
		ok = write(pending)
	}
	for ok {
		select {
		case payload := <-s.sendQueue:
			ok = write(payload)
		default:
			ok = false
		}
	}

	s.connMu.Lock()
	conn.Close()
	s.connMu.Unlock()
}

// heartbeatLoop sends a heartbeat frame every HeartbeatInterval. On send
// failure, or if the server hasn't acked within 2x HeartbeatInterval, it
// cancels the cycle to force a reconnect (spec.md §4.4, §5).
func (s *Session) heartbeatLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isDisabled() {
				cancel()
				return
			}
			frame := map[string]any{"headers": map[string]any{"mid": ids.MID()}, "api": "/!"}
			body, _ := json.Marshal(frame)
			if err := s.Send(ctx, body); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat send failed, reconnecting")
				cancel()
				return
			}

			last := time.Unix(0, s.lastHeartbeatAckAt.Load())
			if time.Since(last) > 2*s.cfg.HeartbeatInterval {
				s.logger.Warn().Msg("heartbeat ack timeout, reconnecting")
				cancel()
				return
			}
		}
	}
}

// tokenRefreshLoop polls every 60s; when the refresh interval has elapsed it
// refreshes and, on success, sets restartFlag and forces a reconnect so the
// new token is used on the next registration (spec.md §4.4).
func (s *Session) tokenRefreshLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isDisabled() {
				cancel()
				return
			}
			last := time.Unix(0, s.lastTokenRefreshAt.Load())
			if time.Since(last) < s.cfg.TokenRefreshInterval {
				continue
			}
			if err := s.api.RefreshToken(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("token refresh failed, will retry")
				select {
				case <-time.After(s.cfg.TokenRetryInterval):
				case <-ctx.Done():
					return
				}
				continue
			}
			s.lastTokenRefreshAt.Store(time.Now().UnixNano())
			s.restartFlag.Store(true)
			cancel()
			return
		}
	}
}

// receiveLoop reads frames and dispatches them to C5 until the connection
// closes or the cycle is cancelled.
func (s *Session) receiveLoop(ctx context.Context, conn net.Conn, cancel context.CancelFunc) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.isDisabled() {
			cancel()
			return
		}

		msg, op, err := wsutil.ReadServerData(conn)
		if err != nil {
			s.logger.Debug().Err(err).Msg("read failed, reconnecting")
			cancel()
			return
		}
		if op != ws.OpText && op != ws.OpBinary {
			continue
		}

		s.onFrame(ctx, msg)
	}
}

// NoteHeartbeatAck records that the server acked the latest heartbeat
// (called by C5 on classification of a heartbeat-ack frame).
func (s *Session) NoteHeartbeatAck() {
	s.lastHeartbeatAckAt.Store(time.Now().UnixNano())
}

// AccountID returns the account this session belongs to.
func (s *Session) AccountID() string { return s.accountID }

// DeviceID returns the derived device id used for registration.
func (s *Session) DeviceID() string { return s.deviceID }
