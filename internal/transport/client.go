package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lanwake/lanwake/internal/netscan"
	"github.com/lanwake/lanwake/internal/protocol"
	"github.com/lanwake/lanwake/internal/telemetry"
)

// ProtocolVersion is the node's wire protocol version.
const ProtocolVersion = "1.1.0"

// SupportedProtocolVersions is the set accepted from the registered
// reply. An absent version is tolerated for older C&C deployments.
var SupportedProtocolVersions = map[string]bool{
	"1.0.0": true,
	"1.1.0": true,
}

// Connection parameters.
const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 45 * time.Second
	pingInterval     = 30 * time.Second
	closeGracePeriod = 5 * time.Second

	// Close code sent when the peer's protocol version is unsupported.
	closeUnsupportedProtocol = 4406
)

// Close codes the C&C uses for auth failures.
const (
	closeAuthExpired1 = 4001
	closeAuthExpired2 = 4401
	closeAuthRevoked1 = 4003
	closeAuthRevoked2 = 4403
)

var (
	expiredReasonRe = regexp.MustCompile(`(?i)expired`)
	revokedReasonRe = regexp.MustCompile(`(?i)revoked|invalid auth|invalid token`)
)

// Send errors.
var (
	// ErrNotConnected: the socket is not open and registered; the caller
	// must buffer the frame.
	ErrNotConnected = errors.New("not connected")
	// ErrInvalidFrame: the frame failed outbound validation and was
	// dropped rather than risking protocol corruption.
	ErrInvalidFrame = errors.New("frame failed outbound validation")
)

// EventKind labels transport lifecycle events surfaced to the handler.
type EventKind string

const (
	EventAuthExpired         EventKind = "auth-expired"
	EventAuthRevoked         EventKind = "auth-revoked"
	EventAuthUnavailable     EventKind = "auth-unavailable"
	EventProtocolUnsupported EventKind = "protocol-unsupported"
	EventReconnectFailed     EventKind = "reconnect-failed"
	EventPeerError           EventKind = "peer-error"
)

// Handler receives connection events and dispatched commands.
type Handler interface {
	// OnConnected fires once the registered reply is accepted.
	OnConnected()
	OnDisconnected()
	// OnCommand receives validated dispatchable frames.
	OnCommand(msg *protocol.Message)
	OnEvent(kind EventKind, detail string)
}

// Config configures the client.
type Config struct {
	CNCURL    string
	NodeID    string
	Location  string
	PublicURL string
	// Version is the node software version reported at registration.
	Version string

	// AllowQueryToken additionally appends ?token= to the URL. Off in
	// production configurations.
	AllowQueryToken bool

	// HeartbeatInterval is the fallback when the registered reply does
	// not dictate one.
	HeartbeatInterval    time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int // 0 = unbounded
}

// Client owns the socket and its timers.
type Client struct {
	cfg     Config
	log     zerolog.Logger
	handler Handler
	tokens  *TokenSource
	tel     *telemetry.Telemetry

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu                sync.Mutex
	conn              *websocket.Conn
	registered        bool
	stopped           bool
	shouldReconnect   bool
	reconnectTimer    *time.Timer
	reconnectAttempts int
	hbStop            chan struct{}

	reconnectDelay backoff.BackOff
}

// NewClient creates a Client.
func NewClient(log zerolog.Logger, cfg Config, tokens *TokenSource, tel *telemetry.Telemetry, handler Handler) *Client {
	return &Client{
		cfg:             cfg,
		log:             log.With().Str("component", "transport").Logger(),
		handler:         handler,
		tokens:          tokens,
		tel:             tel,
		shouldReconnect: true,
		reconnectDelay:  backoff.NewConstantBackOff(cfg.ReconnectInterval),
	}
}

// Start begins connecting. It returns immediately; connection progress
// is reported through the handler.
func (c *Client) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.attemptConnect()
}

// Stop cancels all timers, disables reconnect, and closes the socket
// with a normal close frame.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.shouldReconnect = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.registered = false
	c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}

	if conn != nil {
		deadline := time.Now().Add(closeGracePeriod)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			deadline,
		)
		_ = conn.Close()
	}
	c.log.Info().Msg("transport stopped")
}

// IsReady reports whether the socket is open and registration accepted.
func (c *Client) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.registered
}

// Send validates and writes an outbound frame. Callers must buffer on
// ErrNotConnected.
func (c *Client) Send(msgType string, data any) error {
	if !c.IsReady() {
		return ErrNotConnected
	}
	return c.sendInternal(msgType, data)
}

func (c *Client) sendInternal(msgType string, data any) error {
	msg, err := protocol.NewMessage(msgType, data)
	if err != nil {
		return err
	}

	if issues := protocol.ValidateOutbound(msg); len(issues) > 0 {
		c.tel.RecordOutboundValidationFailure()
		c.log.Error().
			Str("direction", "outbound").
			Str("correlationId", uuid.NewString()).
			Str("messageType", msgType).
			Interface("validationIssues", issues).
			Interface("data", protocol.Sanitize(data)).
			Msg("dropping frame that failed outbound validation")
		return ErrInvalidFrame
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// wsURL builds the connection URL: base path /ws/node appended to the
// configured C&C URL, scheme normalised to ws/wss.
func (c *Client) wsURL(token string) string {
	base := strings.TrimRight(c.cfg.CNCURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	full := base + "/ws/node"
	if c.cfg.AllowQueryToken {
		full += "?token=" + url.QueryEscape(token)
	}
	return full
}

func (c *Client) attemptConnect() {
	if c.ctx.Err() != nil {
		return
	}

	token, err := c.tokens.Token(c.ctx)
	if err != nil {
		c.classifyAuthError(err)
		c.scheduleReconnect()
		return
	}

	// Bearer token rides two channels for robustness: subprotocol offer
	// and Authorization header.
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Subprotocols:     []string{"bearer", token},
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := dialer.DialContext(c.ctx, c.wsURL(token), header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				c.tokens.Invalidate()
				c.tel.RecordAuthEvent(telemetry.AuthExpired)
				c.handler.OnEvent(EventAuthExpired, "handshake rejected with 401")
			case http.StatusForbidden:
				c.tokens.Invalidate()
				c.tel.RecordAuthEvent(telemetry.AuthRevoked)
				c.handler.OnEvent(EventAuthRevoked, "handshake rejected with 403")
			}
		}
		c.log.Error().Err(err).Msg("connection failed")
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.log.Info().Str("url", c.cfg.CNCURL).Msg("connected, registering")
	if err := c.sendInternal(protocol.TypeRegister, c.registerData()); err != nil {
		c.log.Error().Err(err).Msg("failed to send registration")
		conn.Close()
		c.handleClose(conn, err)
		return
	}

	go c.readLoop(conn)
	go c.keepaliveLoop(conn)
}

func (c *Client) registerData() protocol.RegisterData {
	subnet, gateway := netscan.LocalNetworkInfo()
	return protocol.RegisterData{
		NodeID:    c.cfg.NodeID,
		Name:      c.cfg.NodeID,
		Location:  c.cfg.Location,
		PublicURL: c.cfg.PublicURL,
		Metadata: protocol.RegisterMetadata{
			Version:         c.cfg.Version,
			Platform:        runtime.GOOS,
			ProtocolVersion: ProtocolVersion,
			NetworkInfo:     protocol.NetworkInfo{Subnet: subnet, Gateway: gateway},
		},
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, err)
			return
		}
		c.processFrame(conn, data)
	}
}

func (c *Client) processFrame(conn *websocket.Conn, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.recordInboundFailure("", data, []protocol.Issue{{Field: "frame", Message: err.Error()}})
		return
	}

	if issues := protocol.ValidateInbound(&msg); len(issues) > 0 {
		c.recordInboundFailure(msg.Type, data, issues)
		return
	}

	switch msg.Type {
	case protocol.TypeRegistered:
		c.handleRegistered(conn, &msg)
	case protocol.TypePing:
		c.log.Debug().Msg("peer ping received")
	case protocol.TypeError:
		var d protocol.ErrorData
		_ = msg.ParseData(&d)
		c.tel.RecordProtocolError()
		c.log.Warn().Str("message", d.Message).Msg("peer reported error")
		c.handler.OnEvent(EventPeerError, d.Message)
	default:
		c.handler.OnCommand(&msg)
	}
}

func (c *Client) recordInboundFailure(msgType string, raw []byte, issues []protocol.Issue) {
	c.tel.RecordInboundValidationFailure()
	c.log.Error().
		Str("direction", "inbound").
		Str("correlationId", uuid.NewString()).
		Str("messageType", msgType).
		Interface("validationIssues", issues).
		Interface("rawData", protocol.SanitizeRaw(raw)).
		Msg("inbound frame failed validation")
}

func (c *Client) handleRegistered(conn *websocket.Conn, msg *protocol.Message) {
	var d protocol.RegisteredData
	if err := msg.ParseData(&d); err != nil {
		c.recordInboundFailure(msg.Type, msg.Data, []protocol.Issue{{Field: "data", Message: err.Error()}})
		return
	}

	if d.ProtocolVersion != "" && !SupportedProtocolVersions[d.ProtocolVersion] {
		c.tel.RecordProtocolUnsupported()
		c.log.Error().Str("peer_version", d.ProtocolVersion).Msg("unsupported protocol version, disconnecting")
		c.handler.OnEvent(EventProtocolUnsupported, d.ProtocolVersion)

		c.mu.Lock()
		c.shouldReconnect = false
		c.mu.Unlock()

		deadline := time.Now().Add(closeGracePeriod)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(closeUnsupportedProtocol, "unsupported protocol version"),
			deadline,
		)
		conn.Close()
		return
	}
	if d.ProtocolVersion == "" {
		c.log.Warn().Msg("registered reply missing protocol version, accepting for compatibility")
	}

	interval := c.cfg.HeartbeatInterval
	if d.HeartbeatInterval > 0 {
		interval = time.Duration(d.HeartbeatInterval) * time.Millisecond
	}

	c.mu.Lock()
	c.registered = true
	c.reconnectAttempts = 0
	if c.hbStop != nil {
		close(c.hbStop)
	}
	hbStop := make(chan struct{})
	c.hbStop = hbStop
	c.mu.Unlock()

	c.reconnectDelay.Reset()
	go c.heartbeatLoop(hbStop, interval)

	c.log.Info().
		Str("node_id", d.NodeID).
		Dur("heartbeat_interval", interval).
		Msg("registered with C&C")
	c.handler.OnConnected()
}

// heartbeatLoop sends application-level heartbeat frames at the
// peer-dictated interval.
func (c *Client) heartbeatLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := c.sendInternal(protocol.TypeHeartbeat, protocol.HeartbeatData{
				NodeID:    c.cfg.NodeID,
				Timestamp: time.Now().UnixMilli(),
			})
			if err != nil {
				c.log.Debug().Err(err).Msg("heartbeat send failed")
				return
			}
		}
	}
}

// keepaliveLoop sends WS-level pings so half-dead connections surface as
// read timeouts.
func (c *Client) keepaliveLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current := c.conn
		c.mu.Unlock()
		if current != conn {
			return
		}
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			return
		}
	}
}

func (c *Client) handleClose(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection superseded this one.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.registered = false
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	reconnect := c.shouldReconnect && !c.stopped
	c.mu.Unlock()

	conn.Close()
	c.classifyClose(err)
	c.handler.OnDisconnected()

	if reconnect {
		c.scheduleReconnect()
	}
}

// classifyClose maps close codes and reasons onto auth events and
// invalidates the session token where required.
func (c *Client) classifyClose(err error) {
	var ce *websocket.CloseError
	code, reason := 0, ""
	if errors.As(err, &ce) {
		code, reason = ce.Code, ce.Text
	}

	switch {
	case code == closeAuthExpired1 || code == closeAuthExpired2 || expiredReasonRe.MatchString(reason):
		c.tokens.Invalidate()
		c.tel.RecordAuthEvent(telemetry.AuthExpired)
		c.log.Warn().Int("code", code).Str("reason", reason).Msg("session expired, token invalidated")
		c.handler.OnEvent(EventAuthExpired, reason)
	case code == closeAuthRevoked1 || code == closeAuthRevoked2 || revokedReasonRe.MatchString(reason):
		c.tokens.Invalidate()
		c.tel.RecordAuthEvent(telemetry.AuthRevoked)
		c.log.Warn().Int("code", code).Str("reason", reason).Msg("credentials revoked, token invalidated")
		c.handler.OnEvent(EventAuthRevoked, reason)
	default:
		c.log.Info().Int("code", code).Str("reason", reason).Err(err).Msg("disconnected")
	}
}

// classifyAuthError maps token-source errors onto events. All of them
// schedule a reconnect; for revoked credentials the operator may rotate
// the bootstrap token while the node keeps retrying.
func (c *Client) classifyAuthError(err error) {
	switch {
	case errors.Is(err, ErrAuthExpired):
		c.tel.RecordAuthEvent(telemetry.AuthExpired)
		c.handler.OnEvent(EventAuthExpired, err.Error())
	case errors.Is(err, ErrAuthRevoked):
		c.tel.RecordAuthEvent(telemetry.AuthRevoked)
		c.handler.OnEvent(EventAuthRevoked, err.Error())
	default:
		c.tel.RecordAuthEvent(telemetry.AuthUnavailable)
		c.handler.OnEvent(EventAuthUnavailable, err.Error())
	}
	c.log.Error().Err(err).Msg("could not obtain session token")
}

// scheduleReconnect arms the reconnect timer. At most one timer is armed
// at a time; exceeding the attempt cap emits reconnect-failed and gives
// up.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || !c.shouldReconnect || c.reconnectTimer != nil {
		c.mu.Unlock()
		return
	}

	c.reconnectAttempts++
	if c.cfg.MaxReconnectAttempts > 0 && c.reconnectAttempts > c.cfg.MaxReconnectAttempts {
		attempts := c.reconnectAttempts
		c.mu.Unlock()
		c.tel.RecordReconnectFailed()
		c.log.Error().Int("attempts", attempts-1).Msg("reconnect attempts exhausted, giving up")
		c.handler.OnEvent(EventReconnectFailed, "reconnect attempts exhausted")
		return
	}

	delay := c.reconnectDelay.NextBackOff()
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()
		c.attemptConnect()
	})
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	c.tel.RecordReconnectScheduled()
	c.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("reconnect scheduled")
}
