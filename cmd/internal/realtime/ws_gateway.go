package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	"relay/cmd/internal/chat"
	v1 "relay/contracts/chat/v1"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// TokenVerifier checks a bearer token and returns the verified user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// GatewayConfig carries the gateway's tunables. Zero values fall back to
// secure defaults.
type GatewayConfig struct {
	// Origin policy. Origin is required by default; only localhost is
	// allowed unless AllowedOrigins says otherwise.
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure disables websocket.Accept origin verification. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	return c
}

// WSGateway is the WebSocket entrypoint for Relay realtime.
//
// It enforces origin policy, subprotocol selection, rate limits, and
// heartbeats, and routes validated envelopes to the session controller, the
// message store, and the broadcast engine.
type WSGateway struct {
	log      *slog.Logger
	sessions *Controller
	store    chat.MessageStore
	engine   *Engine
	verifier TokenVerifier

	// preAuth extracts an already-verified identity from the upgrade
	// request (Authorization header middleware). Optional.
	preAuth func(*http.Request) (string, bool)

	cfg            GatewayConfig
	originPatterns []string
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(
	log *slog.Logger,
	sessions *Controller,
	store chat.MessageStore,
	engine *Engine,
	verifier TokenVerifier,
	cfg GatewayConfig,
) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()

	return &WSGateway{
		log:      log,
		sessions: sessions,
		store:    store,
		engine:   engine,
		verifier: verifier,
		cfg:      cfg,

		// websocket.Accept authorizes same-host origins by default; for
		// cross-origin it requires OriginPatterns, so the two layers are
		// derived from the same allowlist.
		originPatterns: deriveOriginPatternsFromAllowedOrigins(cfg.AllowedOrigins),
	}
}

// SetPreAuth wires identity extraction from the upgrade request itself, for
// clients that send Authorization headers instead of a hello token.
func (g *WSGateway) SetPreAuth(fn func(*http.Request) (string, bool)) {
	g.preAuth = fn
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the
// realtime loop until the peer disconnects or the server shuts down.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	client, err := g.sessions.Connect(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.connect.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "connect failed")
		return
	}
	connID := client.ConnID

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// shutdown is idempotent via the controller. It does NOT close
	// client.Send; broadcast safety depends on deregistration happening
	// before client.Close, which Disconnect guarantees.
	shutdown := func(code websocket.StatusCode, reason string) {
		g.sessions.Disconnect(connID)
		_ = conn.Close(code, reason)
		cancel()
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// Identity carried on the upgrade request activates the session before
	// the first frame; hello with a token is the fallback.
	if g.preAuth != nil {
		if userID, ok := g.preAuth(r); ok {
			if err := g.sessions.Authenticate(connID, userID); err != nil {
				g.log.Info("ws.preauth.fail", "conn_id", connID, "err", err)
			}
		}
	}

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeJoinRoom:
			if err := g.onRoomAction(ctx, client, env, true); err != nil {
				g.trySendError(ctx, client, "join_failed", err.Error())
				continue readLoop
			}

		case v1.TypeLeaveRoom:
			if err := g.onRoomAction(ctx, client, env, false); err != nil {
				g.trySendError(ctx, client, "leave_failed", err.Error())
				continue readLoop
			}

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, client, env); err != nil {
				g.trySendError(ctx, client, "send_failed", err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, client *Client, env v1.Envelope) error {
	var p v1.HelloPayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("invalid payload: %w", err)
		}
	}

	if client.State() == StateConnecting {
		token := strings.TrimSpace(p.Token)
		if token == "" {
			return errors.New("missing token")
		}
		if g.verifier == nil {
			return errors.New("no verifier configured")
		}
		userID, err := g.verifier.Verify(token)
		if err != nil {
			return fmt.Errorf("verify token: %w", err)
		}
		if err := g.sessions.Authenticate(client.ConnID, userID); err != nil {
			return err
		}
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		ConnectionID: client.ConnID,
		UserID:       client.UserID(),
	})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.tryEnqueue(ctx, client, ack) {
		return errors.New("backpressure: hello.ack")
	}
	return nil
}

func (g *WSGateway) onRoomAction(ctx context.Context, client *Client, env v1.Envelope, join bool) error {
	var p v1.RoomActionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing roomId")
	}

	action := "leave"
	if join {
		action = "join"
		if err := g.sessions.Join(ctx, client.ConnID, roomID); err != nil {
			return err
		}
	} else {
		if err := g.sessions.Leave(client.ConnID, roomID); err != nil {
			return err
		}
	}

	ackPayload, _ := json.Marshal(v1.RoomAckPayload{Action: action, RoomID: roomID})
	ack := newEnvelope(v1.TypeRoomAck, ackPayload, time.Now().UTC())

	if !g.tryEnqueue(ctx, client, ack) {
		return fmt.Errorf("backpressure: %s ack", action)
	}
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, client *Client, env v1.Envelope) error {
	if client.State() != StateActive {
		return ErrNotAuthenticated
	}

	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	roomID := strings.TrimSpace(p.RoomID)
	if roomID == "" {
		return errors.New("missing roomId")
	}
	if !g.sessions.Subscribed(client.ConnID, roomID) {
		return errors.New("join the room first")
	}

	// The store stamps CreatedAt itself, inside its per-room serialization
	// point; handing it a timestamp read before the frame was dispatched
	// would let racing senders commit out of key order.
	msg, err := g.store.Append(ctx, chat.AppendInput{
		RoomID:      roomID,
		SenderID:    client.UserID(),
		Content:     p.Content,
		Type:        chat.MessageType(p.MessageType),
		Attachments: attachmentsFromWire(p.Attachments),
	})
	if err != nil {
		return fmt.Errorf("store append: %w", err)
	}

	report := g.engine.Publish(ctx, roomID, MessagePush(msg))
	if len(report.Failed) > 0 {
		g.log.Warn("ws.push.partial", "room_id", roomID, "failed", len(report.Failed))
	}
	return nil
}

// ---- wire mapping ----

// MessageToWire converts a stored message into its wire shape.
func MessageToWire(m chat.Message) v1.MessageData {
	out := v1.MessageData{
		ID:          m.ID,
		RoomID:      m.RoomID,
		UserID:      m.UserID,
		Content:     m.Content,
		MessageType: string(m.Type),
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, v1.AttachmentPayload{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}

func attachmentsFromWire(in []v1.AttachmentPayload) []chat.Attachment {
	if len(in) == 0 {
		return nil
	}
	out := make([]chat.Attachment, 0, len(in))
	for _, a := range in {
		out = append(out, chat.Attachment{
			ID:          a.ID,
			Filename:    a.Filename,
			URL:         a.URL,
			ContentType: a.ContentType,
			Size:        a.Size,
		})
	}
	return out
}

func mustMarshalPush(m chat.Message) json.RawMessage {
	b, _ := json.Marshal(v1.MessagePushPayload{Data: MessageToWire(m)})
	return b
}

// MessagePush builds the outbound push frame for a stored message. The
// websocket send path and the REST post path both publish through it, so
// subscribers see identical frames regardless of the ingress surface.
func MessagePush(m chat.Message) v1.Envelope {
	return newEnvelope(v1.TypeMessage, mustMarshalPush(m), m.CreatedAt)
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.tryEnqueue(ctx, client, env)
}

func (g *WSGateway) tryEnqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      newEnvelopeID(),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using
	// filepath.Match patterns. Keep this strict: only hosts extracted from
	// the allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}
