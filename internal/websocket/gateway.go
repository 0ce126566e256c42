package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/domain/entities"
	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/metrics"
	"github.com/satriahrh/crmvoice/internal/relay"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from either peer. Audio is base64 inside JSON.
	maxMessageSize = 4 * 1024 * 1024

	// Close frame payloads are limited to 125 bytes, two of them for the code.
	maxCloseReason = 123

	archiveSaveTimeout = 5 * time.Second
	maxIdentityLength  = 128
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrNoUpstream      = errors.New("upstream URL is not configured")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// GatewayConfig configures the voice gateway
type GatewayConfig struct {
	// UpstreamURL is the ws(s) origin of the speech backend. The client's path
	// and query are appended verbatim.
	UpstreamURL      string
	HandshakeTimeout time.Duration
}

// Gateway maintains one relayed session per identity
type Gateway struct {
	// Registered sessions by identity.
	sessions map[string]*Session

	// Register requests from new sessions.
	register chan *Session

	// Unregister requests from finished sessions.
	unregister chan *Session

	// Closed when Run returns.
	stopped chan struct{}

	// Mutex for thread-safe access to sessions map
	mu sync.RWMutex

	config   GatewayConfig
	dialer   *websocket.Dialer
	archives repositories.ConversationArchiveRepository

	logger  *zap.Logger
	metrics *metrics.Collector
}

// NewGateway creates a new voice gateway. archives may be nil to disable archiving.
func NewGateway(
	config GatewayConfig,
	archives repositories.ConversationArchiveRepository,
	logger *zap.Logger,
	collector *metrics.Collector,
) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 10 * time.Second
	}
	return &Gateway{
		sessions:   make(map[string]*Session),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		stopped:    make(chan struct{}),
		config:     config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		archives: archives,
		logger:   logger.With(zap.String("component", "voice_gateway")),
		metrics:  collector,
	}
}

// Run starts the gateway's main loop and blocks until ctx is done
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(g.stopped)
			g.mu.Lock()
			sessions := make([]*Session, 0, len(g.sessions))
			for _, s := range g.sessions {
				sessions = append(sessions, s)
			}
			g.sessions = make(map[string]*Session)
			g.mu.Unlock()
			for _, s := range sessions {
				s.close("gateway stopped", websocket.CloseGoingAway)
			}
			return

		case session := <-g.register:
			g.mu.Lock()
			previous := g.sessions[session.identity]
			g.sessions[session.identity] = session
			g.mu.Unlock()
			if previous != nil {
				// close sends on unregister, so it must not run on this goroutine
				go previous.close("replaced by a new session", websocket.CloseNormalClosure)
			}
			g.logger.Info("Session registered", zap.String("identity", session.identity))

		case session := <-g.unregister:
			g.mu.Lock()
			if current, ok := g.sessions[session.identity]; ok && current == session {
				delete(g.sessions, session.identity)
			}
			g.mu.Unlock()
			g.logger.Info("Session unregistered", zap.String("identity", session.identity))
		}
	}
}

// ActiveSessions returns the number of registered sessions
func (g *Gateway) ActiveSessions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Session returns the active session for identity, if any
func (g *Gateway) Session(identity string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[identity]
	return s, ok
}

// WriteData is one frame queued for a peer
type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Session relays frames between one client and the upstream backend
type Session struct {
	gateway *Gateway

	identity string
	client   *websocket.Conn
	upstream *websocket.Conn

	// Buffered channels of outbound frames.
	toClient   chan WriteData
	toUpstream chan WriteData

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	archive *entities.ConversationArchive

	logger *zap.Logger
}

// HandleSession upgrades the request after dialing the upstream with the same
// path and query. identity has already been taken from the URL.
func (g *Gateway) HandleSession(c echo.Context, identity, tenant, feature string) error {
	if identity == "" || len(identity) > maxIdentityLength || strings.ContainsAny(identity, "/?#") {
		return ErrInvalidIdentity
	}
	if g.config.UpstreamURL == "" {
		return ErrNoUpstream
	}

	req := c.Request()
	target := strings.TrimRight(g.config.UpstreamURL, "/") + req.URL.EscapedPath()
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}

	upstream, resp, err := g.dialer.DialContext(req.Context(), target, nil)
	if err != nil {
		fields := []zap.Field{zap.String("identity", identity), zap.String("upstream", target), zap.Error(err)}
		if resp != nil {
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		g.logger.Error("Upstream dial failed", fields...)
		return &UpstreamError{Err: err}
	}

	conn, err := upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		upstream.Close()
		g.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	session := &Session{
		gateway:    g,
		identity:   identity,
		client:     conn,
		upstream:   upstream,
		toClient:   make(chan WriteData, 256),
		toUpstream: make(chan WriteData, 256),
		done:       make(chan struct{}),
		archive:    entities.NewConversationArchive(identity, tenant, feature),
		logger:     g.logger.With(zap.String("identity", identity)),
	}

	g.metrics.GatewaySessionOpened()
	select {
	case g.register <- session:
	case <-g.stopped:
		session.close("gateway stopped", websocket.CloseGoingAway)
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go session.clientWritePump()
	go session.upstreamWritePump()
	go session.clientReadPump()
	go session.upstreamReadPump()

	return nil
}

// UpstreamError reports that the backend could not be reached
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string { return "upstream unavailable: " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Archive returns a copy of the messages archived so far
func (s *Session) Archive() entities.ConversationArchive {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.archive
	copied.Messages = append([]entities.ConversationMessage(nil), s.archive.Messages...)
	return copied
}

// Done is closed once the session has ended
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) enqueue(ch chan WriteData, data WriteData) bool {
	select {
	case ch <- data:
		return true
	case <-s.done:
		return false
	}
}

// clientReadPump pumps frames from the client to the upstream.
func (s *Session) clientReadPump() {
	code := websocket.CloseNormalClosure
	defer func() { s.close("client disconnected", code) }()

	s.client.SetReadLimit(maxMessageSize)
	s.client.SetReadDeadline(time.Now().Add(pongWait))
	s.client.SetPongHandler(func(string) error {
		s.client.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.client.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Error("Client socket error", zap.Error(err))
			}
			code = closeCodeFor(err)
			return
		}
		// any client traffic proves liveness
		s.client.SetReadDeadline(time.Now().Add(pongWait))

		s.gateway.metrics.RecordGatewayFrame("upstream")
		if !s.enqueue(s.toUpstream, WriteData{Type: messageType, Payload: message}) {
			return
		}
	}
}

// upstreamReadPump pumps frames from the upstream to the client and archives
// the conversation entries it recognises.
func (s *Session) upstreamReadPump() {
	code := websocket.CloseNormalClosure
	defer func() { s.close("upstream disconnected", code) }()

	s.upstream.SetReadLimit(maxMessageSize)

	for {
		messageType, message, err := s.upstream.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error("Upstream socket error", zap.Error(err))
			}
			code = closeCodeFor(err)
			return
		}

		if messageType == websocket.TextMessage {
			s.record(message)
		}

		s.gateway.metrics.RecordGatewayFrame("downstream")
		if !s.enqueue(s.toClient, WriteData{Type: messageType, Payload: message}) {
			return
		}
	}
}

// record projects an upstream envelope into the archive. Envelopes that do
// not parse are still relayed.
func (s *Session) record(message []byte) {
	envelope, err := relay.ParseInbound(message)
	if err != nil {
		s.logger.Warn("Relaying unrecognised upstream frame", zap.Error(err))
		return
	}

	var entry *entities.ConversationMessage
	switch m := envelope.(type) {
	case *relay.TranscriptionMessage:
		msg := entities.NewConversationMessage(entities.MessageRoleUser, m.Text)
		entry = &msg
	case *relay.AssistantResponseMessage:
		msg := entities.NewConversationMessage(entities.MessageRoleAssistant, m.Response)
		msg.Trace = m.ExecutionDetails
		entry = &msg
	case *relay.ErrorMessage:
		msg := entities.NewConversationMessage(entities.MessageRoleSystem, m.Message)
		msg.IsError = true
		entry = &msg
	default:
		return
	}

	s.mu.Lock()
	s.archive.AddMessage(*entry)
	s.mu.Unlock()
}

// clientWritePump writes queued frames to the client and keeps it alive.
func (s *Session) clientWritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case message := <-s.toClient:
			s.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.client.WriteMessage(message.Type, message.Payload); err != nil {
				s.logger.Error("Failed to write to client", zap.Error(err))
				go s.close("client write failed", websocket.CloseInternalServerErr)
				return
			}

		case <-ticker.C:
			s.client.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.client.WriteMessage(websocket.PingMessage, nil); err != nil {
				go s.close("client ping failed", websocket.CloseInternalServerErr)
				return
			}
		}
	}
}

// upstreamWritePump writes queued frames to the upstream.
func (s *Session) upstreamWritePump() {
	for {
		select {
		case <-s.done:
			return

		case message := <-s.toUpstream:
			s.upstream.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.upstream.WriteMessage(message.Type, message.Payload); err != nil {
				s.logger.Error("Failed to write to upstream", zap.Error(err))
				go s.close("upstream write failed", websocket.CloseInternalServerErr)
				return
			}
		}
	}
}

// closeCodeFor maps the error that ended one side to the code sent to the
// other. Codes that may not appear on the wire become 1011.
func closeCodeFor(err error) int {
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		return websocket.CloseInternalServerErr
	}
	switch closeErr.Code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.CloseInternalServerErr
	}
	return closeErr.Code
}

// close ends both sockets with code, unregisters the session and saves its
// archive. Only the first call has any effect.
func (s *Session) close(reason string, code int) {
	s.closeOnce.Do(func() {
		close(s.done)

		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		closeFrame := websocket.FormatCloseMessage(code, reason)
		deadline := time.Now().Add(writeWait)
		s.client.WriteControl(websocket.CloseMessage, closeFrame, deadline)
		s.upstream.WriteControl(websocket.CloseMessage, closeFrame, deadline)
		s.client.Close()
		s.upstream.Close()

		g := s.gateway
		select {
		case g.unregister <- s:
		case <-g.stopped:
		}
		g.metrics.GatewaySessionClosed()

		s.logger.Info("Session closed", zap.String("reason", reason), zap.Int("code", code))
		s.saveArchive()
	})
}

func (s *Session) saveArchive() {
	if s.gateway.archives == nil {
		return
	}

	s.mu.Lock()
	if len(s.archive.Messages) == 0 {
		s.mu.Unlock()
		return
	}
	s.archive.Close()
	archive := *s.archive
	archive.Messages = append([]entities.ConversationMessage(nil), s.archive.Messages...)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
	defer cancel()

	if err := s.gateway.archives.Save(ctx, &archive); err != nil {
		s.logger.Error("Failed to save conversation archive",
			zap.String("archive_id", archive.ID),
			zap.Error(err))
		return
	}
	s.logger.Info("Conversation archive saved",
		zap.String("archive_id", archive.ID),
		zap.Int("messages", len(archive.Messages)))
}
