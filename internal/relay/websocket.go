package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/identity"
	"github.com/ashureev/supportchat/internal/protocol"
	"github.com/ashureev/supportchat/internal/store"
)

const (
	writeTimeout = 5 * time.Second
	readLimit    = 1 << 20
)

var (
	errUnauthorized = errors.New("invalid staff token")
	errNotJoined    = errors.New("event before handshake")
	errRoleConflict = errors.New("handshake for a different role")
)

// wsPeer serializes writes to one websocket connection.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *wsPeer) Send(ctx context.Context, env protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Write(ctx, websocket.MessageText, data)
}

func (p *wsPeer) Close(reason string) {
	_ = p.conn.Close(websocket.StatusNormalClosure, reason)
}

// WebSocketHandler serves the chat channel for visitors and staff.
type WebSocketHandler struct {
	repo          store.ChatRepository
	hub           *Hub
	adminToken    string
	allowedOrigin string
	now           func() time.Time
	logger        *slog.Logger
}

// NewWebSocketHandler creates a channel handler. An empty adminToken accepts
// every staff join.
func NewWebSocketHandler(repo store.ChatRepository, hub *Hub, adminToken, allowedOrigin string, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		repo:          repo,
		hub:           hub,
		adminToken:    adminToken,
		allowedOrigin: allowedOrigin,
		now:           time.Now,
		logger:        logger,
	}
}

// conn is the per-connection state. Its role is fixed by the first handshake.
type conn struct {
	peer       *wsPeer
	remoteIP   string
	authHeader string
	role       domain.Role
	sessionID  string
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept websocket", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	c := &conn{
		peer:       &wsPeer{conn: ws},
		remoteIP:   remoteIP(r),
		authHeader: bearer(r.Header.Get("Authorization")),
	}
	defer h.cleanup(c)

	h.logger.Debug("Channel opened", "ip", c.remoteIP)
	h.readLoop(r.Context(), c)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *conn) {
	for {
		_, data, err := c.peer.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("Channel closed by client", "role", c.role, "session_id", c.sessionID)
			} else if ctx.Err() == nil {
				h.logger.Debug("Channel read error", "role", c.role, "error", err)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			h.logger.Warn("Dropping malformed frame", "error", err)
			continue
		}

		if err := h.dispatch(ctx, c, env); err != nil {
			switch {
			case errors.Is(err, errUnauthorized):
				h.logger.Warn("Staff join rejected", "ip", c.remoteIP)
				_ = c.peer.conn.Close(websocket.StatusPolicyViolation, "unauthorized")
				return
			case errors.Is(err, errRoleConflict):
				h.logger.Warn("Handshake role change rejected", "event", env.Event, "role", c.role, "ip", c.remoteIP)
				_ = c.peer.conn.Close(websocket.StatusPolicyViolation, "role already set")
				return
			}
			h.logger.Warn("Event failed", "event", env.Event, "role", c.role, "session_id", c.sessionID, "error", err)
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, c *conn, env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventUserConnect:
		return h.userConnect(ctx, c, env)
	case protocol.EventAdminJoin:
		return h.adminJoin(c, env)
	case protocol.EventMessageUser:
		return h.messageUser(ctx, c, env)
	case protocol.EventMessageAdmin:
		return h.messageAdmin(ctx, c, env)
	case protocol.EventTypingStart, protocol.EventTypingStop:
		return h.typing(ctx, c, env)
	default:
		h.logger.Debug("Ignoring event", "event", env.Event)
		return nil
	}
}

func (h *WebSocketHandler) userConnect(ctx context.Context, c *conn, env protocol.Envelope) error {
	if c.role == domain.RoleStaff {
		return errRoleConflict
	}
	var hs protocol.UserConnect
	if err := env.Decode(&hs); err != nil {
		h.logger.Debug("Malformed visitor handshake", "error", err)
	}

	id := hs.SessionID
	if !identity.Valid(id) {
		id = identity.Generate(h.now())
	}
	if c.role == domain.RoleVisitor && c.sessionID != id {
		h.hub.UnregisterVisitor(c.sessionID, c.peer)
	}

	userIP := hs.UserIP
	if userIP == "" || userIP == "unknown" {
		userIP = c.remoteIP
	}
	sess := &domain.Session{
		ID:        id,
		Status:    domain.StatusActive,
		UserIP:    userIP,
		UserAgent: hs.UserAgent,
	}
	if err := h.repo.UpsertSession(ctx, sess); err != nil {
		return fmt.Errorf("register session: %w", err)
	}

	c.role = domain.RoleVisitor
	c.sessionID = id
	h.hub.RegisterVisitor(id, c.peer)
	return h.send(ctx, c.peer, protocol.EventUserConnected, protocol.UserConnected{SessionID: id})
}

func (h *WebSocketHandler) adminJoin(c *conn, env protocol.Envelope) error {
	if c.role == domain.RoleVisitor {
		return errRoleConflict
	}
	var join protocol.AdminJoin
	if err := env.Decode(&join); err != nil {
		h.logger.Debug("Malformed staff join", "error", err)
	}

	token := join.Token
	if token == "" {
		token = c.authHeader
	}
	if h.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) != 1 {
		return errUnauthorized
	}
	c.role = domain.RoleStaff
	h.hub.AddStaff(c.peer)
	h.logger.Info("Staff joined", "ip", c.remoteIP, "staff", h.hub.StaffCount())
	return nil
}

func (h *WebSocketHandler) messageUser(ctx context.Context, c *conn, env protocol.Envelope) error {
	if c.role != domain.RoleVisitor {
		return errNotJoined
	}
	msg, err := h.accept(ctx, env, c.sessionID, domain.RoleVisitor)
	if err != nil {
		return err
	}
	echo, err := protocol.NewEnvelope(protocol.EventMessageSent, msg)
	if err != nil {
		return err
	}
	if err := c.peer.Send(ctx, echo); err != nil {
		h.logger.Debug("Echo to visitor failed", "session_id", msg.SessionID, "error", err)
	}
	return h.broadcast(ctx, protocol.EventMessageNew, msg)
}

func (h *WebSocketHandler) messageAdmin(ctx context.Context, c *conn, env protocol.Envelope) error {
	if c.role != domain.RoleStaff {
		return errNotJoined
	}
	msg, err := h.accept(ctx, env, "", domain.RoleStaff)
	if err != nil {
		return err
	}
	delivered, err := protocol.NewEnvelope(protocol.EventMessageReceived, msg)
	if err != nil {
		return err
	}
	if err := h.hub.SendVisitor(ctx, msg.SessionID, delivered); err != nil {
		h.logger.Debug("Delivery to visitor failed", "session_id", msg.SessionID, "error", err)
	}
	return h.broadcast(ctx, protocol.EventMessageSent, msg)
}

// accept validates, stamps and stores an outgoing message.
func (h *WebSocketHandler) accept(ctx context.Context, env protocol.Envelope, sessionID string, author domain.Role) (domain.Message, error) {
	var out protocol.Outgoing
	if err := env.Decode(&out); err != nil {
		return domain.Message{}, err
	}
	if sessionID == "" {
		sessionID = out.SessionID
	}
	body := strings.TrimSpace(out.Message)
	if sessionID == "" || (body == "" && out.AttachmentURL == "") {
		return domain.Message{}, fmt.Errorf("accept %s: empty message", env.Event)
	}
	if body == "" {
		body = domain.AttachmentPlaceholder
	}

	msg := domain.Message{
		SessionID:      sessionID,
		Body:           body,
		Sender:         author.DisplayName(),
		SenderType:     author.SenderType(),
		AttachmentURL:  out.AttachmentURL,
		AttachmentType: out.AttachmentType,
		Timestamp:      h.now().UTC(),
	}
	if err := h.repo.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("store message: %w", err)
	}
	return msg, nil
}

func (h *WebSocketHandler) typing(ctx context.Context, c *conn, env protocol.Envelope) error {
	start := env.Event == protocol.EventTypingStart
	switch c.role {
	case domain.RoleVisitor:
		sig := protocol.Typing{SessionID: c.sessionID, SenderType: domain.SenderUser}
		return h.broadcast(ctx, protocol.RelayedTypingEvent(domain.RoleVisitor, start), sig)
	case domain.RoleStaff:
		var sig protocol.Typing
		if err := env.Decode(&sig); err != nil {
			return err
		}
		if sig.SessionID == "" {
			return fmt.Errorf("typing: missing session")
		}
		sig.SenderType = domain.SenderAdmin
		relayed, err := protocol.NewEnvelope(protocol.RelayedTypingEvent(domain.RoleStaff, start), sig)
		if err != nil {
			return err
		}
		return h.hub.SendVisitor(ctx, sig.SessionID, relayed)
	default:
		return errNotJoined
	}
}

func (h *WebSocketHandler) broadcast(ctx context.Context, event protocol.Event, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.hub.BroadcastStaff(ctx, env)
	return nil
}

func (h *WebSocketHandler) send(ctx context.Context, p Peer, event protocol.Event, payload any) error {
	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	return p.Send(ctx, env)
}

// cleanup unregisters the connection and moves an abandoned session to past.
func (h *WebSocketHandler) cleanup(c *conn) {
	defer c.peer.Close("session ended")

	switch c.role {
	case domain.RoleStaff:
		h.hub.RemoveStaff(c.peer)
	case domain.RoleVisitor:
		if !h.hub.UnregisterVisitor(c.sessionID, c.peer) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.SetSessionStatus(ctx, c.sessionID, domain.StatusPast); err != nil {
			h.logger.Warn("Failed to close session", "session_id", c.sessionID, "error", err)
		}
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearer(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
