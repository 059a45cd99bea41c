package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/ashureev/supportchat/internal/aitoggle"
	"github.com/ashureev/supportchat/internal/connection"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/messages"
	"github.com/ashureev/supportchat/internal/protocol"
)

// SessionSource lists sessions for the console.
type SessionSource interface {
	ActiveSessions(ctx context.Context) ([]domain.Session, error)
	PastSessions(ctx context.Context) ([]domain.Session, error)
}

// StaffBackend is everything the console needs from the REST backend.
type StaffBackend interface {
	HistorySource
	SessionSource
	aitoggle.Remote
}

// StaffConfig wires a Staff router.
type StaffConfig struct {
	Options
	Backend  StaffBackend
	Uploader Uploader
	Token    string
}

// Staff routes events for the support console.
type Staff struct {
	*core
	backend   StaffBackend
	uploader  Uploader
	token     string
	toggles   *aitoggle.Dispatcher
	directory Directory

	// refreshMu orders listing fetches so a slower one cannot overwrite a newer result.
	refreshMu sync.Mutex
	// pending holds at most one refresh requested by a delivery.
	pending chan struct{}
}

// NewStaff creates a staff router.
func NewStaff(cfg StaffConfig) (*Staff, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("new staff router: %w", errors.Join(ErrMissingDependency, errors.New("backend")))
	}
	c, err := newCore(domain.RoleStaff, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("new staff router: %w", err)
	}
	return &Staff{
		core:     c,
		backend:  cfg.Backend,
		uploader: cfg.Uploader,
		token:    cfg.Token,
		toggles:  aitoggle.NewDispatcher(aitoggle.NewState(), cfg.Backend, c.logger),
		pending:  make(chan struct{}, 1),
	}, nil
}

// Connect opens the staff channel. Staff is established on transport
// connect since the server sends no confirmation.
func (s *Staff) Connect(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}
	h, err := s.manager.Connect(ctx, domain.RoleStaff, connection.Handshake{Token: s.token})
	if err != nil {
		return fmt.Errorf("connect staff: %w", err)
	}
	s.attach(h)
	return nil
}

// Run processes inbound events until the channel is closed or ctx ends.
func (s *Staff) Run(ctx context.Context) error {
	return s.run(ctx, s.dispatch)
}

// Disconnect closes the channel and clears typing state.
func (s *Staff) Disconnect() {
	s.disconnect()
}

// Directory returns the session listing and selection.
func (s *Staff) Directory() *Directory {
	return &s.directory
}

// AIEnabled returns the displayed AI flag for sessionID.
func (s *Staff) AIEnabled(sessionID string) bool {
	return s.toggles.State().Enabled(sessionID)
}

// Transcript returns the selected conversation grouped by day.
func (s *Staff) Transcript() iter.Seq[messages.Entry] {
	return s.messages.GroupedByDay(s.directory.SelectedID())
}

// VisitorTyping reports whether the selected session's visitor is typing.
func (s *Staff) VisitorTyping() bool {
	return s.CounterpartTyping(s.directory.SelectedID())
}

// RefreshSessions reloads the active or past listing and seeds AI flags.
func (s *Staff) RefreshSessions(ctx context.Context, past bool) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	var (
		sessions []domain.Session
		err      error
	)
	if past {
		sessions, err = s.backend.PastSessions(ctx)
	} else {
		sessions, err = s.backend.ActiveSessions(ctx)
	}
	if err != nil {
		return fmt.Errorf("refresh sessions: %w", err)
	}
	s.directory.Set(past, sessions)
	s.toggles.State().Seed(sessions)
	s.onChange(Change{Kind: ChangeSessions})
	return nil
}

// PollSessions refreshes the current listing every interval, and once more
// for any deliveries seen since the last refresh, until ctx ends.
func (s *Staff) PollSessions(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.refreshCurrent(ctx, "Session refresh failed")
		case <-s.pending:
			s.refreshCurrent(ctx, "Session refresh after delivery failed")
		}
	}
}

func (s *Staff) refreshCurrent(ctx context.Context, failure string) {
	_, past := s.directory.Sessions()
	if err := s.RefreshSessions(ctx, past); err != nil {
		s.logger.Warn(failure, "error", err)
	}
}

// requestRefresh queues a listing refresh for PollSessions. Requests made
// while one is queued collapse into it.
func (s *Staff) requestRefresh() {
	select {
	case s.pending <- struct{}{}:
	default:
	}
}

// SelectSession opens a conversation: seeds its AI flag, resets typing and
// replaces the transcript with the stored history.
func (s *Staff) SelectSession(ctx context.Context, session domain.Session) error {
	s.directory.Select(session)
	s.toggles.State().Seed([]domain.Session{session})
	s.typing.Reset(session.ID)
	s.onChange(Change{Kind: ChangeSessions, SessionID: session.ID})

	msgs, err := s.backend.History(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("select session %s: %w", session.ID, err)
	}
	s.messages.Replace(session.ID, msgs)
	s.onChange(Change{Kind: ChangeMessages, SessionID: session.ID})
	return nil
}

// ToggleAI flips the AI flag of the selected session. The flag is shown
// immediately and rolled back if the backend rejects it.
func (s *Staff) ToggleAI(ctx context.Context) (bool, error) {
	id := s.directory.SelectedID()
	enabled, err := s.toggles.Toggle(ctx, id)
	if id != "" {
		s.onChange(Change{Kind: ChangeAI, SessionID: id})
	}
	return enabled, err
}

// InputChanged records a keystroke in the selected session's composer.
func (s *Staff) InputChanged() {
	s.inputChanged(s.directory.SelectedID())
}

// TypingStop ends the typing burst without sending.
func (s *Staff) TypingStop() {
	s.typingStop(s.directory.SelectedID())
}

// SendMessage sends to the selected session.
func (s *Staff) SendMessage(ctx context.Context, body string, att *domain.Attachment) bool {
	return s.send(ctx, s.directory.SelectedID(), body, att)
}

// SendAttachment uploads r and sends it to the selected session.
func (s *Staff) SendAttachment(ctx context.Context, name string, r io.Reader) (bool, error) {
	if s.directory.SelectedID() == "" || !s.Established() {
		return false, nil
	}
	if s.uploader == nil {
		return false, fmt.Errorf("send attachment: %w", errors.Join(ErrMissingDependency, errors.New("uploader")))
	}
	att, err := s.uploader.Upload(ctx, name, r)
	if err != nil {
		return false, fmt.Errorf("send attachment: %w", err)
	}
	return s.SendMessage(ctx, "", &att), nil
}

func (s *Staff) dispatch(_ context.Context, kind protocol.Kind, env protocol.Envelope) {
	switch kind {
	case protocol.KindConnected:
		s.logger.Info("Console connected")
		s.setEstablished(true)

	case protocol.KindDelivered:
		msg, ok := s.decodeMessage(env, "")
		if !ok {
			return
		}
		s.append(msg)
		s.requestRefresh()

	case protocol.KindEcho:
		msg, ok := s.decodeMessage(env, "")
		if !ok || msg.SenderType != domain.SenderAdmin {
			return
		}
		s.append(msg)

	case protocol.KindTypingStart, protocol.KindTypingStop:
		var sig protocol.Typing
		if err := env.Decode(&sig); err != nil {
			s.logger.Debug("Malformed typing payload", "event", env.Event, "error", err)
		}
		id := sig.SessionID
		if id == "" {
			id = s.directory.SelectedID()
		}
		if id == "" {
			return
		}
		if kind == protocol.KindTypingStart {
			s.typing.RemoteStart(id, domain.RoleVisitor)
		} else {
			s.typing.RemoteStop(id, domain.RoleVisitor)
		}
		s.onChange(Change{Kind: ChangeTyping, SessionID: id})
	}
}
