package session

import (
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/foxzi/rename-milter/internal/headers"
)

// State is the position of a session in the connection lifecycle
type State int

const (
	StateNew State = iota
	StateAwaitingMessage
	StateInMessage
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAwaitingMessage:
		return "awaiting_message"
	case StateInMessage:
		return "in_message"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Verdict is the filter's answer to a protocol event
type Verdict int

const (
	// Continue lets the MTA proceed with the message. It is the only verdict the filter gives.
	Continue Verdict = iota
)

// Session tracks the headers of the messages sent over one filter connection.
// It is driven by a single sequential event stream and holds no locks.
type Session struct {
	settings *headers.Settings
	logger   *slog.Logger

	id       string
	hostname string
	state    State

	// per message
	trackers    map[string]*headers.Tracker
	headerCount int
	boundary    int

	messageCount int
}

// New creates a session bound to the shared relocation settings
func New(settings *headers.Settings, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Session{
		settings: settings,
		logger:   logger,
	}
}

// ID returns the session identity, empty until the first event
func (s *Session) ID() string {
	return s.id
}

// Hostname returns the client hostname reported at connect
func (s *Session) Hostname() string {
	return s.hostname
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return s.state
}

// MessageCount returns how many messages completed end-of-message on this connection
func (s *Session) MessageCount() int {
	return s.messageCount
}

// HeaderCount returns how many headers the current message has seen so far
func (s *Session) HeaderCount() int {
	return s.headerCount
}

// Boundary returns the position of the first marker header in the current message, 0 if unseen
func (s *Session) Boundary() int {
	return s.boundary
}

// Connect starts the session for a client
func (s *Session) Connect(hostname string) Verdict {
	if s.state == StateClosed {
		return Continue
	}

	s.ensureIdentity()
	s.hostname = hostname
	s.messageCount = 0
	s.resetMessage()
	s.state = StateAwaitingMessage

	s.logger.Debug("session started", "hostname", hostname)
	return Continue
}

// Header records one header of the current message. A header outside a message starts one.
func (s *Session) Header(name, value string) Verdict {
	if s.state == StateClosed {
		return Continue
	}
	if s.state != StateInMessage {
		s.startMessage()
	}

	s.headerCount++
	nl := strings.ToLower(name)

	if nl == s.settings.Marker && s.boundary == 0 {
		s.boundary = s.headerCount
	}

	// The marker name may also be ruled; its first instance still counts toward
	// ordinals but never relocates since its position equals the boundary.
	if tr, ok := s.trackers[nl]; ok {
		tr.Record(name, value, s.headerCount)
	}

	return Continue
}

// EndOfMessage computes the header mutations for the current message and resets
// the per-message state.
func (s *Session) EndOfMessage() (Verdict, []headers.Op, []headers.Summary) {
	if s.state == StateClosed {
		return Continue, nil, nil
	}
	if s.state != StateInMessage {
		s.startMessage()
	}

	boundary := s.boundary
	if boundary == 0 && s.settings.RequireMarker {
		// Nothing is eligible without a marker
		boundary = s.headerCount
	}

	ops, summaries := headers.Relocate(s.settings.Prefix, boundary, s.trackers)

	s.messageCount++
	s.logger.Debug("end of message",
		"message", s.messageCount,
		"headers", s.headerCount,
		"boundary", s.boundary,
		"ops", len(ops),
	)

	s.resetMessage()
	s.state = StateAwaitingMessage

	return Continue, ops, summaries
}

// Abort discards the current message without relocating anything
func (s *Session) Abort() {
	if s.state == StateClosed {
		return
	}
	if s.state == StateInMessage {
		s.logger.Debug("message aborted", "headers", s.headerCount)
	}

	s.ensureIdentity()
	s.resetMessage()
	s.state = StateAwaitingMessage
}

// Close ends the session. Later events are ignored.
func (s *Session) Close() Verdict {
	if s.state == StateClosed {
		return Continue
	}

	s.resetMessage()
	s.state = StateClosed
	s.logger.Debug("session closed", "messages", s.messageCount)
	return Continue
}

func (s *Session) ensureIdentity() {
	if s.id != "" {
		return
	}
	s.id = uuid.New().String()
	s.logger = s.logger.With("session_id", s.id)
}

func (s *Session) startMessage() {
	s.ensureIdentity()
	s.resetMessage()
	s.trackers = headers.NewTrackers(s.settings.Rules)
	s.state = StateInMessage
}

func (s *Session) resetMessage() {
	s.trackers = nil
	s.headerCount = 0
	s.boundary = 0
}
