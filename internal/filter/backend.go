package filter

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/d--j/go-milter"

	"github.com/foxzi/rename-milter/internal/headers"
	"github.com/foxzi/rename-milter/internal/session"
)

// levelNotice matches config.LevelNotice, which the syslog handler writes as notice
const levelNotice = slog.LevelInfo + 2

// Recorder receives filter activity for metrics
type Recorder interface {
	TrackConnection()
	TrackDisconnect()
	TrackHeader()
	TrackMessage()
	TrackRelocations(rule string, count int)
	TrackMutationFailure(op string)
}

// HeaderModifier is the part of milter.Modifier used to apply relocations
type HeaderModifier interface {
	InsertHeader(index int, name, value string) error
	ChangeHeader(index int, name, value string) error
}

// Backend creates one milter per MTA connection, all sharing the relocation settings.
// Settings may be swapped at runtime; a connection keeps the settings it started with.
type Backend struct {
	settings atomic.Pointer[headers.Settings]
	recorder Recorder
	logger   *slog.Logger
}

// NewBackend creates a backend. recorder may be nil.
func NewBackend(settings *headers.Settings, recorder Recorder, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Backend{
		recorder: recorder,
		logger:   logger,
	}
	b.settings.Store(settings)
	return b
}

// Settings returns the settings new connections will use
func (b *Backend) Settings() *headers.Settings {
	return b.settings.Load()
}

// SetSettings replaces the settings for connections opened from now on
func (b *Backend) SetSettings(settings *headers.Settings) {
	if settings == nil {
		return
	}
	b.settings.Store(settings)
}

// NewMilter is the factory passed to milter.WithMilter
func (b *Backend) NewMilter() milter.Milter {
	return &renameMilter{backend: b}
}

// renameMilter adapts go-milter callbacks to a Session
type renameMilter struct {
	milter.NoOpMilter

	backend *Backend
	session *session.Session
}

// current returns the live session, starting one if the MTA skipped connect
// or the previous one was cleaned up.
func (r *renameMilter) current() *session.Session {
	if r.session == nil {
		r.session = session.New(r.backend.Settings(), r.backend.logger)
		if r.backend.recorder != nil {
			r.backend.recorder.TrackConnection()
		}
	}
	return r.session
}

func (r *renameMilter) Connect(host string, family string, port uint16, addr string, m milter.Modifier) (*milter.Response, error) {
	s := r.current()
	s.Connect(host)
	r.backend.logger.Debug("connect",
		"session_id", s.ID(),
		"host", host,
		"family", family,
		"addr", addr,
		"port", port,
	)
	return milter.RespContinue, nil
}

func (r *renameMilter) Header(name string, value string, m milter.Modifier) (*milter.Response, error) {
	r.current().Header(name, value)
	if r.backend.recorder != nil {
		r.backend.recorder.TrackHeader()
	}
	return milter.RespContinue, nil
}

func (r *renameMilter) EndOfMessage(m milter.Modifier) (*milter.Response, error) {
	r.endOfMessage(m)
	return milter.RespContinue, nil
}

func (r *renameMilter) Abort(m milter.Modifier) error {
	if r.session != nil {
		r.session.Abort()
	}
	return nil
}

func (r *renameMilter) Cleanup(m milter.Modifier) {
	if r.session == nil {
		return
	}

	r.session.Close()
	r.backend.logger.Debug("connection closed",
		"session_id", r.session.ID(),
		"messages", r.session.MessageCount(),
	)
	if r.backend.recorder != nil {
		r.backend.recorder.TrackDisconnect()
	}
	r.session = nil
}

// endOfMessage runs the relocation and applies its ops through m.
// It returns the number of ops the MTA rejected.
func (r *renameMilter) endOfMessage(m HeaderModifier) int {
	s := r.current()
	_, ops, summaries := s.EndOfMessage()
	logger := r.backend.logger.With("session_id", s.ID(), "message", s.MessageCount())

	failed := 0
	for _, op := range ops {
		if err := applyOp(m, op); err != nil {
			failed++
			logger.Error("failed to apply header change", "op", op.String(), "error", err)
			if r.backend.recorder != nil {
				r.backend.recorder.TrackMutationFailure(op.Kind.String())
			}
		}
	}

	for _, sum := range summaries {
		level := slog.LevelInfo
		if sum.Count > 0 {
			level = levelNotice
		}
		logger.Log(context.Background(), level, "renamed headers", "rule", sum.Rule, "count", sum.Count)
		if r.backend.recorder != nil {
			r.backend.recorder.TrackRelocations(sum.Rule, sum.Count)
		}
	}

	if r.backend.recorder != nil {
		r.backend.recorder.TrackMessage()
	}

	return failed
}

// applyOp sends one op to the MTA. The wire index of an insert is the number of
// headers preceding the new one; a change with an empty value deletes.
func applyOp(m HeaderModifier, op headers.Op) error {
	switch op.Kind {
	case headers.OpInsert:
		return m.InsertHeader(op.At-1, op.Name, op.Value)
	case headers.OpRemove:
		return m.ChangeHeader(op.Ordinal, op.Name, "")
	}
	return nil
}
