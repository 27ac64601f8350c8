package filter

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/d--j/go-milter"
)

func startServer(t *testing.T, socket string, rec Recorder) *Server {
	t.Helper()

	srv, err := NewServer(NewBackend(testSettings(t), rec, nil), ServerOptions{
		Socket:  socket,
		Umask:   0o002,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("ListenAndServe() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	return srv
}

func newClient(network, addr string) *milter.Client {
	return milter.NewClient(network, addr,
		milter.WithAction(milter.OptAddHeader|milter.OptChangeHeader),
		milter.WithoutDefaultMacros(),
	)
}

// sendMessage runs one message through an open client session
func sendMessage(t *testing.T, s *milter.ClientSession, hdrs [][2]string) []milter.ModifyAction {
	t.Helper()

	if _, err := s.Mail("<sender@example.com>", ""); err != nil {
		t.Fatalf("Mail() error = %v", err)
	}
	if _, err := s.Rcpt("<rcpt@example.org>", ""); err != nil {
		t.Fatalf("Rcpt() error = %v", err)
	}
	if _, err := s.DataStart(); err != nil {
		t.Fatalf("DataStart() error = %v", err)
	}
	for _, h := range hdrs {
		if _, err := s.HeaderField(h[0], h[1], nil); err != nil {
			t.Fatalf("HeaderField(%s) error = %v", h[0], err)
		}
	}
	if _, err := s.HeaderEnd(); err != nil {
		t.Fatalf("HeaderEnd() error = %v", err)
	}
	if _, err := s.BodyChunk([]byte("Body\r\n")); err != nil {
		t.Fatalf("BodyChunk() error = %v", err)
	}

	mods, act, err := s.End()
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if act.StopProcessing() {
		t.Errorf("filter should never stop processing, got %s", act)
	}
	return mods
}

func openSession(t *testing.T, client *milter.Client) *milter.ClientSession {
	t.Helper()

	s, err := client.Session(nil)
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if _, err := s.Conn("mx.example.com", milter.FamilyInet, 25, "192.0.2.1"); err != nil {
		t.Fatalf("Conn() error = %v", err)
	}
	if _, err := s.Helo("mx.example.com"); err != nil {
		t.Fatalf("Helo() error = %v", err)
	}
	return s
}

type wantMod struct {
	typ   milter.ModifyActionType
	index uint32
	name  string
	value string
}

func assertMods(t *testing.T, got []milter.ModifyAction, want []wantMod) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d modifications %v, want %d", len(got), got, len(want))
	}
	for i, w := range want {
		g := got[i]
		if g.Type != w.typ || g.HeaderIndex != w.index || g.HeaderName != w.name || strings.TrimSpace(g.HeaderValue) != w.value {
			t.Errorf("modification %d = %s, want %+v", i, g, w)
		}
	}
}

func TestServer_EndToEnd(t *testing.T) {
	rec := newFakeRecorder()
	srv := startServer(t, "tcp:127.0.0.1:0", rec)

	s := openSession(t, newClient("tcp", srv.Addr().String()))

	mods := sendMessage(t, s, [][2]string{
		{"Received", "from mx.example.com"},
		{"X-Spam-Flag", "YES"},
		{"X-Spam-Flag", "NO"},
	})
	assertMods(t, mods, []wantMod{
		{milter.ActionInsertHeader, 2, "X-Original-X-Spam-Flag", "YES"},
		{milter.ActionChangeHeader, 1, "X-Spam-Flag", ""},
	})

	// Second message on the same connection starts from scratch
	mods = sendMessage(t, s, [][2]string{
		{"X-Spam-Status", "Yes, score=7"},
		{"Received", "from relay.example.net"},
		{"Subject", "hello"},
		{"X-Spam-Status", "No, score=0"},
	})
	assertMods(t, mods, []wantMod{
		{milter.ActionInsertHeader, 4, "X-Original-X-Spam-Status", "No, score=0"},
		{milter.ActionChangeHeader, 2, "X-Spam-Status", ""},
	})
}

func TestServer_NoMatches(t *testing.T) {
	srv := startServer(t, "tcp:127.0.0.1:0", nil)
	s := openSession(t, newClient("tcp", srv.Addr().String()))

	mods := sendMessage(t, s, [][2]string{
		{"Received", "from mx.example.com"},
		{"Subject", "clean"},
		{"X-Spam-Flag", "NO"},
	})
	if len(mods) != 0 {
		t.Errorf("expected no modifications, got %v", mods)
	}
}

func TestServer_UnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rename.sock")
	srv := startServer(t, "unix:"+path, nil)

	if !srv.Socket().IsUnix() {
		t.Fatalf("socket = %s, want unix", srv.Socket())
	}

	s := openSession(t, newClient("unix", path))
	mods := sendMessage(t, s, [][2]string{
		{"Received", "from mx.example.com"},
		{"X-Spam-Flag", "YES"},
	})
	if len(mods) != 2 {
		t.Errorf("got %d modifications, want 2", len(mods))
	}
}

func TestNewServer_InvalidSocket(t *testing.T) {
	if _, err := NewServer(NewBackend(testSettings(t), nil, nil), ServerOptions{Socket: "udp:1"}); err == nil {
		t.Error("expected error for invalid socket")
	}
}
