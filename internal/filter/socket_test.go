package filter

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestParseSocket(t *testing.T) {
	tests := []struct {
		spec    string
		want    Socket
		wantErr bool
	}{
		{"unix:/var/spool/postfix/milter/rename.sock", Socket{"unix", "/var/spool/postfix/milter/rename.sock"}, false},
		{"local:/run/rename.sock", Socket{"unix", "/run/rename.sock"}, false},
		{"/run/rename.sock", Socket{"unix", "/run/rename.sock"}, false},
		{"inet:8890@127.0.0.1", Socket{"tcp4", "127.0.0.1:8890"}, false},
		{"inet:8890", Socket{"tcp4", ":8890"}, false},
		{"inet6:8890@::1", Socket{"tcp6", "[::1]:8890"}, false},
		{"tcp:localhost:8890", Socket{"tcp", "localhost:8890"}, false},
		{"", Socket{}, true},
		{"unix:relative.sock", Socket{}, true},
		{"inet:notaport@127.0.0.1", Socket{}, true},
		{"inet:70000", Socket{}, true},
		{"tcp:8890", Socket{}, true},
		{"udp:127.0.0.1:8890", Socket{}, true},
		{"inet:", Socket{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParseSocket(tt.spec)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSocket) {
					t.Errorf("ParseSocket(%q) error = %v, want ErrInvalidSocket", tt.spec, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSocket(%q) error = %v", tt.spec, err)
			}
			if got != tt.want {
				t.Errorf("ParseSocket(%q) = %+v, want %+v", tt.spec, got, tt.want)
			}
		})
	}
}

func TestParseUmask(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"002", 0o002, false},
		{"077", 0o077, false},
		{"", 0, false},
		{"0", 0, false},
		{"8", 0, true},
		{"1777", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseUmask(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUmask(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUmask(%q) = %o, want %o", tt.in, got, tt.want)
		}
	}
}

func TestListen_UnixSocket(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "milter", "rename.sock")
	socket := Socket{Network: "unix", Address: path}

	ln, err := Listen(socket, 0o077)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if fi.Mode()&os.ModeSocket == 0 {
		t.Errorf("%s is not a socket", path)
	}
	if perm := fi.Mode().Perm(); perm&0o077 != 0 {
		t.Errorf("socket permissions %o ignore umask", perm)
	}

	// Leave the file behind like a crashed process would
	if ul, ok := ln.(interface{ SetUnlinkOnClose(bool) }); ok {
		ul.SetUnlinkOnClose(false)
	}
	ln.Close()

	ln2, err := Listen(socket, 0o002)
	if err != nil {
		t.Fatalf("Listen() over stale socket error = %v", err)
	}
	ln2.Close()
}

func TestListen_RefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-socket")
	if err := os.WriteFile(path, []byte("data"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Listen(Socket{Network: "unix", Address: path}, 0o002); err == nil {
		t.Error("expected error when path is a regular file")
	}
}
