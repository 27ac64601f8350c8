//go:build windows || plan9

package logging

import (
	"errors"
	"io"
	"log/slog"
)

func newSyslogHandler(string, slog.Level) (slog.Handler, io.Closer, error) {
	return nil, nil, errors.New("syslog is not supported on this platform")
}
