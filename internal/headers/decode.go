package headers

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

var (
	foldRe      = regexp.MustCompile(`[ \t]*\r?\n[ \t]*`)
	wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}
)

// Unfold collapses line folding into single spaces
func Unfold(value string) string {
	if !strings.ContainsAny(value, "\r\n") {
		return value
	}
	return foldRe.ReplaceAllString(value, " ")
}

// DecodeValue unfolds a raw header value and decodes RFC 2047 encoded words.
// Values that fail to decode are returned unfolded.
func DecodeValue(value string) string {
	v := strings.TrimSpace(Unfold(value))
	if !strings.Contains(v, "=?") {
		return v
	}

	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}
