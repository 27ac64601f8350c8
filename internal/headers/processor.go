package headers

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// Field is a single header field with its raw (possibly folded) value
type Field struct {
	Name  string
	Value string
}

// SplitMessage splits email data into the header block and the body
func SplitMessage(data []byte) ([]byte, []byte) {
	// RFC 5322: headers and body are separated by CRLF CRLF or LF LF

	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx != -1 {
		return data[:idx], data[idx+4:]
	}

	if idx := bytes.Index(data, []byte("\n\n")); idx != -1 {
		return data[:idx], data[idx+2:]
	}

	// No body found, all headers
	return data, nil
}

// ParseFields parses a raw header block into fields, keeping arrival order
func ParseFields(data []byte) []Field {
	var fields []Field

	lines := bytes.Split(data, []byte("\n"))
	var current *Field

	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\r"))

		if len(line) == 0 {
			continue
		}

		// Continuation line
		if line[0] == ' ' || line[0] == '\t' {
			if current != nil {
				current.Value += "\r\n" + string(line)
			}
			continue
		}

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			current = nil
			continue
		}

		fields = append(fields, Field{
			Name:  string(bytes.TrimSpace(line[:colonIdx])),
			Value: string(bytes.TrimSpace(line[colonIdx+1:])),
		})
		current = &fields[len(fields)-1]
	}

	return fields
}

// Apply performs ops on a copy of fields in order, the way an MTA would.
// A failing op is reported in the joined error and does not stop the remaining ops.
func Apply(fields []Field, ops []Op) ([]Field, error) {
	result := make([]Field, len(fields))
	copy(result, fields)

	var errs []error
	for _, op := range ops {
		var err error
		switch op.Kind {
		case OpInsert:
			result, err = insertField(result, op)
		case OpRemove:
			result, err = removeField(result, op)
		default:
			err = fmt.Errorf("unknown op kind %d", op.Kind)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op, err))
		}
	}

	return result, errors.Join(errs...)
}

// insertField places a new field so that it becomes the op.At-th field
func insertField(fields []Field, op Op) ([]Field, error) {
	if op.Name == "" {
		return fields, errors.New("empty header name")
	}

	idx := op.At - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(fields) {
		idx = len(fields)
	}

	fields = append(fields, Field{})
	copy(fields[idx+1:], fields[idx:])
	fields[idx] = Field{Name: op.Name, Value: op.Value}
	return fields, nil
}

// removeField deletes the op.Ordinal-th field named op.Name (case-insensitive)
func removeField(fields []Field, op Op) ([]Field, error) {
	if op.Ordinal < 1 {
		return fields, fmt.Errorf("invalid ordinal %d", op.Ordinal)
	}

	seen := 0
	for i := range fields {
		if !strings.EqualFold(fields[i].Name, op.Name) {
			continue
		}
		seen++
		if seen == op.Ordinal {
			return append(fields[:i], fields[i+1:]...), nil
		}
	}

	return fields, fmt.Errorf("only %d %s headers present", seen, op.Name)
}

// BuildHeader renders fields as a CRLF terminated header block
func BuildHeader(fields []Field) []byte {
	var buf bytes.Buffer

	for _, f := range fields {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}

	return buf.Bytes()
}

// BuildMessage reconstructs email data from fields and body
func BuildMessage(fields []Field, body []byte) []byte {
	var buf bytes.Buffer

	buf.Write(BuildHeader(fields))
	buf.WriteString("\r\n")

	if len(body) > 0 {
		buf.Write(body)
	}

	return buf.Bytes()
}
