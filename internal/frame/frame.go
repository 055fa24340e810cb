// Package frame implements the Content-Length framing used between hostgate
// and an external prompt helper process.
//
// A frame is a header block terminated by a blank line followed by exactly
// Content-Length bytes of JSON:
//
//	Content-Length: 42\r\n
//	\r\n
//	{"host":"203.0.113.5","action":"print",...}
package frame

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

var (
	ErrMissingLength = errors.New("frame: missing Content-Length")
	ErrInvalidLength = errors.New("frame: invalid Content-Length")
)

// Write writes payload as one frame.
func Write(w io.Writer, payload []byte) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(payload))
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteJSON marshals v and writes it as one frame.
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return Write(w, payload)
}

// Read reads one frame and returns its payload. Blank lines before the
// header are skipped. A clean end of input before any header returns io.EOF.
func Read(r *bufio.Reader) ([]byte, error) {
	length, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadJSON reads one frame and unmarshals it into v.
func ReadJSON(r *bufio.Reader, v any) error {
	payload, err := Read(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

func readHeader(r *bufio.Reader) (int, error) {
	length := -1
	started := false

	for {
		line, err := r.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
		eof := errors.Is(err, io.EOF)
		text := strings.TrimSpace(line)

		if text == "" {
			if started && !eof {
				break
			}
			if eof {
				return 0, endOfHeader(started, length)
			}
			continue
		}

		started = true
		if name, value, ok := strings.Cut(text, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, convErr := strconv.Atoi(strings.TrimSpace(value))
			if convErr != nil || n <= 0 {
				return 0, ErrInvalidLength
			}
			length = n
		}
		if eof {
			return 0, endOfHeader(started, length)
		}
	}

	if length < 0 {
		return 0, ErrMissingLength
	}
	return length, nil
}

// endOfHeader picks the error for input that stops inside or before a header.
func endOfHeader(started bool, length int) error {
	switch {
	case !started:
		return io.EOF
	case length < 0:
		return ErrMissingLength
	default:
		return io.ErrUnexpectedEOF
	}
}
