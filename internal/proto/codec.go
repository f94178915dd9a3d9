package proto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// DecodeReason identifies which framing rule a bad frame broke.
type DecodeReason string

const (
	ReasonOversize   DecodeReason = "frame exceeds maximum size"
	ReasonBadUTF8    DecodeReason = "frame body is not valid UTF-8"
	ReasonBadJSON    DecodeReason = "frame body is not valid JSON"
	ReasonBadVersion DecodeReason = "unsupported jsonrpc version"
	ReasonBadShape   DecodeReason = "document is neither request nor response"
)

// DecodeError indicates the stream violated the frame format. The connection
// it was read from is no longer trustworthy and must be closed.
type DecodeError struct {
	Reason DecodeReason
	// Announced is the length prefix that was read, when the violation is
	// ReasonOversize.
	Announced uint32
}

func (e *DecodeError) Error() string {
	return "protocol error: " + string(e.Reason)
}

// IsDecodeError reports whether err (or its cause chain) is a framing
// violation rather than an I/O failure.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// OversizeError indicates a message whose encoded body exceeds the frame
// limit. Write returns it before anything reaches the wire, so the stream is
// still frame-aligned and the connection remains usable.
type OversizeError struct {
	Size  int
	Limit uint32
}

func (e *OversizeError) Error() string {
	return fmt.Sprintf("message of %d bytes exceeds frame limit of %d", e.Size, e.Limit)
}

// Write frames m onto w. maxBytes of 0 means DefaultMaxMessageBytes; a body
// that would not fit is rejected with *OversizeError rather than sent for the
// peer to refuse. The length prefix and body go out in a single Write call so
// concurrent writers guarded by a caller-side mutex cannot interleave partial
// frames.
func Write(w io.Writer, m *Message, maxBytes uint32) error {
	if maxBytes == 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	body, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshaling message")
	}
	if len(body) > int(maxBytes) {
		return &OversizeError{Size: len(body), Limit: maxBytes}
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "writing frame")
	}
	return nil
}

// Read decodes one frame from r. maxBytes of 0 means DefaultMaxMessageBytes.
//
// An I/O failure is returned wrapped, with io.EOF preserved for errors.Is.
// A *DecodeError return means the bytes on the wire were wrong, not that the
// read failed; the caller must close the connection either way, but only the
// latter is the remote's fault.
func Read(r io.Reader, maxBytes uint32) (*Message, error) {
	if maxBytes == 0 {
		maxBytes = DefaultMaxMessageBytes
	}
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, errors.Wrap(err, "reading frame length")
	}
	length := binary.BigEndian.Uint32(prefix[:])
	// Check before allocating: a bogus prefix must not drive allocation.
	if length > maxBytes {
		return nil, &DecodeError{Reason: ReasonOversize, Announced: length}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.Wrap(err, "reading frame body")
	}
	if !utf8.Valid(body) {
		return nil, &DecodeError{Reason: ReasonBadUTF8}
	}
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &DecodeError{Reason: ReasonBadJSON}
	}
	if m.JSONRPC != Version {
		return nil, &DecodeError{Reason: ReasonBadVersion}
	}
	if m.Kind() == KindInvalid {
		return nil, &DecodeError{Reason: ReasonBadShape}
	}
	return &m, nil
}
