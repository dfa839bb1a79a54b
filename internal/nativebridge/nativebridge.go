// Package nativebridge implements the browser-extension native-messaging
// framing from spec.md §6: a 4-byte little-endian length prefix followed
// by a UTF-8 JSON payload, capped at 1 MiB, over stdin/stdout.
//
// Grounded on the teacher's JSON usage throughout internal/server (gin
// handlers marshal/unmarshal with encoding/json); here that's swapped for
// bytedance/sonic, already wired into Crane's DOMAIN STACK for fast framing
// on a hot stdin/stdout loop, per SPEC_FULL.md.
package nativebridge

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// MaxMessageSize is the framing cap from spec.md §6.
const MaxMessageSize = 1 << 20

// MessageType is the closed tagged-variant schema from spec.md §9: unknown
// types are rejected rather than silently ignored.
type MessageType string

const (
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
	TypeDownload MessageType = "download"
	TypeAccepted MessageType = "accepted"
	TypeRejected MessageType = "rejected"
)

// Envelope is the superset of every field any message shape from spec.md
// §6 can carry; unused fields are omitted on the wire.
type Envelope struct {
	Type          MessageType `json:"type"`
	Version       string      `json:"version,omitempty"`
	URL           string      `json:"url,omitempty"`
	Filename      string      `json:"filename,omitempty"`
	FileSize      int64       `json:"fileSize,omitempty"`
	MimeType      string      `json:"mimeType,omitempty"`
	Referrer      string      `json:"referrer,omitempty"`
	Authorization string      `json:"authorization,omitempty"`
	ID            string      `json:"id,omitempty"`
	Reason        string      `json:"reason,omitempty"`
}

// BridgeVersion is reported in pong replies.
const BridgeVersion = "1"

// AddDownloadFunc admits a new download request; it returns the id of an
// existing pending/active download with the same URL when one exists (the
// deduplication rule from spec.md §6), or creates a new one.
type AddDownloadFunc func(url, filename string, fileSize int64, referrer string) (id string, deduped bool, err error)

// Bridge reads framed messages from r and writes framed replies to w until
// r is exhausted or ctx-like cancellation is handled by the caller closing
// r.
type Bridge struct {
	r       io.Reader
	w       io.Writer
	AddFunc AddDownloadFunc
}

// New builds a Bridge over the given stdin/stdout-like streams.
func New(r io.Reader, w io.Writer, addFunc AddDownloadFunc) *Bridge {
	return &Bridge{r: r, w: w, AddFunc: addFunc}
}

// Serve processes one framed message and writes the framed reply. It
// returns io.EOF when the input stream is exhausted, signalling the caller
// to stop looping.
func (b *Bridge) Serve() error {
	msg, err := readFrame(b.r)
	if err != nil {
		return err
	}

	var env Envelope
	if err := sonic.Unmarshal(msg, &env); err != nil {
		return writeFrame(b.w, Envelope{Type: TypeRejected, Reason: "Malformed"})
	}

	switch env.Type {
	case TypePing:
		return writeFrame(b.w, Envelope{Type: TypePong, Version: BridgeVersion})
	case TypeDownload:
		return b.handleDownload(env)
	default:
		return writeFrame(b.w, Envelope{Type: TypeRejected, Reason: "UnknownType"})
	}
}

func (b *Bridge) handleDownload(env Envelope) error {
	if env.URL == "" {
		return writeFrame(b.w, Envelope{Type: TypeRejected, Reason: "Malformed"})
	}
	id, _, err := b.AddFunc(env.URL, env.Filename, env.FileSize, env.Referrer)
	if err != nil {
		return writeFrame(b.w, Envelope{Type: TypeRejected, Reason: err.Error()})
	}
	return writeFrame(b.w, Envelope{Type: TypeAccepted, ID: id})
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds %d byte limit", n, MaxMessageSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, env Envelope) error {
	payload, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("reply of %d bytes exceeds %d byte limit", len(payload), MaxMessageSize)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}
