package nativebridge

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bytedance/sonic"
)

func frame(t *testing.T, env Envelope) []byte {
	t.Helper()
	payload, err := sonic.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
	return buf.Bytes()
}

func unframe(t *testing.T, data []byte) Envelope {
	t.Helper()
	if len(data) < 4 {
		t.Fatalf("reply too short: %d bytes", len(data))
	}
	n := binary.LittleEndian.Uint32(data[:4])
	var env Envelope
	if err := sonic.Unmarshal(data[4:4+n], &env); err != nil {
		t.Fatalf("Unmarshal reply: %v", err)
	}
	return env
}

func TestServe_Ping(t *testing.T) {
	in := bytes.NewReader(frame(t, Envelope{Type: TypePing}))
	var out bytes.Buffer
	b := New(in, &out, nil)

	if err := b.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	env := unframe(t, out.Bytes())
	if env.Type != TypePong || env.Version != BridgeVersion {
		t.Errorf("expected pong with version, got %+v", env)
	}
}

func TestServe_UnknownTypeRejected(t *testing.T) {
	in := bytes.NewReader(frame(t, Envelope{Type: "mystery"}))
	var out bytes.Buffer
	b := New(in, &out, nil)

	if err := b.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	env := unframe(t, out.Bytes())
	if env.Type != TypeRejected || env.Reason != "UnknownType" {
		t.Errorf("expected rejected{UnknownType}, got %+v", env)
	}
}

func TestServe_DownloadAccepted(t *testing.T) {
	in := bytes.NewReader(frame(t, Envelope{Type: TypeDownload, URL: "https://example.com/f.zip"}))
	var out bytes.Buffer
	b := New(in, &out, func(url, filename string, size int64, referrer string) (string, bool, error) {
		if url != "https://example.com/f.zip" {
			t.Errorf("unexpected url %q", url)
		}
		return "dl-123", false, nil
	})

	if err := b.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	env := unframe(t, out.Bytes())
	if env.Type != TypeAccepted || env.ID != "dl-123" {
		t.Errorf("expected accepted with id, got %+v", env)
	}
}

func TestServe_DownloadMissingURLRejected(t *testing.T) {
	in := bytes.NewReader(frame(t, Envelope{Type: TypeDownload}))
	var out bytes.Buffer
	b := New(in, &out, func(url, filename string, size int64, referrer string) (string, bool, error) {
		t.Fatal("AddFunc should not be called for a malformed download message")
		return "", false, nil
	})

	if err := b.Serve(); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	env := unframe(t, out.Bytes())
	if env.Type != TypeRejected || env.Reason != "Malformed" {
		t.Errorf("expected rejected{Malformed}, got %+v", env)
	}
}

func TestReadFrame_RejectsOversizedMessage(t *testing.T) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], MaxMessageSize+1)
	in := bytes.NewReader(lenBuf[:])
	var out bytes.Buffer
	b := New(in, &out, nil)

	if err := b.Serve(); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}
