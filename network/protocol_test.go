package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"

	"voidlink/crypto"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := []byte(`{"type":"auth","username":"alice"}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	read, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(payload, read) {
		t.Fatalf("frame payload mismatch: got %q want %q", read, payload)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteFrame(&buf, make([]byte, MaxFrameSize+1)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xff, 0xff, 0xff, 0xff})

	if _, err := ReadFrame(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestChunkPayloadRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	payload := bytes.Repeat([]byte{0xab}, 4096)
	if err := WriteChunkPayload(&buf, payload); err != nil {
		t.Fatalf("WriteChunkPayload failed: %v", err)
	}

	read, err := ReadChunkPayload(&buf)
	if err != nil {
		t.Fatalf("ReadChunkPayload failed: %v", err)
	}
	if !bytes.Equal(payload, read) {
		t.Fatalf("chunk payload mismatch")
	}
}

func TestChunkPayloadSentinel(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteChunkPayload(&buf, nil); err != nil {
		t.Fatalf("WriteChunkPayload sentinel failed: %v", err)
	}
	if buf.Len() != 8 {
		t.Fatalf("expected bare 8-byte header, got %d bytes", buf.Len())
	}

	read, err := ReadChunkPayload(&buf)
	if err != nil {
		t.Fatalf("ReadChunkPayload sentinel failed: %v", err)
	}
	if len(read) != 0 {
		t.Fatalf("expected empty sentinel payload, got %d bytes", len(read))
	}
}

func TestChunkPayloadRejectsOversized(t *testing.T) {
	var buf bytes.Buffer

	if err := WriteChunkPayload(&buf, make([]byte, MaxChunkPayloadSize+1)); !errors.Is(err, ErrChunkPayloadTooLarge) {
		t.Fatalf("expected ErrChunkPayloadTooLarge, got %v", err)
	}
}

func TestDecodeMessageType(t *testing.T) {
	msgType, err := DecodeMessageType([]byte(`{"type":"upload_start","filename":"a.txt"}`))
	if err != nil {
		t.Fatalf("DecodeMessageType failed: %v", err)
	}
	if msgType != TypeUploadStart {
		t.Fatalf("expected %q, got %q", TypeUploadStart, msgType)
	}

	if _, err := DecodeMessageType([]byte(`{}`)); !errors.Is(err, ErrInvalidMessageType) {
		t.Fatalf("expected ErrInvalidMessageType, got %v", err)
	}
}

func testServerIdentity(t *testing.T) ServerIdentity {
	t.Helper()

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate Ed25519 keypair: %v", err)
	}
	return ServerIdentity{
		ServerID:   "test-server",
		ServerName: "Test Server",
		Keys:       &crypto.Identity{PrivateKey: privateKey, PublicKey: publicKey},
	}
}

func TestServerHelloSignatureVerifies(t *testing.T) {
	identity := testServerIdentity(t)

	hello, err := BuildServerHello(identity, make([]byte, 32))
	if err != nil {
		t.Fatalf("BuildServerHello failed: %v", err)
	}

	publicKey, err := VerifyServerHello(hello)
	if err != nil {
		t.Fatalf("VerifyServerHello failed: %v", err)
	}
	if !publicKey.Equal(identity.Keys.PublicKey) {
		t.Fatalf("verified public key does not match identity")
	}
}

func TestServerHelloTamperingRejected(t *testing.T) {
	identity := testServerIdentity(t)

	hello, err := BuildServerHello(identity, make([]byte, 32))
	if err != nil {
		t.Fatalf("BuildServerHello failed: %v", err)
	}
	hello.ServerName = "Impostor"

	if _, err := VerifyServerHello(hello); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestServerHelloVersionMismatchRejected(t *testing.T) {
	identity := testServerIdentity(t)

	hello, err := BuildServerHello(identity, make([]byte, 32))
	if err != nil {
		t.Fatalf("BuildServerHello failed: %v", err)
	}
	hello.ProtocolVersion = 99

	if _, err := VerifyServerHello(hello); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}
