package network

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"voidlink/crypto"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted control frame payload size (1 MB).
	MaxFrameSize = 1 * 1024 * 1024
	// MaxChunkPayloadSize bounds one chunk payload on the wire. Sealed chunks
	// carry a nonce and GCM tag on top of the plaintext chunk.
	MaxChunkPayloadSize = 64 * 1024
	// DefaultHandshakeTimeout bounds the hello exchange and the auth frame.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultFrameReadTimeout bounds each frame read on an idle session.
	DefaultFrameReadTimeout = 5 * time.Minute
)

const (
	TypeClientHello = "client_hello"
	TypeServerHello = "server_hello"

	TypeAuth   = "auth"
	TypeAuthOK = "auth_ok"

	TypeMessage = "message"

	TypeUploadStart    = "upload_start"
	TypeUploadReady    = "upload_ready"
	TypeUploadChunk    = "upload_chunk"
	TypeChunkAck       = "chunk_ack"
	TypeChunkFailed    = "chunk_failed"
	TypeUploadComplete = "upload_complete"
	TypeUploadFailed   = "upload_failed"
	TypeCancelTransfer = "cancel_transfer"
	TypeCancelAck      = "cancel_ack"

	TypeDownloadStart = "download_start"
	TypeDownloadReady = "download_ready"
	TypeFileChunk     = "file_chunk"

	TypeListFiles = "list_files"
	TypeFileList  = "file_list"

	TypeDeleteFile = "delete_file"
	TypeDeleteAck  = "delete_ack"

	TypeError = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeAuthFailed       = "auth_failed"
	CodeAuthRequired     = "auth_required"
	CodeNotPermitted     = "not_permitted"
	CodeUnknownType      = "unknown_type"
	CodeBadRequest       = "bad_request"
	CodeFileNotFound     = "file_not_found"
	CodeFileUnavailable  = "file_unavailable"
	CodeTransferNotFound = "transfer_not_found"
	CodeVersionMismatch  = "version_mismatch"
	CodeInternal         = "internal_error"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrChunkPayloadTooLarge indicates a chunk payload exceeds MaxChunkPayloadSize.
	ErrChunkPayloadTooLarge = errors.New("network: chunk payload exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// ClientHello opens a connection: the client's identifier and its ephemeral
// X25519 public key, sent in the clear before the session is sealed.
type ClientHello struct {
	Type            string `json:"type"`
	ClientID        string `json:"client_id"`
	X25519PublicKey string `json:"x25519_public_key"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// ServerHello answers a ClientHello. It carries the server's ephemeral X25519
// public key and is signed with the server's long-lived Ed25519 identity key
// so clients can pin the server across restarts.
type ServerHello struct {
	Type             string `json:"type"`
	ServerID         string `json:"server_id"`
	ServerName       string `json:"server_name"`
	X25519PublicKey  string `json:"x25519_public_key"`
	Ed25519PublicKey string `json:"ed25519_public_key"`
	ProtocolVersion  int    `json:"protocol_version"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
}

// AuthRequest is the first sealed frame on every session.
type AuthRequest struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthOK confirms credentials and names the server.
type AuthOK struct {
	Type       string `json:"type"`
	ServerName string `json:"server_name"`
	Username   string `json:"username"`
	Role       string `json:"role"`
	Timestamp  int64  `json:"timestamp"`
}

// ChatMessage is relayed verbatim to all other authenticated sessions.
type ChatMessage struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// UploadStart announces an upload.
type UploadStart struct {
	Type      string `json:"type"`
	Filename  string `json:"filename"`
	TotalSize int64  `json:"total_size"`
}

// UploadReady acknowledges an UploadStart with the assigned transfer.
type UploadReady struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Filename   string `json:"filename"`
	ChunkSize  int    `json:"chunk_size"`
}

// UploadChunk precedes one chunk payload on the wire.
type UploadChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkHash  string `json:"chunk_hash"`
}

// ChunkAck confirms one accepted chunk.
type ChunkAck struct {
	Type         string  `json:"type"`
	TransferID   string  `json:"transfer_id"`
	ChunkIndex   int     `json:"chunk_index"`
	ReceivedSize int64   `json:"received_size"`
	Progress     float64 `json:"progress"`
}

// ChunkFailed reports a rejected chunk. Retryable is false once the chunk
// has exhausted its retries and the transfer is dead.
type ChunkFailed struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Error      string `json:"error"`
	Retryable  bool   `json:"retryable"`
}

// UploadCompleteRequest asks the server to finalize a transfer.
type UploadCompleteRequest struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// UploadCompleteResponse reports a finalized upload.
type UploadCompleteResponse struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Hash       string `json:"hash"`
	IsSafe     bool   `json:"is_safe"`
}

// UploadFailed reports a finalization failure.
type UploadFailed struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Error      string `json:"error"`
}

// CancelTransfer aborts an in-flight upload.
type CancelTransfer struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// CancelAck confirms a cancellation.
type CancelAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
}

// DownloadStart requests a stored file, optionally resuming mid-file.
type DownloadStart struct {
	Type          string `json:"type"`
	Filename      string `json:"filename"`
	StartPosition int64  `json:"start_position"`
}

// DownloadReady announces the download stream that follows.
type DownloadReady struct {
	Type          string `json:"type"`
	TransferID    string `json:"transfer_id"`
	Filename      string `json:"filename"`
	TotalSize     int64  `json:"total_size"`
	ChunkSize     int    `json:"chunk_size"`
	StartPosition int64  `json:"start_position"`
}

// FileChunk precedes one download chunk payload. The stream ends with a
// zero-length sentinel payload after the last chunk.
type FileChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkSize  int    `json:"chunk_size"`
	ChunkHash  string `json:"chunk_hash"`
}

// ListFilesRequest asks for the stored file catalog.
type ListFilesRequest struct {
	Type string `json:"type"`
}

// FileInfo is one catalog entry in a FileList.
type FileInfo struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	Checksum   string `json:"checksum"`
	UploadedBy string `json:"uploaded_by"`
	UploadedAt int64  `json:"uploaded_at"`
	MIMEType   string `json:"mime_type"`
	IsSafe     bool   `json:"is_safe"`
}

// FileList is the catalog response.
type FileList struct {
	Type  string     `json:"type"`
	Files []FileInfo `json:"files"`
}

// DeleteFileRequest removes a stored file and its record.
type DeleteFileRequest struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// DeleteAck confirms a deletion.
type DeleteAck struct {
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// ErrorMessage reports protocol errors.
type ErrorMessage struct {
	Type              string `json:"type"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	SupportedVersions []int  `json:"supported_versions,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one 4-byte length-prefixed control frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one 4-byte length-prefixed control frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteChunkPayload writes one 8-byte length-prefixed chunk payload. A
// zero-length payload is the end-of-stream sentinel on downloads.
func WriteChunkPayload(w io.Writer, payload []byte) error {
	if len(payload) > MaxChunkPayloadSize {
		return ErrChunkPayloadTooLarge
	}

	header := make([]byte, 8)
	binary.BigEndian.PutUint64(header, uint64(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write chunk length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write chunk payload: %w", err)
	}

	return nil
}

// ReadChunkPayload reads one 8-byte length-prefixed chunk payload.
func ReadChunkPayload(r io.Reader) ([]byte, error) {
	header := make([]byte, 8)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read chunk length: %w", err)
	}

	length := binary.BigEndian.Uint64(header)
	if length > MaxChunkPayloadSize {
		return nil, ErrChunkPayloadTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read chunk payload: %w", err)
	}

	return payload, nil
}

// ServerIdentity holds the values a server needs to sign its hello.
type ServerIdentity struct {
	ServerID   string
	ServerName string
	Keys       *crypto.Identity
}

func (id ServerIdentity) validate() error {
	if id.ServerID == "" {
		return errors.New("server ID is required")
	}
	if id.Keys == nil || len(id.Keys.PrivateKey) != ed25519.PrivateKeySize {
		return errors.New("server identity key is required")
	}
	return nil
}

// BuildServerHello builds and signs the server's half of the handshake.
func BuildServerHello(identity ServerIdentity, ephemeralPublicKey []byte) (ServerHello, error) {
	if err := identity.validate(); err != nil {
		return ServerHello{}, err
	}

	msg := ServerHello{
		Type:             TypeServerHello,
		ServerID:         identity.ServerID,
		ServerName:       identity.ServerName,
		X25519PublicKey:  base64.StdEncoding.EncodeToString(ephemeralPublicKey),
		Ed25519PublicKey: base64.StdEncoding.EncodeToString(identity.Keys.PublicKey),
		ProtocolVersion:  ProtocolVersion,
		Timestamp:        time.Now().UnixMilli(),
	}

	signable, err := serverHelloSignable(msg)
	if err != nil {
		return ServerHello{}, err
	}
	signature, err := identity.Keys.Sign(signable)
	if err != nil {
		return ServerHello{}, fmt.Errorf("sign server hello: %w", err)
	}
	msg.Signature = base64.StdEncoding.EncodeToString(signature)

	return msg, nil
}

// VerifyServerHello checks the hello's version and Ed25519 signature and
// returns the server's identity public key.
func VerifyServerHello(msg ServerHello) (ed25519.PublicKey, error) {
	if msg.ProtocolVersion != ProtocolVersion {
		return nil, ErrUnsupportedVersion
	}

	publicKeyBytes, err := base64.StdEncoding.DecodeString(msg.Ed25519PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode Ed25519 public key: %w", err)
	}
	if len(publicKeyBytes) != ed25519.PublicKeySize {
		return nil, errors.New("invalid Ed25519 public key length")
	}
	publicKey := ed25519.PublicKey(publicKeyBytes)

	signatureBytes, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil {
		return nil, fmt.Errorf("decode server hello signature: %w", err)
	}

	signable, err := serverHelloSignable(msg)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(publicKey, signable, signatureBytes) {
		return nil, ErrInvalidSignature
	}

	return publicKey, nil
}

func serverHelloSignable(msg ServerHello) ([]byte, error) {
	msg.Signature = ""
	signable, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal server hello signable payload: %w", err)
	}
	return signable, nil
}
