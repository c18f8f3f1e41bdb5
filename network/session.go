package network

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"voidlink/auth"
	"voidlink/crypto"
	"voidlink/storage"
	"voidlink/transfer"
)

// Session is one authenticated client connection. The server runs each
// session on its own goroutine; a session owns its read side exclusively,
// while writes are serialized so chat relay from other sessions can
// interleave safely with handler responses.
type Session struct {
	conn   net.Conn
	server *Server
	codec  *crypto.Codec

	clientID string
	username string
	role     string

	writeMu sync.Mutex

	// relay queues chat frames from other sessions; a dedicated goroutine
	// drains it, so a session busy streaming a download never stalls the
	// sending session's loop.
	relay chan ChatMessage
	done  chan struct{}

	// uploads tracks transfers this session started, so a dropped connection
	// does not leave partial temp files behind.
	uploads map[string]struct{}
}

// relayQueueSize bounds undelivered chat frames per session; overflow is
// dropped rather than backpressured onto the sender.
const relayQueueSize = 32

func newSession(conn net.Conn, server *Server) *Session {
	return &Session{
		conn:    conn,
		server:  server,
		relay:   make(chan ChatMessage, relayQueueSize),
		done:    make(chan struct{}),
		uploads: make(map[string]struct{}),
	}
}

// Username returns the authenticated account name, empty before auth.
func (s *Session) Username() string {
	return s.username
}

func (s *Session) run() {
	defer s.close()

	if err := s.handshake(); err != nil {
		s.server.logf("session %s: handshake failed: %v", s.conn.RemoteAddr(), err)
		return
	}
	if err := s.authenticate(); err != nil {
		s.server.logf("session %s: auth failed: %v", s.conn.RemoteAddr(), err)
		return
	}

	s.server.logf("session %s: %q connected", s.conn.RemoteAddr(), s.username)

	// Join the hub before confirming auth so the client never sees an
	// auth_ok while chat relay would still skip this session.
	s.server.hub.add(s)
	defer s.server.hub.remove(s)
	go s.relayLoop()

	if err := s.writeMessage(AuthOK{
		Type:       TypeAuthOK,
		ServerName: s.server.identity.ServerName,
		Username:   s.username,
		Role:       s.role,
		Timestamp:  time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	s.loop()
}

func (s *Session) close() {
	close(s.done)
	for id := range s.uploads {
		_ = s.server.engine.CancelTransfer(id, s.username)
	}
	_ = s.conn.Close()
	if s.username != "" {
		s.server.logf("session %s: %q disconnected", s.conn.RemoteAddr(), s.username)
	}
}

// handshake exchanges hellos in the clear and derives the session codec.
func (s *Session) handshake() error {
	payload, err := ReadFrameWithTimeout(s.conn, s.server.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("read client hello: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}
	if msgType != TypeClientHello {
		s.writePlain(makeError(CodeUnknownType, fmt.Sprintf("expected %q, got %q", TypeClientHello, msgType)))
		return ErrInvalidMessageType
	}

	var hello ClientHello
	if err := json.Unmarshal(payload, &hello); err != nil {
		return fmt.Errorf("decode client hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		s.writePlain(ErrorMessage{
			Type:              TypeError,
			Code:              CodeVersionMismatch,
			Message:           fmt.Sprintf("unsupported protocol version %d", hello.ProtocolVersion),
			SupportedVersions: []int{ProtocolVersion},
			Timestamp:         time.Now().UnixMilli(),
		})
		return ErrUnsupportedVersion
	}
	if hello.ClientID == "" {
		s.writePlain(makeError(CodeBadRequest, "client_id is required"))
		return errors.New("empty client ID")
	}

	clientPublicRaw, err := base64.StdEncoding.DecodeString(hello.X25519PublicKey)
	if err != nil {
		return fmt.Errorf("decode client ephemeral public key: %w", err)
	}
	clientPublic, err := crypto.ParseX25519PublicKey(clientPublicRaw)
	if err != nil {
		return err
	}

	ephemeralPrivate, ephemeralPublic, err := crypto.GenerateEphemeralX25519KeyPair()
	if err != nil {
		return err
	}

	response, err := BuildServerHello(s.server.identity, ephemeralPublic.Bytes())
	if err != nil {
		return err
	}
	responsePayload, err := EncodeJSON(response)
	if err != nil {
		return err
	}
	if err := WriteFrame(s.conn, responsePayload); err != nil {
		return fmt.Errorf("write server hello: %w", err)
	}

	sharedSecret, err := crypto.ComputeX25519SharedSecret(ephemeralPrivate, clientPublic)
	if err != nil {
		return err
	}
	sessionKey, err := crypto.DeriveSessionKey(sharedSecret, s.server.identity.ServerID, hello.ClientID)
	if err != nil {
		return err
	}
	codec, err := crypto.NewCodec(sessionKey)
	if err != nil {
		return err
	}

	s.clientID = hello.ClientID
	s.codec = codec
	return nil
}

// authenticate requires the first sealed frame to be a valid auth request.
func (s *Session) authenticate() error {
	payload, err := s.readMessage(s.server.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("read auth frame: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return err
	}
	if msgType != TypeAuth {
		_ = s.writeMessage(makeError(CodeAuthRequired, "authentication required"))
		return fmt.Errorf("expected %q, got %q", TypeAuth, msgType)
	}

	var req AuthRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode auth request: %w", err)
	}

	user, err := s.server.auth.Verify(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = s.writeMessage(makeError(CodeAuthFailed, "invalid credentials"))
			return err
		}
		_ = s.writeMessage(makeError(CodeInternal, "authentication unavailable"))
		return err
	}

	s.username = user.Username
	s.role = user.Role
	return nil
}

// relayLoop writes queued chat frames in arrival order. The writes contend on
// writeMu with this session's own responses and download streams, so a relay
// waits out this session's traffic but never anyone else's.
func (s *Session) relayLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.relay:
			_ = s.writeMessage(msg)
		}
	}
}

// enqueueRelay hands a chat frame to this session without blocking the
// caller. A session that cannot keep up loses relay frames.
func (s *Session) enqueueRelay(msg ChatMessage) {
	select {
	case s.relay <- msg:
	default:
	}
}

func (s *Session) loop() {
	for {
		payload, err := s.readMessage(s.server.frameReadTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.server.logf("session %s: read: %v", s.conn.RemoteAddr(), err)
			}
			return
		}

		if err := s.dispatch(payload); err != nil {
			s.server.logf("session %s: %v", s.conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *Session) dispatch(payload []byte) error {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return s.writeMessage(makeError(CodeBadRequest, err.Error()))
	}

	switch msgType {
	case TypeMessage:
		return s.handleChatMessage(payload)
	case TypeUploadStart:
		return s.handleUploadStart(payload)
	case TypeUploadChunk:
		return s.handleUploadChunk(payload)
	case TypeUploadComplete:
		return s.handleUploadComplete(payload)
	case TypeCancelTransfer:
		return s.handleCancelTransfer(payload)
	case TypeDownloadStart:
		return s.handleDownloadStart(payload)
	case TypeListFiles:
		return s.handleListFiles()
	case TypeDeleteFile:
		return s.handleDeleteFile(payload)
	default:
		return s.writeMessage(makeError(CodeUnknownType, fmt.Sprintf("unknown message type %q", msgType)))
	}
}

func (s *Session) handleChatMessage(payload []byte) error {
	var msg ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return s.writeMessage(makeError(CodeBadRequest, "malformed chat message"))
	}

	// The sender field is always the authenticated account, never
	// client-supplied.
	msg.Sender = s.username
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	s.server.hub.broadcast(s, msg)
	return nil
}

func (s *Session) handleUploadStart(payload []byte) error {
	var req UploadStart
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.writeMessage(makeError(CodeBadRequest, "malformed upload_start"))
	}

	transferID, err := s.server.engine.StartUpload(req.Filename, req.TotalSize, s.username)
	if err != nil {
		return s.writeMessage(makeError(CodeBadRequest, err.Error()))
	}
	s.uploads[transferID] = struct{}{}

	return s.writeMessage(UploadReady{
		Type:       TypeUploadReady,
		TransferID: transferID,
		Filename:   req.Filename,
		ChunkSize:  transfer.ChunkSize,
	})
}

func (s *Session) handleUploadChunk(payload []byte) error {
	var req UploadChunk
	if err := json.Unmarshal(payload, &req); err != nil {
		// The chunk payload follows the control frame unconditionally; it
		// must be drained even when the header is garbage or the stream
		// desynchronizes.
		_, _ = s.readChunkPayload()
		return s.writeMessage(makeError(CodeBadRequest, "malformed upload_chunk"))
	}

	data, err := s.readChunkPayload()
	if err != nil {
		return fmt.Errorf("read chunk payload: %w", err)
	}

	progress, err := s.server.engine.HandleChunk(req.TransferID, s.username, req.ChunkIndex, data, req.ChunkHash)
	if err != nil {
		return s.writeChunkError(req, err)
	}

	return s.writeMessage(ChunkAck{
		Type:         TypeChunkAck,
		TransferID:   req.TransferID,
		ChunkIndex:   req.ChunkIndex,
		ReceivedSize: progress.ReceivedSize,
		Progress:     progress.Percent,
	})
}

func (s *Session) writeChunkError(req UploadChunk, err error) error {
	switch {
	case errors.Is(err, transfer.ErrTransferNotFound):
		return s.writeMessage(makeError(CodeTransferNotFound, err.Error()))
	case errors.Is(err, transfer.ErrNotOwner):
		return s.writeMessage(makeError(CodeNotPermitted, err.Error()))
	}

	retryable := transfer.IsRetryable(err)
	if !retryable {
		delete(s.uploads, req.TransferID)
	}
	return s.writeMessage(ChunkFailed{
		Type:       TypeChunkFailed,
		TransferID: req.TransferID,
		ChunkIndex: req.ChunkIndex,
		Error:      err.Error(),
		Retryable:  retryable,
	})
}

func (s *Session) handleUploadComplete(payload []byte) error {
	var req UploadCompleteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.writeMessage(makeError(CodeBadRequest, "malformed upload_complete"))
	}

	delete(s.uploads, req.TransferID)

	meta, err := s.server.engine.CompleteUpload(req.TransferID, s.username)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrTransferNotFound):
			return s.writeMessage(makeError(CodeTransferNotFound, err.Error()))
		case errors.Is(err, transfer.ErrNotOwner):
			return s.writeMessage(makeError(CodeNotPermitted, err.Error()))
		}
		return s.writeMessage(UploadFailed{
			Type:       TypeUploadFailed,
			TransferID: req.TransferID,
			Error:      err.Error(),
		})
	}

	return s.writeMessage(UploadCompleteResponse{
		Type:       TypeUploadComplete,
		TransferID: req.TransferID,
		Filename:   meta.Filename,
		Size:       meta.Filesize,
		Hash:       meta.Checksum,
		IsSafe:     meta.IsSafe,
	})
}

func (s *Session) handleCancelTransfer(payload []byte) error {
	var req CancelTransfer
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.writeMessage(makeError(CodeBadRequest, "malformed cancel_transfer"))
	}

	delete(s.uploads, req.TransferID)

	if err := s.server.engine.CancelTransfer(req.TransferID, s.username); err != nil {
		switch {
		case errors.Is(err, transfer.ErrTransferNotFound):
			return s.writeMessage(makeError(CodeTransferNotFound, err.Error()))
		case errors.Is(err, transfer.ErrNotOwner):
			return s.writeMessage(makeError(CodeNotPermitted, err.Error()))
		}
		return s.writeMessage(makeError(CodeInternal, err.Error()))
	}

	return s.writeMessage(CancelAck{
		Type:       TypeCancelAck,
		TransferID: req.TransferID,
	})
}

func (s *Session) handleDownloadStart(payload []byte) error {
	var req DownloadStart
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.writeMessage(makeError(CodeBadRequest, "malformed download_start"))
	}

	info, err := s.server.engine.StartDownload(req.Filename, req.StartPosition)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrFileNotFound):
			return s.writeMessage(makeError(CodeFileNotFound, err.Error()))
		case errors.Is(err, transfer.ErrFileUnavailable):
			return s.writeMessage(makeError(CodeFileUnavailable, err.Error()))
		}
		return s.writeMessage(makeError(CodeBadRequest, err.Error()))
	}

	return s.streamDownload(info)
}

// streamDownload pushes the whole chunk stream under one write lock so chat
// relay frames cannot interleave between a file_chunk header and its payload.
func (s *Session) streamDownload(info *transfer.DownloadInfo) error {
	defer s.server.engine.CloseDownload(info.TransferID)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ready := DownloadReady{
		Type:          TypeDownloadReady,
		TransferID:    info.TransferID,
		Filename:      info.Filename,
		TotalSize:     info.TotalSize,
		ChunkSize:     info.ChunkSize,
		StartPosition: info.StartPosition,
	}
	if err := s.writeMessageLocked(ready); err != nil {
		return err
	}

	for index := int(info.StartPosition) / info.ChunkSize; ; index++ {
		data, chunkHash, err := s.server.engine.SendChunk(info.TransferID, index)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("send chunk %d of %s: %w", index, info.TransferID, err)
		}

		header := FileChunk{
			Type:       TypeFileChunk,
			TransferID: info.TransferID,
			ChunkIndex: index,
			ChunkSize:  len(data),
			ChunkHash:  chunkHash,
		}
		if err := s.writeMessageLocked(header); err != nil {
			return err
		}

		sealed, err := s.codec.Seal(data)
		if err != nil {
			return err
		}
		if err := WriteChunkPayload(s.conn, sealed); err != nil {
			return err
		}
	}

	// Zero-length sentinel closes the stream.
	sentinel := FileChunk{
		Type:       TypeFileChunk,
		TransferID: info.TransferID,
	}
	if err := s.writeMessageLocked(sentinel); err != nil {
		return err
	}
	return WriteChunkPayload(s.conn, nil)
}

func (s *Session) handleListFiles() error {
	records, err := s.server.store.ListFiles()
	if err != nil {
		return s.writeMessage(makeError(CodeInternal, "file catalog unavailable"))
	}

	files := make([]FileInfo, 0, len(records))
	for _, rec := range records {
		if rec.Quarantined {
			continue
		}
		files = append(files, FileInfo{
			Filename:   rec.Filename,
			Size:       rec.Filesize,
			Checksum:   rec.Checksum,
			UploadedBy: rec.UploadedBy,
			UploadedAt: rec.UploadedAt,
			MIMEType:   rec.MIMEType,
			IsSafe:     rec.IsSafe,
		})
	}

	return s.writeMessage(FileList{
		Type:  TypeFileList,
		Files: files,
	})
}

func (s *Session) handleDeleteFile(payload []byte) error {
	var req DeleteFileRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return s.writeMessage(makeError(CodeBadRequest, "malformed delete_file"))
	}

	meta, err := s.server.store.GetFileByName(req.Filename)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return s.writeMessage(makeError(CodeFileNotFound, fmt.Sprintf("file %q not found", req.Filename)))
		}
		return s.writeMessage(makeError(CodeInternal, err.Error()))
	}

	// Uploaders may delete their own files; everything else is admin-only.
	if s.role != storage.RoleAdmin && meta.UploadedBy != s.username {
		return s.writeMessage(makeError(CodeNotPermitted, "only the uploader or an admin may delete a file"))
	}

	if err := s.server.engine.DeleteFile(req.Filename); err != nil {
		if errors.Is(err, transfer.ErrFileNotFound) {
			return s.writeMessage(makeError(CodeFileNotFound, err.Error()))
		}
		return s.writeMessage(makeError(CodeInternal, err.Error()))
	}

	return s.writeMessage(DeleteAck{
		Type:     TypeDeleteAck,
		Filename: req.Filename,
	})
}

// readMessage reads and opens one sealed control frame.
func (s *Session) readMessage(timeout time.Duration) ([]byte, error) {
	sealed, err := ReadFrameWithTimeout(s.conn, timeout)
	if err != nil {
		return nil, err
	}
	return s.codec.Open(sealed)
}

// readChunkPayload reads and opens one sealed chunk payload.
func (s *Session) readChunkPayload() ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.server.frameReadTimeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	defer func() {
		_ = s.conn.SetReadDeadline(time.Time{})
	}()

	sealed, err := ReadChunkPayload(s.conn)
	if err != nil {
		return nil, err
	}
	if len(sealed) == 0 {
		return []byte{}, nil
	}
	return s.codec.Open(sealed)
}

// writeMessage seals and writes one control frame.
func (s *Session) writeMessage(msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.writeMessageLocked(msg)
}

// writeMessageLocked is writeMessage for callers already holding writeMu.
func (s *Session) writeMessageLocked(msg any) error {
	payload, err := EncodeJSON(msg)
	if err != nil {
		return err
	}
	sealed, err := s.codec.Seal(payload)
	if err != nil {
		return err
	}
	return WriteFrame(s.conn, sealed)
}

// writePlain writes an unsealed frame, only valid before the codec exists.
func (s *Session) writePlain(msg any) {
	payload, err := EncodeJSON(msg)
	if err != nil {
		return
	}
	_ = WriteFrame(s.conn, payload)
}

func makeError(code, message string) ErrorMessage {
	return ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
}
