package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/andy6609/multiroom-chat-server/internal/transfer"
)

const flushTimeout = time.Second

type State int

const (
	StateHandshaking State = iota
	StateActive
	StateRejoining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateRejoining:
		return "rejoining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SessionConfig struct {
	OutboundBuffer int
	MaxLineLength  int
}

// Session owns one client connection and runs its protocol state machine.
type Session struct {
	id       uint32
	conn     net.Conn
	reader   *bufio.Reader
	registry *Registry
	files    *transfer.Coordinator
	logger   *slog.Logger
	maxLine  int

	out        chan string // outbound lines written by the writer goroutine
	writerDone <-chan struct{}

	mu     sync.RWMutex
	name   string
	room   *Room
	state  State
	closed bool
}

func NewSession(id uint32, conn net.Conn, registry *Registry, files *transfer.Coordinator, cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 32
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 4096
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		id:       id,
		conn:     conn,
		reader:   bufio.NewReaderSize(conn, cfg.MaxLineLength),
		registry: registry,
		files:    files,
		logger:   logger.With("session_id", id, "addr", conn.RemoteAddr().String()),
		maxLine:  cfg.MaxLineLength,
		out:      make(chan string, cfg.OutboundBuffer),
		state:    StateHandshaking,
	}
}

func (s *Session) ID() uint32 {
	return s.id
}

func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Room returns the room the session is in, or nil.
func (s *Session) Room() *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Deliver queues line for the client without blocking. It reports false when
// the buffer is full or the session is closed.
func (s *Session) Deliver(line string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- line:
		return true
	default:
		return false
	}
}

// Close breaks the connection; Run notices on its next read and cleans up.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run serves the connection until the peer disconnects or ctx is done.
func (s *Session) Run(ctx context.Context) {
	s.writerDone = StartOutboundWriter(s.conn, s.out)
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer s.shutdown()

	if err := s.handshake(); err != nil {
		return
	}

	for {
		line, err := readLine(s.reader, s.maxLine)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read failed", "error", err)
			}
			return
		}

		cmd := ParseCommand(line)
		MessagesTotal.WithLabelValues(cmd.Kind.String()).Inc()
		if err := s.dispatch(cmd); err != nil {
			s.logger.Info("session ended", "reason", err)
			return
		}
	}
}

// dispatch applies one command. A returned error ends the session.
func (s *Session) dispatch(cmd Command) error {
	switch cmd.Kind {
	case CmdEmpty:
	case CmdText:
		s.sendText(cmd.Arg)
	case CmdExit:
		if name := s.leaveRoom(); name != "" {
			s.send("OK left " + name)
		} else {
			s.send("ERR " + string(ErrNotInRoom))
		}
	case CmdRejoin:
		s.leaveRoom()
		s.setState(StateRejoining)
		return s.handshake()
	case CmdJoin:
		if !ValidName(cmd.Arg) {
			s.send("ERR " + string(ErrNameInvalid))
			return nil
		}
		s.leaveRoom()
		return s.join(cmd.Arg)
	case CmdSend:
		return s.sendFile(cmd.Arg)
	case CmdYes:
		s.acceptFile(cmd.Arg)
	case CmdNo:
		s.declineFile(cmd.Arg)
	case CmdUsers:
		s.listUsers()
	case CmdRooms:
		s.send("ROOMS: " + strings.Join(s.registry.Rooms(), ","))
	case CmdHelp:
		s.send(helpText)
	}
	return nil
}

func (s *Session) handshake() error {
	name, err := s.promptName("Enter display name:")
	if err != nil {
		return err
	}
	roomName, err := s.promptName("Enter room name:")
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.name = name
	s.mu.Unlock()

	return s.join(roomName)
}

func (s *Session) promptName(prompt string) (string, error) {
	for {
		s.send(prompt)
		line, err := readLine(s.reader, s.maxLine)
		if err != nil {
			return "", err
		}
		name := strings.TrimSpace(line)
		if ValidName(name) {
			return name, nil
		}
		s.send("ERR " + string(ErrNameInvalid))
	}
}

func (s *Session) join(roomName string) error {
	room, err := s.registry.Join(roomName, s)
	if err != nil {
		s.send("ERR " + err.Error())
		return fmt.Errorf("join %s: %w", roomName, err)
	}

	s.mu.Lock()
	s.room = room
	s.state = StateActive
	s.mu.Unlock()

	s.logger.Info("joined room", "name", s.Name(), "room", roomName)
	s.send("OK joined " + roomName)
	return nil
}

// leaveRoom removes the session from its room and drops its pending file
// offers. It returns the name of the room left, or "".
func (s *Session) leaveRoom() string {
	s.mu.Lock()
	room := s.room
	s.room = nil
	s.mu.Unlock()

	// Offers queued ahead of the removal are announced to this session, so
	// they are only forgotten once the room has processed the leave.
	defer s.files.Forget(s.id)
	if room == nil {
		return ""
	}
	if err := s.registry.Leave(room, s); err != nil {
		s.logger.Warn("leave room failed", "room", room.Name(), "error", err)
	}
	return room.Name()
}

func (s *Session) sendText(text string) {
	room := s.Room()
	if room == nil {
		s.send("ERR " + string(ErrNotInRoom))
		return
	}
	_, err := room.Enqueue(Message{
		Sender:     s.id,
		SenderName: s.Name(),
		Kind:       KindText,
		Payload:    text,
	})
	if err != nil {
		s.send("ERR " + err.Error())
	}
}

// sendFile reads the upload that follows a SEND frame, stages it and
// announces the offer to the room. Only a broken payload ends the session.
func (s *Session) sendFile(filename string) error {
	sender := s.party()

	room := s.Room()
	if room == nil {
		if err := transfer.SkipPayload(s.reader); err != nil {
			return err
		}
		s.send("ERR " + string(ErrNotInRoom))
		return nil
	}

	_, err := s.files.Receive(sender, filename, s.reader)
	if err != nil {
		observeTransfer("upload", err)
		if errors.Is(err, transfer.ErrShortPayload) {
			return err
		}
		s.send(fileStatus(err, filename))
		return nil
	}

	offer, err := s.files.Stage(sender, filename)
	observeTransfer("stage", err)
	if err != nil {
		s.logger.Warn("stage failed", "file", filename, "error", err)
		s.send(fileStatus(err, filename))
		return nil
	}

	// waiting is written by the room goroutine before Enqueue returns.
	var waiting int
	_, err = room.Enqueue(Message{
		Sender:     s.id,
		SenderName: sender.Name,
		Kind:       KindFileOffer,
		Payload:    filename,
		Size:       offer.Size,
		Announced: func(recipients []uint32) {
			waiting = s.files.Announce(offer.ID, recipients)
		},
	})
	if err != nil {
		s.files.Discard(offer.ID)
		s.send("ERR " + err.Error())
		return nil
	}
	if waiting == 0 {
		s.files.Discard(offer.ID)
	}
	s.send("OK offered " + filename)
	return nil
}

func (s *Session) acceptFile(filename string) {
	_, err := s.files.Accept(s.party(), filename)
	observeTransfer("accept", err)
	if err != nil {
		s.send(fileStatus(err, filename))
		return
	}
	s.send("OK File was saved successfully: " + filename)
}

func (s *Session) declineFile(filename string) {
	err := s.files.Decline(s.party(), filename)
	observeTransfer("decline", err)
	if err != nil {
		s.send(fileStatus(err, filename))
		return
	}
	s.send("OK declined " + filename)
}

func (s *Session) listUsers() {
	room := s.Room()
	if room == nil {
		s.send("ERR " + string(ErrNotInRoom))
		return
	}
	names, err := room.Members()
	if err != nil {
		s.send("ERR " + err.Error())
		return
	}
	s.send("USERS: " + strings.Join(names, ","))
}

func (s *Session) party() transfer.Party {
	return transfer.Party{ID: s.id, Name: s.Name()}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) send(line string) {
	if !s.Deliver(line) {
		DroppedLines.Inc()
	}
}

func (s *Session) shutdown() {
	s.leaveRoom()

	s.mu.Lock()
	s.state = StateClosed
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(flushTimeout))
	<-s.writerDone
	_ = s.conn.Close()
	s.logger.Info("session closed", "name", s.Name())
}

func fileStatus(err error, filename string) string {
	switch {
	case errors.Is(err, transfer.ErrFileNotFound):
		return "ERR file_not_found File not found or cannot be opened: " + filename
	case errors.Is(err, transfer.ErrFileUnwritable):
		return "ERR file_unwritable File cannot be created: " + filename
	case errors.Is(err, transfer.ErrInvalidFilename):
		return "ERR invalid_filename " + filename
	case errors.Is(err, transfer.ErrFileTooLarge):
		return "ERR file_too_large " + filename
	case errors.Is(err, transfer.ErrNoPendingOffer):
		return "ERR no_pending_offer " + filename
	default:
		return "ERR transfer_failed " + filename
	}
}

// readLine returns the next newline-terminated frame without its line
// ending. Frames longer than max are truncated; the excess is discarded.
func readLine(r *bufio.Reader, max int) (string, error) {
	var line []byte
	truncated := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !truncated {
			if room := max - len(line); len(chunk) > room {
				chunk = chunk[:room]
				truncated = true
			}
			line = append(line, chunk...)
			if truncated {
				line = trimPartialRune(line)
			}
		}

		switch {
		case err == nil:
			return strings.TrimRight(string(line), "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == io.EOF && len(line) > 0:
			// last line without newline
			return strings.TrimRight(string(line), "\r\n"), nil
		case err == io.EOF:
			return "", io.EOF
		default:
			return "", fmt.Errorf("read: %w", err)
		}
	}
}

// trimPartialRune drops an incomplete UTF-8 sequence left at the end of b by
// truncation.
func trimPartialRune(b []byte) []byte {
	i := len(b) - 1
	for i > 0 && len(b)-i < utf8.UTFMax && !utf8.RuneStart(b[i]) {
		i--
	}
	if i >= 0 && !utf8.FullRune(b[i:]) {
		return b[:i]
	}
	return b
}
