package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"ouro/pkg/protocol"
)

// maxLineBytes bounds one JSON line from a worker. Photos travel base64
// encoded, so the limit is generous.
const maxLineBytes = 16 << 20

// writeTimeout bounds a single write to a worker.
const writeTimeout = 5 * time.Second

// Server is the Unix-socket transport between the supervisor and its
// workers. Inbound messages are pushed onto the event queue; outbound
// messages go to the connection registered by the worker's HELLO.
type Server struct {
	socketPath string
	events     *EventQueue
	log        *slog.Logger

	mu       sync.Mutex
	conns    map[string]*workerConn
	listener net.Listener
}

type workerConn struct {
	conn net.Conn
	mu   sync.Mutex // serializes writes
}

// NewServer creates a Server. Call Listen then Serve.
func NewServer(socketPath string, events *EventQueue, log *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		events:     events,
		log:        log.With("component", "server"),
		conns:      make(map[string]*workerConn),
	}
}

// Listen binds the socket. A stale socket file left by a crashed supervisor
// is removed; a live one is an error.
func (s *Server) Listen() error {
	if err := cleanStaleSocket(s.socketPath); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.socketPath) //nolint:noctx // UDS bind is instant
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts worker connections until ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server: Serve called before Listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				_ = os.Remove(s.socketPath)
				return nil
			}
			s.log.Warn("accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads line-delimited JSON messages from a worker connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	var workerID string

	defer func() {
		_ = conn.Close()
		if workerID != "" {
			s.unregister(workerID, conn)
		}
	}()

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.log.Warn("dropping undecodable message", "worker_id", workerID, "err", err)
			continue
		}

		// The first message that names a worker binds this connection to it.
		if workerID == "" {
			if id := msg.WorkerID(); id != "" {
				workerID = id
				s.register(workerID, conn)
			}
		}

		if !s.events.Push(ctx, msg) {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.log.Warn("worker connection read failed", "worker_id", workerID, "err", err)
	}
}

// register binds workerID to conn, replacing any previous connection.
func (s *Server) register(workerID string, conn net.Conn) {
	s.mu.Lock()
	old, exists := s.conns[workerID]
	s.conns[workerID] = &workerConn{conn: conn}
	s.mu.Unlock()
	if exists && old.conn != conn {
		_ = old.conn.Close()
	}
}

// unregister removes workerID only if it is still bound to conn.
func (s *Server) unregister(workerID string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wc, ok := s.conns[workerID]; ok && wc.conn == conn {
		delete(s.conns, workerID)
	}
}

// Send writes msg to the worker as one JSON line.
func (s *Server) Send(workerID string, msg protocol.Message) error {
	s.mu.Lock()
	wc, ok := s.conns[workerID]
	s.mu.Unlock()
	if !ok {
		return &protocol.WorkerUnreachableError{WorkerID: workerID, TaskID: msg.TaskID(), Reason: "not connected"}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')

	wc.mu.Lock()
	defer wc.mu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := wc.conn.Write(data); err != nil {
		return &protocol.WorkerUnreachableError{WorkerID: workerID, TaskID: msg.TaskID(), Reason: err.Error()}
	}
	return nil
}

// Connected reports whether workerID has a live connection.
func (s *Server) Connected(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[workerID]
	return ok
}

// Disconnect closes and forgets the connection for workerID.
func (s *Server) Disconnect(workerID string) {
	s.mu.Lock()
	wc, ok := s.conns[workerID]
	delete(s.conns, workerID)
	s.mu.Unlock()
	if ok {
		_ = wc.conn.Close()
	}
}

// ConnectedWorkers returns the number of currently connected workers.
func (s *Server) ConnectedWorkers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*workerConn)
	s.mu.Unlock()
	for _, wc := range conns {
		_ = wc.conn.Close()
	}
}

// cleanStaleSocket removes a socket file nobody is listening on. If another
// process answers, it returns an error so the caller does not clobber it.
func cleanStaleSocket(socketPath string) error {
	_, err := os.Stat(socketPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", socketPath, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	dialer := net.Dialer{}
	conn, dialErr := dialer.DialContext(ctx, "unix", socketPath)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("another supervisor is already running on %s", socketPath)
	}

	if err := os.Remove(socketPath); err != nil {
		return fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	return nil
}
