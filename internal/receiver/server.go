package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/busybox42/maildispatch/internal/logging"
	"github.com/busybox42/maildispatch/internal/queue"
)

// Config configures the command receiver
type Config struct {
	ListenAddr      string
	MaxLength       int
	MaxPriority     int
	ShutdownTimeout time.Duration
}

// Server accepts length prefixed JSON commands over TCP
type Server struct {
	config   Config
	handler  *handler
	logger   *slog.Logger
	observer CommandObserver

	listener net.Listener
	running  atomic.Bool
	active   atomic.Int32

	connMu sync.Mutex
	conns  map[string]net.Conn

	ctx          context.Context
	cancel       context.CancelFunc
	errGroup     *errgroup.Group
	shutdownOnce sync.Once
}

// NewServer creates a receiver for store
func NewServer(store *queue.Store, config Config, logger *slog.Logger) *Server {
	if config.MaxLength <= 0 {
		config.MaxLength = DefaultMaxLength
	}
	if config.MaxPriority <= 0 {
		config.MaxPriority = queue.DefaultOptions().MaxPriority
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "receiver")

	return &Server{
		config: config,
		handler: &handler{
			store:       store,
			maxPriority: config.MaxPriority,
			logger:      logger,
			msgLogger:   logging.NewMessageLogger(logger),
			now:         time.Now,
		},
		logger: logger,
		conns:  make(map[string]net.Conn),
	}
}

// SetObserver registers a command observer. It must be called before Start.
func (s *Server) SetObserver(o CommandObserver) {
	s.observer = o
}

// Start opens the listener and begins accepting connections
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("receiver already running")
	}

	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on an existing listener
func (s *Server) Serve(ln net.Listener) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("receiver already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ctx = ctx
	s.cancel = cancel
	s.errGroup, _ = errgroup.WithContext(ctx)
	s.listener = ln

	s.logger.Info("Receiver listening", "addr", ln.Addr().String())
	s.errGroup.Go(s.acceptConnections)
	return nil
}

// Addr returns the listening address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Active returns the number of commands being processed
func (s *Server) Active() int {
	return int(s.active.Load())
}

func (s *Server) acceptConnections() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("Failed to accept connection", "error", err)
			return err
		}

		id := uuid.New().String()
		s.connMu.Lock()
		s.conns[id] = conn
		s.connMu.Unlock()

		s.errGroup.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("panic in connection handler", "conn_id", id, "panic", r)
				}
				s.connMu.Lock()
				delete(s.conns, id)
				s.connMu.Unlock()
				conn.Close()
			}()
			s.handleConnection(id, conn)
			return nil
		})
	}
}

func (s *Server) handleConnection(id string, conn net.Conn) {
	logger := s.logger.With("conn_id", id, "remote_addr", conn.RemoteAddr().String())
	logger.Debug("Connection opened")

	seq := 0
	for {
		data, err := ReadFrame(conn, s.config.MaxLength)
		if err != nil {
			switch {
			case errors.Is(err, ErrFrameTooLarge):
				logger.Warn("Dropping connection", "error", err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				logger.Debug("Connection closed")
			default:
				if s.running.Load() {
					logger.Debug("Read failed", "error", err)
				}
			}
			return
		}
		seq++

		s.active.Add(1)
		resp := s.handleFrame(data, seq)
		err = WriteFrame(conn, resp, 0)
		s.active.Add(-1)
		if err != nil {
			logger.Debug("Write failed", "error", err)
			return
		}
	}
}

func (s *Server) handleFrame(data []byte, seq int) (resp *Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in command handler", "panic", r)
			resp = &Response{ID: requestID(nil, seq), Error: "Internal error"}
		}
	}()

	resp = s.handler.handle(s.ctx, data, seq)
	if s.observer != nil {
		var req struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(data, &req)
		s.observer.CommandHandled(req.Command, resp.Error == "")
	}
	return resp
}

// Close stops accepting connections, waits for commands in progress and
// closes the remaining connections
func (s *Server) Close() error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if !s.running.Load() {
			return
		}
		s.logger.Info("Stopping receiver")
		s.running.Store(false)

		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			shutdownErr = err
		}

		deadline := time.Now().Add(s.config.ShutdownTimeout)
		for s.active.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}

		s.cancel()
		s.connMu.Lock()
		for _, conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		done := make(chan error, 1)
		go func() {
			done <- s.errGroup.Wait()
		}()
		select {
		case err := <-done:
			if err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		case <-time.After(s.config.ShutdownTimeout):
			if shutdownErr == nil {
				shutdownErr = fmt.Errorf("shutdown timeout")
			}
		}
		s.logger.Info("Receiver stopped")
	})

	return shutdownErr
}
