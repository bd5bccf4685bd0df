package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/robot-control/rbc/internal/metrics"
)

const readBufferSize = 4096

// Handler receives decoded feedback messages. It is called from the
// connection goroutine, one message at a time per connection.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) { f(ctx, msg) }

// Server accepts the connections the companion program opens back to the
// bridge and feeds every connection through its own Framer.
type Server struct {
	addr    string
	handler Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	listener    net.Listener
	connections map[net.Conn]struct{}
	wg          sync.WaitGroup
	stopChan    chan struct{}
}

// NewServer creates a feedback server.
func NewServer(addr string, handler Handler, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		addr:        addr,
		handler:     handler,
		logger:      logger,
		metrics:     m,
		connections: make(map[net.Conn]struct{}),
		stopChan:    make(chan struct{}),
	}
}

// Listen binds the listener. It is separate from Serve so callers know the
// port is open before the controller is told to connect.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("feedback server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Close is called or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return fmt.Errorf("feedback server not listening")
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.stopChan:
		}
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("feedback accept failed", "error", err)
			continue
		}

		s.mu.Lock()
		s.connections[conn] = struct{}{}
		s.mu.Unlock()

		s.logger.Info("controller feedback connection opened", "remote", conn.RemoteAddr().String())

		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// Close stops accepting, closes open connections and waits for readers.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.stopChan:
		s.mu.Unlock()
		return nil
	default:
		close(s.stopChan)
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.connections, conn)
		s.mu.Unlock()
		s.logger.Info("controller feedback connection closed", "remote", conn.RemoteAddr().String())
	}()

	framer := NewFramer(s.logger)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, mangled := framer.Feed(buf[:n])
			s.dispatch(ctx, frames, mangled)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, frames [][]byte, mangled []Mangled) {
	next := 0
	for i := 0; i <= len(frames); i++ {
		for next < len(mangled) && mangled[next].Position == i {
			s.dispatchMangled(ctx, mangled[next])
			next++
		}
		if i == len(frames) {
			break
		}

		msg, err := Decode(frames[i])
		if err != nil {
			s.logger.Warn("dropping undecodable feedback frame", "error", err)
			s.metrics.Frame("invalid")
			continue
		}
		s.metrics.Frame("decoded")
		s.handler.HandleMessage(ctx, msg)
	}
}

func (s *Server) dispatchMangled(ctx context.Context, m Mangled) {
	msg, ok := m.Recover()
	if !ok {
		s.metrics.Frame("mangled")
		return
	}
	s.logger.Info("recovered mangled feedback message", "type", m.Type, "id", m.ID)
	s.metrics.Frame("recovered")
	s.handler.HandleMessage(ctx, msg)
}
