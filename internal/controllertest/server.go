// Package controllertest provides in-process fakes of the controller's
// TCP ports for tests: a generic line server and a Robot that models the
// interpreter, secondary and dashboard ports around shared safety state.
package controllertest

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// LineFunc returns the reply for one received line. ok=false sends nothing.
type LineFunc func(line string) (reply string, ok bool)

// Server is a line-oriented TCP fake. Every accepted connection is served
// independently; received lines are recorded in order.
type Server struct {
	listener net.Listener
	banner   string
	respond  LineFunc

	mu    sync.Mutex
	lines []string
	conns map[net.Conn]struct{}
	dials int

	wg sync.WaitGroup
}

// NewServer starts a server on a loopback port. It is closed on cleanup.
func NewServer(t testing.TB, banner string, respond LineFunc) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{
		listener: listener,
		banner:   banner,
		respond:  respond,
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Host returns the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port returns the listening port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Lines returns every line received so far.
func (s *Server) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// Dials returns the number of accepted connections.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Count returns how many received lines contain substr.
func (s *Server) Count(substr string) int {
	n := 0
	for _, line := range s.Lines() {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

// WaitFor polls until a received line contains substr.
func (s *Server) WaitFor(substr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Count(substr) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// DropConnections closes every open connection; the listener stays up.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

// Close stops the server.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.dials++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if s.banner != "" {
		if _, err := conn.Write([]byte(s.banner + "\n")); err != nil {
			return
		}
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()

		if s.respond == nil {
			continue
		}
		if reply, ok := s.respond(line); ok {
			if _, err := conn.Write([]byte(reply + "\n")); err != nil {
				return
			}
		}
	}
}
