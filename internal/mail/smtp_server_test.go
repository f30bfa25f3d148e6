package mail

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
)

// testSMTPServer is a minimal relay that accepts every connection and
// records delivered messages. Recipients listed in reject get the given reply.
type testSMTPServer struct {
	ln     net.Listener
	reject map[string]string

	mu       sync.Mutex
	conns    int
	messages []string
	rcpts    []string
}

func startTestSMTPServer(t *testing.T, reject map[string]string) (*testSMTPServer, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	srv := &testSMTPServer{ln: ln, reject: reject}
	go srv.serve()
	t.Cleanup(func() { ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return srv, "127.0.0.1", addr.Port
}

func (s *testSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *testSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	fmt.Fprintf(conn, "220 localhost Test SMTP Service Ready\r\n")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(line, "EHLO"), strings.HasPrefix(line, "HELO"):
			fmt.Fprintf(conn, "250-localhost Hello\r\n250 OK\r\n")
		case strings.HasPrefix(line, "MAIL FROM:"):
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(line, "RCPT TO:"):
			rcpt := strings.Trim(strings.TrimPrefix(line, "RCPT TO:"), "<>")
			if reply, ok := s.reject[rcpt]; ok {
				fmt.Fprintf(conn, "%s\r\n", reply)
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, rcpt)
			s.mu.Unlock()
			fmt.Fprintf(conn, "250 OK\r\n")
		case strings.HasPrefix(line, "DATA"):
			fmt.Fprintf(conn, "354 End data with <CR><LF>.<CR><LF>\r\n")
			var body strings.Builder
			for {
				dline, derr := r.ReadString('\n')
				if derr != nil {
					return
				}
				if strings.TrimSpace(dline) == "." {
					break
				}
				body.WriteString(dline)
			}
			s.mu.Lock()
			s.messages = append(s.messages, body.String())
			s.mu.Unlock()
			fmt.Fprintf(conn, "250 OK: queued as 12345\r\n")
		case strings.HasPrefix(line, "QUIT"):
			fmt.Fprintf(conn, "221 Bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "250 OK\r\n")
		}
	}
}

func (s *testSMTPServer) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *testSMTPServer) Messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}
