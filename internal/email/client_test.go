package email

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBuildMessage(t *testing.T) {
	t.Parallel()

	msg := buildMessage("noreply@gatekit.example", "owner@example.com", "Test Subject", "Hello, world!")

	checks := []struct {
		label string
		want  string
	}{
		{"From header", "From: noreply@gatekit.example\r\n"},
		{"To header", "To: owner@example.com\r\n"},
		{"Subject header", "Subject: Test Subject\r\n"},
		{"MIME version", "MIME-Version: 1.0\r\n"},
		{"Content-Type", "Content-Type: text/plain; charset=UTF-8\r\n"},
		{"body", "Hello, world!"},
	}
	for _, c := range checks {
		if !strings.Contains(msg, c.want) {
			t.Errorf("buildMessage missing %s: want substring %q in %q", c.label, c.want, msg)
		}
	}
}

func TestPingSuccess(t *testing.T) {
	t.Parallel()

	srv := startSMTP(t, nil)
	c := NewClient(srv.host, srv.port, "", "", "noreply@gatekit.example")

	if err := c.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func TestPingConnectionRefused(t *testing.T) {
	t.Parallel()

	// Listen and immediately close to get an unused port.
	ln := listenTCP(t)
	_, port := splitHostPort(t, ln.Addr().String())
	_ = ln.Close()

	c := NewClient("127.0.0.1", port, "", "", "noreply@gatekit.example")
	if err := c.Ping(); err == nil {
		t.Fatal("Ping() on closed port should return error")
	}
}

func TestSendSuccess(t *testing.T) {
	t.Parallel()

	captured := make(chan string, 1)
	srv := startSMTP(t, captured)
	c := NewClient(srv.host, srv.port, "", "", "noreply@gatekit.example")

	if err := c.Send("owner@example.com", "Hello", "Test body"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	data := <-captured
	if !strings.Contains(data, "Subject: Hello") {
		t.Errorf("captured data missing subject: %q", data)
	}
	if !strings.Contains(data, "Test body") {
		t.Errorf("captured data missing body: %q", data)
	}
}

func TestSendProjectInvite(t *testing.T) {
	t.Parallel()

	captured := make(chan string, 1)
	srv := startSMTP(t, captured)
	c := NewClient(srv.host, srv.port, "", "", "noreply@gatekit.example")

	expires := time.Now().Add(7 * 24 * time.Hour)
	err := c.SendProjectInvite("new-admin@example.com", "Acme Support", "admin",
		"tok-abc", "https://gatekit.example", expires)
	if err != nil {
		t.Fatalf("SendProjectInvite() error = %v", err)
	}

	data := <-captured
	if !strings.Contains(data, "Subject: Invitation to join Acme Support on GateKit") {
		t.Errorf("captured data missing subject: %q", data)
	}
	if !strings.Contains(data, "https://gatekit.example/accept-invite?token=tok-abc") {
		t.Errorf("captured data missing accept link: %q", data)
	}
}

type smtpServer struct {
	host string
	port int
}

// startSMTP runs a minimal single-connection SMTP server. The DATA
// payload is sent to captured when it is non-nil. The listener and the
// serving goroutine are cleaned up with the test.
func startSMTP(t *testing.T, captured chan<- string) smtpServer {
	t.Helper()

	ln := listenTCP(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveSMTP(ln, captured)
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		<-done
	})

	host, port := splitHostPort(t, ln.Addr().String())
	return smtpServer{host: host, port: port}
}

func serveSMTP(ln net.Listener, captured chan<- string) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	write := func(s string) { _, _ = fmt.Fprintf(conn, "%s\r\n", s) }

	write("220 localhost ESMTP test")

	for scanner.Scan() {
		cmd := strings.ToUpper(scanner.Text())

		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			write("250-localhost")
			write("250 OK")
		case strings.HasPrefix(cmd, "MAIL FROM:"), strings.HasPrefix(cmd, "RCPT TO:"):
			write("250 OK")
		case cmd == "DATA":
			write("354 Start mail input")
			var data strings.Builder
			for scanner.Scan() {
				line := scanner.Text()
				if line == "." {
					break
				}
				data.WriteString(line)
				data.WriteString("\n")
			}
			if captured != nil {
				captured <- data.String()
			}
			write("250 OK")
		case cmd == "QUIT":
			write("221 Bye")
			return
		default:
			write("250 OK")
		}
	}
}

// listenTCP opens a TCP listener on a random loopback port.
func listenTCP(t *testing.T) net.Listener {
	t.Helper()
	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("invalid port %q: %v", portStr, err)
	}
	return host, port
}
