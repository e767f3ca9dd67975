package httpconnect

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"
)

func fakeProxy(t *testing.T, conn net.Conn, status string) {
	t.Helper()
	r := bufio.NewReader(conn)
	tp := textproto.NewReader(r)

	line, err := tp.ReadLine()
	if err != nil {
		t.Errorf("server: read request line: %v", err)
		return
	}
	if !strings.HasPrefix(line, "CONNECT ") {
		t.Errorf("server: request line = %q, want CONNECT prefix", line)
	}
	if _, err := tp.ReadMIMEHeader(); err != nil {
		t.Errorf("server: read headers: %v", err)
		return
	}
	conn.Write([]byte(status))
}

func TestDialSuccess(t *testing.T) {
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		fakeProxy(t, server, "HTTP/1.1 200 Connection Established\r\n\r\n")
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := Dial(ctx, client, "example.test", 443)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	<-done
	conn.Close()
}

func TestDialRejected(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		fakeProxy(t, server, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, client, "example.test", 443)
	if err == nil {
		t.Fatalf("expected error for non-200 CONNECT response")
	}
}

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		line       string
		wantCode   int
		wantReason string
		wantErr    bool
	}{
		{"HTTP/1.1 200 Connection Established", 200, "Connection Established", false},
		{"HTTP/1.1 403 Forbidden", 403, "Forbidden", false},
		{"HTTP/1.1 200", 200, "", false},
		{"garbage", 0, "", true},
		{"HTTP/1.1 notanumber", 0, "", true},
	}
	for _, tt := range tests {
		code, reason, err := parseStatusLine(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseStatusLine(%q): expected error", tt.line)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseStatusLine(%q): unexpected error: %v", tt.line, err)
			continue
		}
		if code != tt.wantCode || reason != tt.wantReason {
			t.Errorf("parseStatusLine(%q) = (%d, %q), want (%d, %q)", tt.line, code, reason, tt.wantCode, tt.wantReason)
		}
	}
}
