package bus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{
			name:        "tcp",
			url:         "tcp://192.168.1.30:8899",
			wantNetwork: "tcp",
			wantAddress: "192.168.1.30:8899",
		},
		{
			name:        "unix",
			url:         "unix:///run/rs485",
			wantNetwork: "unix",
			wantAddress: "/run/rs485",
		},
		{
			name:    "tcp without host",
			url:     "tcp://",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			url:     "serial:///dev/ttyUSB0",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseConnectionURL(%q) succeeded, want error", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseConnectionURL(%q) error = %v", tt.url, err)
			}
			if network != tt.wantNetwork || address != tt.wantAddress {
				t.Errorf("parseConnectionURL(%q) = (%q, %q), want (%q, %q)",
					tt.url, network, address, tt.wantNetwork, tt.wantAddress)
			}
		})
	}
}

// startTestServer starts a loopback TCP server that hands the accepted
// connection to the test.
func startTestServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()

	return fmt.Sprintf("tcp://%s", listener.Addr()), conns
}

func TestConnectAndReceive(t *testing.T) {
	url, conns := startTestServer(t)

	client, err := Connect(context.Background(), Config{Connection: url})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}

	received := make(chan []byte, 1)
	client.SetOnData(func(chunk []byte) {
		received <- chunk
	})

	var server net.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server accept timed out")
	}
	defer server.Close()

	sent := []byte{0xf7, 0x32, 0x01, 0x81, 0x03, 0x00, 0x01, 0x02}
	if _, err := server.Write(sent); err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case chunk := <-received:
		if !bytes.Equal(chunk, sent) {
			t.Errorf("received %x, want %x", chunk, sent)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk delivered within timeout")
	}

	stats := client.Stats()
	if stats.BytesRx != uint64(len(sent)) {
		t.Errorf("Stats().BytesRx = %d, want %d", stats.BytesRx, len(sent))
	}
}

func TestWrite(t *testing.T) {
	url, conns := startTestServer(t)

	client, err := Connect(context.Background(), Config{Connection: url})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var server net.Conn
	select {
	case server = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server accept timed out")
	}
	defer server.Close()

	frame := []byte{0xf7, 0x32, 0x01, 0x41, 0x01, 0x01, 0x85, 0xf2}
	if err := client.Write(context.Background(), frame); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got := make([]byte, len(frame))
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Read(got); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("server received %x, want %x", got, frame)
	}

	if tx := client.Stats().BytesTx; tx != uint64(len(frame)) {
		t.Errorf("Stats().BytesTx = %d, want %d", tx, len(frame))
	}
}

func TestWriteWhenClosed(t *testing.T) {
	url, conns := startTestServer(t)

	client, err := Connect(context.Background(), Config{Connection: url})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case conn := <-conns:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server accept timed out")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if err := client.Write(context.Background(), []byte{0xf7}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Write() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestConnectInvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{Connection: "bogus://nowhere"})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	url, conns := startTestServer(t)

	client, err := Connect(context.Background(), Config{Connection: url})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case conn := <-conns:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("server accept timed out")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
