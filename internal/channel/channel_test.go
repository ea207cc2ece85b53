package channel

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/kryptofon/kryptofon/internal/sessioncipher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBindPicksFreePort(t *testing.T) {
	ch, err := Bind(19400, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ch.Close()
	if ch.LocalPort() < 19400 || ch.LocalPort() >= 19400+portScanWidth {
		t.Fatalf("expected local port within scan window, got %d", ch.LocalPort())
	}
}

func TestSendReceivePlaintext(t *testing.T) {
	a, err := Bind(19500, testLogger())
	if err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(19500, testLogger())
	if err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	defer b.Close()

	a.AttachPeer(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.LocalPort()})

	received := make(chan []byte, 1)
	go b.ReceiveLoop(func(raw []byte) { received <- raw })

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}
}

func TestSendReceiveEncrypted(t *testing.T) {
	a, err := Bind(19600, testLogger())
	if err != nil {
		t.Fatalf("Bind a: %v", err)
	}
	defer a.Close()
	b, err := Bind(19600, testLogger())
	if err != nil {
		t.Fatalf("Bind b: %v", err)
	}
	defer b.Close()

	sc, err := sessioncipher.NewGenerated(sessioncipher.DefaultKeyBytes)
	if err != nil {
		t.Fatalf("NewGenerated: %v", err)
	}
	a.InstallSymmetricCipher(sc)
	b.InstallSymmetricCipher(sc)

	a.AttachPeer(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.LocalPort()})

	received := make(chan []byte, 1)
	go b.ReceiveLoop(func(raw []byte) { received <- raw })

	if err := a.Send([]byte("voice frame payload")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "voice frame payload" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for decrypted datagram")
	}
}

func TestIsPeerDead(t *testing.T) {
	ch, err := Bind(19700, testLogger())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer ch.Close()

	if ch.IsPeerDead(100) {
		t.Fatalf("expected not dead before any datagram received")
	}
	ch.lastReceiveMs.Store(time.Now().Add(-5 * time.Second).UnixMilli())
	if !ch.IsPeerDead(2500) {
		t.Fatalf("expected dead after exceeding maxIdleMs")
	}
}
