// Package channel implements the UDP datagram channel that carries all
// in-call traffic for one peer: port binding, optional symmetric session
// cipher, and the encrypt/decrypt send and receive paths.
package channel

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kryptofon/kryptofon/internal/sessioncipher"
)

// portScanWidth is the size of the port range this endpoint scans from
// its configured base, the same bind-scan idiom used elsewhere in this
// ecosystem for pooled RTP+RTCP pairs, adapted here to a single voice
// socket.
const portScanWidth = 100

// Channel owns one UDP socket bound to the first free port in
// [base, base+portScanWidth), and at most one attached remote peer at a
// time.
type Channel struct {
	logger *slog.Logger
	conn   *net.UDPConn

	localPort int

	cipherMu sync.RWMutex
	cipher   *sessioncipher.SessionCipher

	peerMu        sync.RWMutex
	peerAddr      *net.UDPAddr
	lastReceiveMs atomic.Int64

	closeOnce sync.Once
}

// Bind scans [base, base+portScanWidth) for the first port it can bind a
// UDP socket to.
func Bind(base int, logger *slog.Logger) (*Channel, error) {
	logger = logger.With("subsystem", "channel")

	for port := base; port < base+portScanWidth; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
		if err != nil {
			continue
		}
		logger.Info("datagram channel bound", "port", port)
		return &Channel{logger: logger, conn: conn, localPort: port}, nil
	}
	return nil, fmt.Errorf("no free udp port in range [%d, %d)", base, base+portScanWidth)
}

// LocalPort returns the bound UDP port.
func (c *Channel) LocalPort() int { return c.localPort }

// InstallSymmetricCipher publishes sc as the channel's active session
// cipher (or clears it when sc is nil, on BYE). This is a read-mostly
// publication point: writes happen only on the signaling serial order at
// call establishment/teardown, reads happen on the send and receive
// hot paths without additional coordination beyond the RWMutex.
func (c *Channel) InstallSymmetricCipher(sc *sessioncipher.SessionCipher) {
	c.cipherMu.Lock()
	c.cipher = sc
	c.cipherMu.Unlock()
}

func (c *Channel) activeCipher() *sessioncipher.SessionCipher {
	c.cipherMu.RLock()
	defer c.cipherMu.RUnlock()
	return c.cipher
}

// ActiveCipher returns the currently installed session cipher, or nil.
// Exported for the session controller's IMSG encrypt/decrypt path, which
// sits above this channel but still needs the negotiated cipher.
func (c *Channel) ActiveCipher() *sessioncipher.SessionCipher {
	return c.activeCipher()
}

// AttachPeer records the single remote peer this channel talks to.
func (c *Channel) AttachPeer(addr *net.UDPAddr) {
	c.peerMu.Lock()
	c.peerAddr = addr
	c.peerMu.Unlock()
	c.lastReceiveMs.Store(time.Now().UnixMilli())
}

// DetachPeer clears the attached peer, called on BYE/teardown.
func (c *Channel) DetachPeer() {
	c.peerMu.Lock()
	c.peerAddr = nil
	c.peerMu.Unlock()
}

func (c *Channel) peer() *net.UDPAddr {
	c.peerMu.RLock()
	defer c.peerMu.RUnlock()
	return c.peerAddr
}

// Send transmits frame to the attached peer, encrypting it with
// sessioncipher.PDUPreambleLen if a cipher is installed, or sending
// plaintext otherwise.
func (c *Channel) Send(frame []byte) error {
	addr := c.peer()
	if addr == nil {
		return fmt.Errorf("channel: no peer attached")
	}

	out := frame
	if sc := c.activeCipher(); sc != nil {
		enc, err := sc.EncryptDatagram(sessioncipher.PDUPreambleLen, frame)
		if err != nil {
			return fmt.Errorf("encrypting datagram: %w", err)
		}
		out = enc
	}

	_, err := c.conn.WriteToUDP(out, addr)
	return err
}

// ReceiveLoop reads datagrams until the channel is closed, decrypting
// them (when a cipher is installed) and handing successfully-decrypted
// payloads to onPayload. Failed decrypts and plaintext frames received
// while a cipher is installed are silently dropped: they are read as
// attacker noise or stray packets, not errors to report.
func (c *Channel) ReceiveLoop(onPayload func(raw []byte)) {
	buf := make([]byte, 65535)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		c.lastReceiveMs.Store(time.Now().UnixMilli())

		raw := make([]byte, n)
		copy(raw, buf[:n])

		sc := c.activeCipher()
		if sc == nil {
			onPayload(raw)
			continue
		}
		plain, err := sc.DecryptDatagram(sessioncipher.PDUPreambleLen, raw)
		if err != nil {
			continue // silently drop, matches the encrypted-datagram discard rule
		}
		onPayload(plain)
	}
}

// IsPeerDead reports whether no datagram has been received from the
// peer for more than maxIdleMs.
func (c *Channel) IsPeerDead(maxIdleMs int64) bool {
	last := c.lastReceiveMs.Load()
	if last == 0 {
		return false
	}
	return time.Now().UnixMilli()-last > maxIdleMs
}

// Close releases the UDP socket. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}
