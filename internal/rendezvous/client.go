package rendezvous

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	reconnectDelay   = 2 * time.Second
	maxReconnectTries = 3
)

// Client is the line-oriented rendezvous TCP client. It owns the
// connection's reconnect policy and a per-sender abuse throttle on
// inbound LIST/ALIVE/IMSG control traffic, adapted from the same
// rate-limiting idiom used elsewhere in this ecosystem for per-caller
// fan-out throttling.
type Client struct {
	logger   *slog.Logger
	host     string
	port     int
	localUser string

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	dormant bool

	limiterMu sync.Mutex
	limiters  map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a Client targeting host:port under localUser's identity.
func New(host string, port int, localUser string, logger *slog.Logger) *Client {
	return &Client{
		logger:    logger.With("subsystem", "rendezvous"),
		host:      host,
		port:      port,
		localUser: NormalizeUserID(localUser),
		limiters:  make(map[string]*limiterEntry),
	}
}

// connect dials the rendezvous server once. Run manages reconnects on
// top of repeated connect calls.
func (c *Client) connect() error {
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", c.host, c.port))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.mu.Unlock()
	return nil
}

// Run connects and reads lines until the connection drops, reconnecting
// per the 2s x 3 attempts policy; beyond that it goes dormant until the
// caller calls Run again (user intervention).
func (c *Client) Run(onLine func(*Line)) error {
	for attempt := 0; ; attempt++ {
		if err := c.connect(); err != nil {
			c.logger.Warn("rendezvous connect failed", "attempt", attempt, "error", err)
			if attempt >= maxReconnectTries {
				c.setDormant(true)
				return fmt.Errorf("rendezvous: giving up after %d reconnect attempts: %w", maxReconnectTries, err)
			}
			time.Sleep(reconnectDelay)
			continue
		}

		attempt = -1 // reset backoff counter on a successful connect
		c.readLines(onLine)

		c.logger.Warn("rendezvous connection lost, will attempt reconnect")
		time.Sleep(reconnectDelay)
	}
}

func (c *Client) readLines(onLine func(*Line)) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line, err := ParseLine(scanner.Text())
		if err != nil {
			c.logger.Warn("dropping malformed rendezvous line", "error", err)
			continue
		}
		if line.Control != nil && !c.allow(line.User, line.Control.Verb) {
			c.logger.Warn("dropping control message, sender rate-limited", "user", line.User, "verb", line.Control.Verb)
			continue
		}
		onLine(line)
	}
}

// allow applies the per-sender throttle to LIST/ALIVE/IMSG traffic only
// — INVITE/RING/ACCEPT/BYE carry call setup state that must not be
// dropped once a call is in flight.
func (c *Client) allow(sender string, verb Verb) bool {
	switch verb {
	case VerbList, VerbAlive, VerbIMsg:
	default:
		return true
	}

	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	entry, ok := c.limiters[sender]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(5), 10)}
		c.limiters[sender] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

func (c *Client) setDormant(v bool) {
	c.mu.Lock()
	c.dormant = v
	c.mu.Unlock()
}

// Dormant reports whether the client has exhausted its reconnect budget
// and is waiting for the caller to invoke Run again.
func (c *Client) Dormant() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dormant
}

// Send emits a control message line to the server.
func (c *Client) Send(cm *ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writer == nil {
		return fmt.Errorf("rendezvous: not connected")
	}
	if _, err := c.writer.WriteString(Emit(cm) + "\n"); err != nil {
		return err
	}
	return c.writer.Flush()
}

// LocalUser returns the normalized local user id this client signals as.
func (c *Client) LocalUser() string { return c.localUser }

// LocalAddr returns the local IP address of the live rendezvous
// connection, the address this endpoint advertises to a peer in
// INVITE/RING/ACCEPT so the peer knows where to send datagram traffic.
// Empty if not currently connected.
func (c *Client) LocalAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(c.conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// IsForMe reports whether a directed control message (anything but
// LIST/ALIVE) is addressed to this endpoint and not a self-echo.
func (c *Client) IsForMe(sender string, localName string) bool {
	if NormalizeUserID(localName) != c.localUser {
		return false
	}
	if NormalizeUserID(sender) == c.localUser {
		return false // self-echo suppression
	}
	return true
}

// EvictIdleLimiters drops per-sender limiters whose last-seen time is
// older than idleThreshold, bounding memory growth from a long-lived
// rendezvous connection that has seen many distinct senders over time.
// The client does not call it on its own, and no other package in this
// module calls it either.
func (c *Client) EvictIdleLimiters(idleThreshold time.Duration) {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	cutoff := time.Now().Add(-idleThreshold)
	for sender, entry := range c.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(c.limiters, sender)
		}
	}
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
