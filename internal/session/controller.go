package session

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kryptofon/kryptofon/internal/audiodevice"
	"github.com/kryptofon/kryptofon/internal/callctx"
	"github.com/kryptofon/kryptofon/internal/channel"
	"github.com/kryptofon/kryptofon/internal/identity"
	"github.com/kryptofon/kryptofon/internal/pdu"
	"github.com/kryptofon/kryptofon/internal/peer"
	"github.com/kryptofon/kryptofon/internal/rendezvous"
	"github.com/kryptofon/kryptofon/internal/sessioncipher"
	"github.com/kryptofon/kryptofon/internal/voice"
)

const (
	defaultInviteTimeout = 3 * time.Second
	livenessInterval     = 1 * time.Second
	livenessMaxIdle      = 2500
)

// DeviceFactory constructs the PCM hardware binding for a new call; the
// caller (cmd/kryptofon) supplies a concrete implementation, since no
// library in the reference corpus binds to real audio hardware.
type DeviceFactory func() audiodevice.PCMDevice

// HistoryRecorder records completed calls; implemented by
// internal/callhistory. Kept as a narrow interface so the controller
// does not depend on the SQLite store directly.
type HistoryRecorder interface {
	RecordCall(peerName string, verificator string, verified bool, startedAt, endedAt time.Time, cause string)
}

// RendezvousSender is the slice of *rendezvous.Client the controller
// depends on, narrowed to an interface so the signaling state machine
// can be exercised against a fake bus in tests without a live TCP
// connection.
type RendezvousSender interface {
	Send(cm *rendezvous.ControlMessage) error
	LocalUser() string
	LocalAddr() string
	IsForMe(sender, localName string) bool
}

// Controller is the session-layer state machine: it owns exactly one
// call at a time and reacts to rendezvous control messages, serialized
// through a single goroutine so all signaling transitions execute in one
// logical order. Media tasks never mutate signaling state directly.
type Controller struct {
	logger *slog.Logger

	id            *identity.Identity
	authKeys      *identity.AuthorizedKeys
	rc            RendezvousSender
	history       HistoryRecorder
	udpBase       int
	autoAnswer    bool
	newDevice     DeviceFactory
	inviteTimeout time.Duration

	events chan func()

	mu           sync.Mutex
	state        State
	invite       *pendingInvite
	ch           *channel.Channel
	pr           *peer.Peer
	call         *callctx.Call
	device       *audiodevice.Device
	sender       *voice.Sender
	playbackStop chan struct{}
	verificator  string
	verified     bool
	callStarted  time.Time

	ringerStop chan struct{}
}

type pendingInvite struct {
	remoteUser string
	addr       string // peer's own advertised address, once known (set on INVITE, or filled from ACCEPT)
	port       int
	ch         *channel.Channel // bound ahead of sending INVITE/ACCEPT so we know our own port to advertise
	timer      *time.Timer
	peerKey    *identity.PeerEncryptor // caller's public key, for wrapping our ACCEPT session key
}

// New constructs a Controller. ringTimeout bounds how long an outstanding
// invite waits for a RING before the call fails back to idle; zero
// selects defaultInviteTimeout. Run must be called to start processing.
func New(id *identity.Identity, authKeys *identity.AuthorizedKeys, rc RendezvousSender, history HistoryRecorder, udpBase int, autoAnswer bool, newDevice DeviceFactory, ringTimeout time.Duration, logger *slog.Logger) *Controller {
	if ringTimeout <= 0 {
		ringTimeout = defaultInviteTimeout
	}
	return &Controller{
		logger:        logger.With("subsystem", "session"),
		id:            id,
		authKeys:      authKeys,
		rc:            rc,
		history:       history,
		udpBase:       udpBase,
		autoAnswer:    autoAnswer,
		newDevice:     newDevice,
		inviteTimeout: ringTimeout,
		events:        make(chan func(), 32),
		state:         StateIdle,
	}
}

// Run processes signaling events in a single serialized loop until stop
// is closed.
func (c *Controller) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(livenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case fn := <-c.events:
			fn()
		case <-ticker.C:
			c.checkLiveness()
		}
	}
}

// HandleLine dispatches one parsed rendezvous line onto the serialized
// event queue; call from the rendezvous read loop.
func (c *Controller) HandleLine(line *rendezvous.Line) {
	if line.Control == nil {
		return
	}
	cm := line.Control
	switch cm.Verb {
	case rendezvous.VerbList:
		if rendezvous.MatchesListRegex(cm.ListRegex, c.rc.LocalUser()) {
			_ = c.rc.Send(&rendezvous.ControlMessage{Verb: rendezvous.VerbAlive})
		}
		return
	case rendezvous.VerbAlive:
		return
	}

	if !c.rc.IsForMe(line.User, cm.LocalName) {
		return
	}

	sender := line.User
	c.events <- func() { c.dispatch(sender, cm) }
}

func (c *Controller) dispatch(sender string, cm *rendezvous.ControlMessage) {
	switch cm.Verb {
	case rendezvous.VerbInvite:
		c.onInvite(sender, cm)
	case rendezvous.VerbRing:
		c.onRing(sender, cm)
	case rendezvous.VerbAccept:
		c.onAccept(sender, cm)
	case rendezvous.VerbBye:
		c.onBye("peer hung up")
	case rendezvous.VerbIMsg:
		c.onIMsg(sender, cm)
	}
}

func (c *Controller) onInvite(sender string, cm *rendezvous.ControlMessage) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		_ = c.rc.Send(&rendezvous.ControlMessage{Verb: rendezvous.VerbBye, LocalName: sender})
		return
	}
	c.mu.Unlock()

	ch, err := channel.Bind(c.udpBase, c.logger)
	if err != nil {
		c.logger.Error("failed to bind datagram channel for invite", "error", err)
		_ = c.rc.Send(&rendezvous.ControlMessage{Verb: rendezvous.VerbBye, LocalName: sender})
		return
	}

	var peerKey *identity.PeerEncryptor
	verified := false
	var verificator string
	if cm.SecretPayload != "" {
		peerKey = identity.NewPeerEncryptor(cm.SecretPayload, c.authKeys)
		verified = peerKey.IsVerified()
		verificator = peerKey.VerificatorName()
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		ch.Close()
		_ = c.rc.Send(&rendezvous.ControlMessage{Verb: rendezvous.VerbBye, LocalName: sender})
		return
	}
	c.invite = &pendingInvite{remoteUser: sender, addr: cm.RemoteAddr, port: cm.RemoteUDPPort, ch: ch, peerKey: peerKey}
	c.state = StateAlerting
	c.verified = verified
	c.verificator = verificator
	c.mu.Unlock()

	c.logger.Info("incoming invite", "from", sender, "verified", verified, "verificator", verificator)
	c.startRinger()

	envelope, err := c.id.SignedPublicKeyEnvelope()
	if err != nil {
		c.logger.Error("failed to sign public key for ring", "error", err)
	} else if err := c.rc.Send(&rendezvous.ControlMessage{
		Verb: rendezvous.VerbRing, LocalName: sender,
		RemoteAddr: c.rc.LocalAddr(), RemoteUDPPort: ch.LocalPort(), SecretPayload: envelope,
	}); err != nil {
		c.logger.Error("failed to send ring", "error", err)
	}

	if c.autoAnswer {
		c.Answer()
	}
}

func (c *Controller) onRing(sender string, cm *rendezvous.ControlMessage) {
	c.mu.Lock()
	inv := c.invite
	if inv == nil || inv.remoteUser != sender || c.state != StateDialing {
		c.mu.Unlock()
		c.logger.Warn("unexpected RING, ignoring", "from", sender)
		return
	}
	if inv.timer != nil {
		inv.timer.Stop()
	}
	c.state = StateAlerting
	c.mu.Unlock()

	if cm.SecretPayload != "" {
		pe := identity.NewPeerEncryptor(cm.SecretPayload, c.authKeys)
		c.logger.Info("callee public key trust", "verified", pe.IsVerified(), "verificator", pe.VerificatorName())
	}
	c.logger.Info("ring received, waiting for accept", "from", sender)
	c.startRinger()
}

// startRinger launches a dedicated task that writes ring-tone frames
// directly to a scratch PCM device, bypassing the de-jitter ring, at the
// 40-on/80-off cadence, until stopRinger is called. Used for both local
// ringing (incoming invite) and ringback (outgoing invite, post-RING).
func (c *Controller) startRinger() {
	c.mu.Lock()
	if c.ringerStop != nil {
		c.mu.Unlock()
		return // already ringing
	}
	stop := make(chan struct{})
	c.ringerStop = stop
	c.mu.Unlock()

	hw := c.newDevice()
	go func() {
		ticker := time.NewTicker(audiodevice.FrameIntervalMs * time.Millisecond)
		defer ticker.Stop()
		frameIdx := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = hw.WriteFrame(audiodevice.GenerateRingFrame(frameIdx))
				frameIdx++
			}
		}
	}()
}

func (c *Controller) stopRinger() {
	c.mu.Lock()
	stop := c.ringerStop
	c.ringerStop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// Invite places an outbound call to remoteUser. The INVITE line advertises
// this endpoint's own reachable address and datagram port — the
// rendezvous relay only routes by user name, so each side announces
// where it can be reached for media directly to the other.
func (c *Controller) Invite(remoteUser string) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("session: a call is already in progress")
	}
	c.mu.Unlock()

	ch, err := channel.Bind(c.udpBase, c.logger)
	if err != nil {
		return fmt.Errorf("binding datagram channel: %w", err)
	}

	envelope, err := c.id.SignedPublicKeyEnvelope()
	if err != nil {
		ch.Close()
		return fmt.Errorf("signing public key for invite: %w", err)
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		ch.Close()
		return fmt.Errorf("session: a call is already in progress")
	}
	c.invite = &pendingInvite{remoteUser: remoteUser, ch: ch}
	c.invite.timer = time.AfterFunc(c.inviteTimeout, func() {
		c.events <- func() { c.onInviteTimeout(remoteUser) }
	})
	c.state = StateDialing
	c.mu.Unlock()

	return c.rc.Send(&rendezvous.ControlMessage{
		Verb: rendezvous.VerbInvite, LocalName: remoteUser,
		RemoteAddr: c.rc.LocalAddr(), RemoteUDPPort: ch.LocalPort(), SecretPayload: envelope,
	})
}

func (c *Controller) onInviteTimeout(remoteUser string) {
	c.mu.Lock()
	if c.state != StateDialing || c.invite == nil || c.invite.remoteUser != remoteUser {
		c.mu.Unlock()
		return
	}
	ch := c.invite.ch
	c.invite = nil
	c.state = StateIdle
	c.mu.Unlock()
	if ch != nil {
		ch.Close()
	}
	c.logger.Warn("invite timed out, no ring received", "to", remoteUser)
}

// Answer accepts the current pending invite (ALERTING -> ESTABLISHED).
func (c *Controller) Answer() {
	c.mu.Lock()
	inv := c.invite
	if inv == nil || c.state != StateAlerting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sc, err := sessioncipher.NewGenerated(sessioncipher.DefaultKeyBytes)
	if err != nil {
		c.logger.Error("failed to generate session key", "error", err)
		return
	}

	payload := &identity.SecretKeyPayload{Algo: sc.Algo(), Key: sc.Key()}
	signedPayload, err := c.id.Sign(payload.Marshal())
	if err != nil {
		c.logger.Error("failed to sign session key payload", "error", err)
		return
	}

	if inv.peerKey == nil || !inv.peerKey.IsActive() {
		c.logger.Warn("rejecting answer: caller sent no usable public key", "from", inv.remoteUser)
		c.mu.Lock()
		c.invite = nil
		c.state = StateIdle
		c.mu.Unlock()
		return
	}

	ciphertext, err := inv.peerKey.Encrypt(signedPayload.Marshal())
	if err != nil {
		c.logger.Error("failed to wrap session key for caller", "error", err)
		return
	}
	encrypted := base64.StdEncoding.EncodeToString(ciphertext)

	ch := inv.ch
	if err := c.establish(inv.remoteUser, inv.addr, inv.port, ch, sc); err != nil {
		c.logger.Error("failed to establish call", "error", err)
		ch.Close()
		return
	}
	// The answerer's trust verdict comes from the caller's signed public
	// key, not from the session key it generated itself.
	c.mu.Lock()
	c.verificator, c.verified = inv.peerKey.VerificatorName(), inv.peerKey.IsVerified()
	c.mu.Unlock()

	if err := c.rc.Send(&rendezvous.ControlMessage{
		Verb: rendezvous.VerbAccept, LocalName: inv.remoteUser,
		RemoteAddr: c.rc.LocalAddr(), RemoteUDPPort: ch.LocalPort(), SecretPayload: encrypted,
	}); err != nil {
		c.logger.Error("failed to send accept", "error", err)
	}
}

func (c *Controller) onAccept(sender string, cm *rendezvous.ControlMessage) {
	c.mu.Lock()
	inv := c.invite
	if inv == nil || inv.remoteUser != sender || c.state != StateAlerting {
		c.mu.Unlock()
		c.logger.Warn("unexpected ACCEPT, ignoring", "from", sender)
		return
	}
	c.mu.Unlock()

	if cm.SecretPayload == "" {
		c.logger.Warn("accept carried no session key, ignoring")
		return
	}

	unwrapped, err := c.id.UnwrapSessionKey(cm.SecretPayload, c.authKeys)
	if err != nil {
		c.logger.Warn("failed to unwrap session key from accept", "error", err)
		return
	}

	sc, err := sessioncipher.NewFromUnwrapped(unwrapped.Algo, unwrapped.Key, unwrapped.Verificator, unwrapped.Verified)
	if err != nil {
		c.logger.Error("failed to build session cipher", "error", err)
		return
	}

	if err := c.establish(sender, cm.RemoteAddr, cm.RemoteUDPPort, inv.ch, sc); err != nil {
		c.logger.Error("failed to establish call", "error", err)
	}
}

// establish attaches the peer to the already-bound datagram channel,
// creates the peer and call context, installs the session cipher, and
// transitions to ESTABLISHED.
func (c *Controller) establish(remoteUser, addr string, port int, ch *channel.Channel, sc *sessioncipher.SessionCipher) error {
	ch.InstallSymmetricCipher(sc)

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		ch.Close()
		return fmt.Errorf("resolving peer address: %w", err)
	}
	ch.AttachPeer(udpAddr)

	pr := peer.New(udpAddr, remoteUser, c.logger)
	call := callctx.New()
	call.Start()

	device := audiodevice.New(c.newDevice())
	sender := voice.New(device, call, ch, c.logger)

	playbackStop := make(chan struct{})

	go pr.Run(func(raw []byte) {
		callctx.HandleArrival(call, raw, func(ts uint64, sample []byte) {
			if call.FirstVoiceReceived() {
				c.stopRinger()
			}
			device.WriteBuffered(sample, int64(ts))
		}, func(p *pdu.PDU, reason string) {
			c.logger.Warn("dropping bad frame", "reason", reason)
		})
	})
	go ch.ReceiveLoop(pr.Enqueue)
	go sender.Run()
	go device.RunPlayback(playbackStop)

	c.mu.Lock()
	c.ch = ch
	c.pr = pr
	c.call = call
	c.device = device
	c.sender = sender
	c.playbackStop = playbackStop
	c.verificator = sc.Verificator()
	c.verified = sc.Verified()
	c.state = StateEstablished
	c.callStarted = time.Now()
	c.invite = nil
	c.mu.Unlock()

	c.stopRinger()

	c.logger.Info("call established", "call_id", call.ID(), "peer", remoteUser, "verified", sc.Verified(), "verificator", sc.Verificator())
	return nil
}

func (c *Controller) onBye(cause string) {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	ch, pr, sender, playbackStop := c.ch, c.pr, c.sender, c.playbackStop
	callID := ""
	if c.call != nil {
		callID = c.call.ID()
	}
	peerName := ""
	var inviteCh *channel.Channel
	if c.invite != nil {
		peerName = c.invite.remoteUser
		inviteCh = c.invite.ch
		if c.invite.timer != nil {
			c.invite.timer.Stop()
		}
	} else if c.pr != nil {
		peerName = c.pr.DisplayName
	}
	verificator, verified, startedAt := c.verificator, c.verified, c.callStarted
	c.ch, c.pr, c.call, c.device, c.sender, c.playbackStop = nil, nil, nil, nil, nil, nil
	c.callStarted = time.Time{}
	c.invite = nil
	c.state = StateIdle
	c.mu.Unlock()

	c.stopRinger()

	if inviteCh != nil {
		inviteCh.Close()
	}
	if playbackStop != nil {
		close(playbackStop)
	}
	if sender != nil {
		sender.Stop()
	}
	if pr != nil {
		pr.Stop()
	}
	if ch != nil {
		ch.InstallSymmetricCipher(nil)
		ch.Close()
	}
	if c.history != nil && !startedAt.IsZero() {
		c.history.RecordCall(peerName, verificator, verified, startedAt, time.Now(), cause)
	}
	c.logger.Info("call ended", "call_id", callID, "cause", cause)
}

// Hangup ends the current call (user-initiated BYE).
func (c *Controller) Hangup() {
	c.mu.Lock()
	remote := ""
	if c.invite != nil {
		remote = c.invite.remoteUser
	} else if c.pr != nil {
		remote = c.pr.DisplayName
	}
	c.mu.Unlock()
	if remote != "" {
		_ = c.rc.Send(&rendezvous.ControlMessage{Verb: rendezvous.VerbBye, LocalName: remote})
	}
	c.onBye("local hangup")
}

func (c *Controller) onIMsg(sender string, cm *rendezvous.ControlMessage) {
	c.mu.Lock()
	established := c.state == StateEstablished
	ch := c.ch
	c.mu.Unlock()
	if !established || ch == nil {
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(cm.SecretPayload)
	if err != nil {
		c.logger.Warn("malformed imsg payload", "error", err)
		return
	}

	sc := ch.ActiveCipher()
	if sc == nil {
		return
	}
	plain, err := sc.DecryptMessage(ciphertext)
	if err != nil {
		return // silently dropped, matches marker-mismatch discard rule
	}
	c.logger.Info("text message", "from", sender, "text", string(plain))
}

// SendText encrypts and sends a text message to the current call's peer.
func (c *Controller) SendText(text string) error {
	c.mu.Lock()
	ch := c.ch
	remote := ""
	if c.pr != nil {
		remote = c.pr.DisplayName
	}
	c.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("session: no established call")
	}
	sc := ch.ActiveCipher()
	if sc == nil {
		return fmt.Errorf("session: no session cipher installed")
	}
	ciphertext, err := sc.EncryptMessage([]byte(text))
	if err != nil {
		return fmt.Errorf("encrypting message: %w", err)
	}
	return c.rc.Send(&rendezvous.ControlMessage{
		Verb: rendezvous.VerbIMsg, LocalName: remote,
		SecretPayload: base64.StdEncoding.EncodeToString(ciphertext),
	})
}

func (c *Controller) checkLiveness() {
	c.mu.Lock()
	ch := c.ch
	established := c.state == StateEstablished
	c.mu.Unlock()
	if !established || ch == nil {
		return
	}
	if ch.IsPeerDead(livenessMaxIdle) {
		c.logger.Warn("peer appears unresponsive", "max_idle_ms", livenessMaxIdle)
	}
}

// LocalUDPPort returns the bound datagram channel's local port, or 0 if
// no call is in progress.
func (c *Controller) LocalUDPPort() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return 0
	}
	return c.ch.LocalPort()
}

// State returns the current signaling state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
