// Command kryptofon runs one peer-to-peer secure voice/text telephony
// endpoint: it connects to a rendezvous relay, advertises itself under a
// local user id, and answers or places calls to other endpoints on the
// same relay.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/kryptofon/kryptofon/internal/audiodevice"
	"github.com/kryptofon/kryptofon/internal/callhistory"
	"github.com/kryptofon/kryptofon/internal/config"
	"github.com/kryptofon/kryptofon/internal/identity"
	"github.com/kryptofon/kryptofon/internal/rendezvous"
	"github.com/kryptofon/kryptofon/internal/session"
)

const authorizedKeysFile = "authorized-keys.txt"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	identityDir := cfg.IdentityDir
	if identityDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			slog.Error("failed to resolve home directory", "error", err)
			os.Exit(1)
		}
		identityDir = filepath.Join(home, ".mykf")
	}

	slog.Info("starting kryptofon",
		"rendezvous", fmt.Sprintf("%s:%d", cfg.RendezvousHost, cfg.RendezvousPort),
		"user", cfg.LocalUser,
		"identity_dir", identityDir,
		"auto_answer", cfg.AutoAnswer,
	)

	id, err := identity.Load(identityDir, logger)
	if err != nil {
		slog.Error("failed to load identity", "error", err)
		os.Exit(1)
	}
	slog.Info("identity loaded", "comment", id.Comment())

	authKeys := identity.NewAuthorizedKeys(logger)
	if err := authKeys.Load(filepath.Join(identityDir, authorizedKeysFile)); err != nil {
		slog.Error("failed to load authorized keys", "error", err)
		os.Exit(1)
	}
	slog.Info("authorized keys loaded", "count", authKeys.Count())

	history, err := callhistory.Open(identityDir, logger)
	if err != nil {
		slog.Error("failed to open call history", "error", err)
		os.Exit(1)
	}
	defer history.Close()

	rc := rendezvous.New(cfg.RendezvousHost, cfg.RendezvousPort, cfg.LocalUser, logger)
	defer rc.Close()

	newDevice := func() audiodevice.PCMDevice { return &toneDevice{} }

	ringTimeout := time.Duration(cfg.RingTimeout) * time.Second
	ctrl := session.New(id, authKeys, rc, history, cfg.UDPPortBase, cfg.AutoAnswer, newDevice, ringTimeout, logger)

	stop := make(chan struct{})
	go ctrl.Run(stop)

	connErr := make(chan error, 1)
	go func() {
		connErr <- rc.Run(ctrl.HandleLine)
	}()

	go runShell(ctrl)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-connErr:
		if err != nil {
			slog.Error("rendezvous connection lost", "error", err)
		}
	}

	close(stop)
	ctrl.Hangup()
	slog.Info("kryptofon stopped")
}

// toneDevice is a PCMDevice stand-in for real audio hardware: capture
// reads silence, playback discards. No library in this ecosystem binds
// to an actual sound card, so this boundary is satisfied directly
// rather than left unimplemented.
type toneDevice struct{}

func (d *toneDevice) ReadFrame(buf []byte) error {
	for i := range buf {
		buf[i] = 0
	}
	return nil
}

func (d *toneDevice) WriteFrame(buf []byte) error {
	return nil
}

// runShell reads simple line commands from stdin: a bare name dials that
// user, "a" answers an alerting call, "h" hangs up, anything else is sent
// as a text message on an established call.
func runShell(ctrl *session.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "a" || line == "answer":
			ctrl.Answer()
		case line == "h" || line == "hangup":
			ctrl.Hangup()
		case ctrl.State() == session.StateEstablished:
			if err := ctrl.SendText(line); err != nil {
				slog.Error("send text failed", "error", err)
			}
		default:
			if err := ctrl.Invite(line); err != nil {
				slog.Error("invite failed", "error", err)
			}
		}
	}
}
