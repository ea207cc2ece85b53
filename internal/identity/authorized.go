package identity

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// AuthorizedKeys is the process-wide trust store of named public keys,
// loaded from a line-based file where each non-blank, non-'#' line holds a
// Base64-encoded public key followed by a free-text comment. Verification
// iterates the list and returns the comment of the first key that
// validates a SignedObject — its "verificator name".
//
// Reload is atomic-replace: the list in use by an in-flight Verify is never
// mutated, matching the invariant that the authorized-keys set is
// immutable for the duration of any single verify operation.
type AuthorizedKeys struct {
	logger *slog.Logger

	mu   sync.RWMutex
	keys []*NamedPublicKey
}

// NewAuthorizedKeys creates an empty trust store.
func NewAuthorizedKeys(logger *slog.Logger) *AuthorizedKeys {
	return &AuthorizedKeys{logger: logger.With("subsystem", "authorized-keys")}
}

// Load reads path and atomically replaces the in-memory key list. Malformed
// lines are logged and skipped rather than failing the whole load — a
// typo'd entry should not lock an endpoint out of every other authorized
// peer. A missing file is treated as an empty trust store, not an error,
// since a fresh identity has not yet authorized anyone.
func (a *AuthorizedKeys) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			a.replace(nil)
			return nil
		}
		return fmt.Errorf("opening authorized-keys file: %w", err)
	}
	defer f.Close()

	var keys []*NamedPublicKey
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, err := DecodePublicKeyLine(line)
		if err != nil {
			a.logger.Warn("skipping malformed authorized-keys line", "line", lineNo, "error", err)
			continue
		}
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading authorized-keys file: %w", err)
	}

	a.replace(keys)
	a.logger.Info("authorized-keys reloaded", "count", len(keys), "path", path)
	return nil
}

// replace swaps the key slice under the write lock — the only mutation
// path, so a concurrent Verify either sees the old list in full or the new
// one in full, never a partial one.
func (a *AuthorizedKeys) replace(keys []*NamedPublicKey) {
	a.mu.Lock()
	a.keys = keys
	a.mu.Unlock()
}

// Add appends a single key to the in-memory store without touching disk.
// Used when accepting trust on the fly is desired by the caller; does not
// persist unless the caller also rewrites the file.
func (a *AuthorizedKeys) Add(key *NamedPublicKey) {
	a.mu.Lock()
	a.keys = append(a.keys, key)
	a.mu.Unlock()
}

// Verify returns the comment (verificator name) of the first authorized
// key that validates signed, and true. If no authorized key validates it,
// it returns "", false. Order of authorized keys does not affect whether a
// match is found, only which comment wins on duplicate keys.
func (a *AuthorizedKeys) Verify(signed *SignedObject) (string, bool) {
	a.mu.RLock()
	keys := a.keys
	a.mu.RUnlock()

	for _, k := range keys {
		if signed.VerifyWith(k.Public) {
			return k.Comment, true
		}
	}
	return "", false
}

// Count returns the number of authorized keys currently loaded.
func (a *AuthorizedKeys) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}
