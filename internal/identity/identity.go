package identity

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// keyBits is the RSA modulus size. The source engine used RSA-1024;
	// reproduced for bit-compatible signatures and envelope sizes, not
	// because 1024 bits meets a modern security bar.
	keyBits = 1024

	// sanityCheckSize is the number of random bytes round-tripped through
	// encrypt/decrypt at load time to confirm the cipher is usable.
	sanityCheckSize = 2048

	privateKeyFile = "mykf-private-key.txt"
	publicKeyFile  = "mykf-public-key.txt"
)

// Identity holds one endpoint's long-lived RSA key pair. It is an
// explicit value threaded through the session controller rather than a
// process-wide singleton — the only cross-run coupling is the persisted
// file on disk.
type Identity struct {
	logger  *slog.Logger
	dir     string
	keyPair *NamedKeyPair
}

// Dir returns the identity directory this Identity was loaded from.
func (id *Identity) Dir() string { return id.dir }

// Comment returns this identity's human comment
// (e.g. "rsa-key-2026-07-30-143000123").
func (id *Identity) Comment() string { return id.keyPair.Comment }

// PublicKey returns this identity's public key.
func (id *Identity) PublicKey() *rsa.PublicKey { return id.keyPair.Public }

// Load loads the identity from dir, generating and persisting a fresh key
// pair on first use. If a stored pair exists but fails the sanity check,
// it falls back to regenerating once; if that also fails, Load returns an
// error (kind 6 of the error taxonomy: fatal to the cipher subsystem, but
// the caller may still run text-only signaling).
func Load(dir string, logger *slog.Logger) (*Identity, error) {
	logger = logger.With("subsystem", "identity")

	if err := ensureOwnerOnlyDir(dir); err != nil {
		return nil, fmt.Errorf("preparing identity directory: %w", err)
	}

	id := &Identity{logger: logger, dir: dir}

	if kp, err := loadStoredKeyPair(dir); err == nil {
		if sanityCheck(kp) {
			id.keyPair = kp
			logger.Info("identity loaded", "comment", kp.Comment, "dir", dir)
			return id, nil
		}
		logger.Warn("stored identity failed sanity check, regenerating", "comment", kp.Comment)
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to load stored identity, regenerating", "error", err)
	}

	kp, err := generateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if !sanityCheck(kp) {
		return nil, fmt.Errorf("generated identity failed sanity check")
	}
	if err := persistKeyPair(dir, kp); err != nil {
		return nil, fmt.Errorf("persisting identity: %w", err)
	}

	id.keyPair = kp
	logger.Info("identity generated", "comment", kp.Comment, "dir", dir)
	return id, nil
}

func generateKeyPair() (*NamedKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating rsa key: %w", err)
	}

	now := time.Now()
	comment := fmt.Sprintf("rsa-key-%04d-%02d-%02d-%02d%02d%02d%03d",
		now.Year(), now.Month(), now.Day(),
		now.Hour(), now.Minute(), now.Second(), now.Nanosecond()/1_000_000)

	return &NamedKeyPair{Private: priv, Public: &priv.PublicKey, Comment: comment}, nil
}

// sanityCheck encrypts sanityCheckSize random bytes through the derived
// public encryptor and decrypts them back, requiring equality — catches a
// corrupted or incompatible stored key before it is trusted for a call.
func sanityCheck(kp *NamedKeyPair) bool {
	data := make([]byte, sanityCheckSize)
	if _, err := rand.Read(data); err != nil {
		return false
	}
	enc, err := cbcRSAEncrypt(kp.Public, data)
	if err != nil {
		return false
	}
	dec, err := cbcRSADecrypt(kp.Private, enc)
	if err != nil {
		return false
	}
	return bytes.Equal(data, dec)
}

func loadStoredKeyPair(dir string) (*NamedKeyPair, error) {
	contents, err := os.ReadFile(filepath.Join(dir, privateKeyFile))
	if err != nil {
		return nil, err
	}
	return DecodePrivateKeyFile(string(contents))
}

func persistKeyPair(dir string, kp *NamedKeyPair) error {
	privPath := filepath.Join(dir, privateKeyFile)
	if err := os.WriteFile(privPath, []byte(EncodePrivateKeyFile(kp)), 0o600); err != nil {
		return fmt.Errorf("writing private key file: %w", err)
	}

	pubPath := filepath.Join(dir, publicKeyFile)
	pubLine := EncodePublicKeyLine(kp.Public, kp.Comment)
	if err := os.WriteFile(pubPath, []byte(pubLine), 0o644); err != nil {
		return fmt.Errorf("writing public key file: %w", err)
	}

	return nil
}

// ensureOwnerOnlyDir creates dir if needed and restricts it to owner-only
// access where the host filesystem supports POSIX permission bits.
func ensureOwnerOnlyDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	// Re-assert the mode in case the directory already existed with
	// looser permissions; ignore failures on filesystems that don't
	// support POSIX modes (e.g. some non-POSIX hosts).
	_ = os.Chmod(dir, 0o700)
	return nil
}

// Sign produces a SignedObject over payload using this identity's private key.
func (id *Identity) Sign(payload []byte) (*SignedObject, error) {
	return Sign(id.keyPair.Private, payload)
}

// SignedPublicKeyEnvelope returns the Base64(SignedObject(serialized
// public key)) string carried as the secretPayload of an outgoing INVITE
// or RING message.
func (id *Identity) SignedPublicKeyEnvelope() (string, error) {
	signed, err := Sign(id.keyPair.Private, MarshalPublicKey(id.keyPair.Public))
	if err != nil {
		return "", fmt.Errorf("signing public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signed.Marshal()), nil
}

// UnwrappedSessionKey is the result of decrypting and verifying an
// ACCEPT message's secretPayload.
type UnwrappedSessionKey struct {
	Algo        string
	Key         []byte
	Verificator string
	Verified    bool
}

// UnwrapSessionKey implements the ACCEPT envelope decrypt path: Base64
// decode, software-CBC RSA decrypt under this identity's private key,
// deserialize the resulting SignedObject, verify it against authKeys, and
// unwrap the inner SecretKeyPayload.
func (id *Identity) UnwrapSessionKey(b64 string, authKeys *AuthorizedKeys) (*UnwrappedSessionKey, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 envelope: %w", err)
	}

	plain, err := cbcRSADecrypt(id.keyPair.Private, raw)
	if err != nil {
		return nil, fmt.Errorf("rsa-cbc decrypting envelope: %w", err)
	}

	signed, err := UnmarshalSignedObject(plain)
	if err != nil {
		return nil, fmt.Errorf("parsing signed envelope: %w", err)
	}

	payload, err := UnmarshalSecretKeyPayload(signed.Payload)
	if err != nil {
		return nil, fmt.Errorf("parsing secret key payload: %w", err)
	}

	name, ok := authKeys.Verify(signed)

	return &UnwrappedSessionKey{
		Algo:        payload.Algo,
		Key:         payload.Key,
		Verificator: name,
		Verified:    ok,
	}, nil
}
