// Package sessioncipher implements the per-call symmetric cipher used to
// encrypt voice PDUs and text messages once a call has completed key
// exchange. The algorithm is Blowfish/CBC/PKCS5Padding, matching the
// source engine bit-for-bit rather than reaching for a modern AEAD: the
// wire format is part of interoperability, not a free design choice.
package sessioncipher

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/blowfish"
)

const (
	// DefaultKeyBytes is the "32-bit (small-for-CPU) starting key size"
	// the source engine generates by default; callers that need a
	// stronger session key can pass a longer size to NewGenerated.
	DefaultKeyBytes = 4

	// ivLen is the Blowfish block size, used both as the IV length and
	// as the PKCS5 padding block size.
	ivLen = blowfish.BlockSize

	// PDUPreambleLen and MessagePreambleLen are the two preamble lengths
	// named in the wire format: short for voice PDUs sent at 50Hz, long
	// for the comparatively rare text message datagrams.
	PDUPreambleLen     = 8
	MessagePreambleLen = 256

	beginMarker = "[BEGIN]"
)

// SessionCipher wraps a fresh or unwrapped symmetric key for one call. It
// has two construction roles mirroring the key-exchange flow: a local
// generator creates a key for an outbound ACCEPT, a remote wrapper holds
// a key unwrapped from an inbound ACCEPT along with the verificator name
// that signed it.
type SessionCipher struct {
	algo        string
	key         []byte
	block       cipher.Block
	verificator string
	verified    bool
}

// NewGenerated creates a fresh session key of keyBytes length (use
// DefaultKeyBytes unless the caller has a reason to deviate) for the
// local-generator role: the side that will wrap this key under the
// peer's public key and send it in ACCEPT.
func NewGenerated(keyBytes int) (*SessionCipher, error) {
	if keyBytes <= 0 {
		keyBytes = DefaultKeyBytes
	}
	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating session key: %w", err)
	}
	return newFromKey("blowfish-cbc", key, "", false)
}

// NewFromUnwrapped builds a SessionCipher for the remote-wrapper role:
// the side that received the session key via UnwrapSessionKey on an
// inbound ACCEPT. verificator/verified carry the trust outcome of that
// unwrap forward so call state can report who, if anyone, vouched for
// this call's encryption.
func NewFromUnwrapped(algo string, key []byte, verificator string, verified bool) (*SessionCipher, error) {
	return newFromKey(algo, key, verificator, verified)
}

func newFromKey(algo string, key []byte, verificator string, verified bool) (*SessionCipher, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing blowfish cipher: %w", err)
	}
	return &SessionCipher{
		algo:        algo,
		key:         key,
		block:       block,
		verificator: verificator,
		verified:    verified,
	}, nil
}

// Key returns the raw session key bytes, as carried inside the
// SecretKeyPayload of an outbound ACCEPT.
func (sc *SessionCipher) Key() []byte { return sc.key }

// Algo returns the algorithm tag this cipher was constructed under.
func (sc *SessionCipher) Algo() string { return sc.algo }

// Verified reports whether this session's key arrived signed by an
// authorized peer. It is always false for a cipher created by
// NewGenerated.
func (sc *SessionCipher) Verified() bool { return sc.verified }

// Verificator returns the comment of the authorized key that vouched for
// this session, or "" if unverified or locally generated.
func (sc *SessionCipher) Verificator() string { return sc.verificator }

// EncryptDatagram implements the per-datagram encrypt scheme: a fresh
// all-zero IV, a random preamble of preambleLen bytes, then data, PKCS5
// padded to the block size and CBC-encrypted under the session key. The
// IV is folded into the ciphertext stream rather than transmitted
// separately, matching the decrypt side's "discard the first iv_len +
// preamble_len plaintext bytes" contract.
func (sc *SessionCipher) EncryptDatagram(preambleLen int, data []byte) ([]byte, error) {
	iv := make([]byte, ivLen)
	preamble := make([]byte, preambleLen)
	if _, err := rand.Read(preamble); err != nil {
		return nil, fmt.Errorf("generating random preamble: %w", err)
	}

	plain := make([]byte, 0, ivLen+preambleLen+len(data))
	plain = append(plain, iv...)
	plain = append(plain, preamble...)
	plain = append(plain, data...)

	return sc.cbcEncrypt(iv, plain)
}

// DecryptDatagram CBC-decrypts the full ciphertext and discards the
// leading iv_len+preambleLen bytes of plaintext, returning the
// remainder. Malformed or truncated ciphertext returns an error, which
// callers treat as a dropped datagram.
func (sc *SessionCipher) DecryptDatagram(preambleLen int, ciphertext []byte) ([]byte, error) {
	plain, err := sc.cbcDecrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	skip := ivLen + preambleLen
	if len(plain) < skip {
		return nil, fmt.Errorf("decrypted datagram too short: %d bytes, need at least %d", len(plain), skip)
	}
	return plain[skip:], nil
}

// EncryptMessage encrypts a text message with the long preamble and a
// "[BEGIN]" marker prefixed to the plaintext, letting the decrypt side
// distinguish a genuinely decrypted message from noise.
func (sc *SessionCipher) EncryptMessage(text []byte) ([]byte, error) {
	marked := append([]byte(beginMarker), text...)
	return sc.EncryptDatagram(MessagePreambleLen, marked)
}

// DecryptMessage decrypts a text-message datagram and requires the
// "[BEGIN]" marker; messages without it are considered noise and
// rejected rather than returned with garbage content.
func (sc *SessionCipher) DecryptMessage(ciphertext []byte) ([]byte, error) {
	plain, err := sc.DecryptDatagram(MessagePreambleLen, ciphertext)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(plain, []byte(beginMarker)) {
		return nil, fmt.Errorf("decrypted message missing begin marker")
	}
	return plain[len(beginMarker):], nil
}

func (sc *SessionCipher) cbcEncrypt(iv, plain []byte) ([]byte, error) {
	padded := padPKCS5(plain, ivLen)
	out := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(sc.block, iv)
	mode.CryptBlocks(out, padded)
	return out, nil
}

func (sc *SessionCipher) cbcDecrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%ivLen != 0 {
		return nil, fmt.Errorf("ciphertext length %d not a multiple of block size %d", len(ciphertext), ivLen)
	}
	iv := make([]byte, ivLen)
	out := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(sc.block, iv)
	mode.CryptBlocks(out, ciphertext)
	return unpadPKCS5(out)
}

// padPKCS5 appends N bytes of value N, where N = blockSize - len(data)%blockSize.
func padPKCS5(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// unpadPKCS5 strips and validates PKCS5 padding, rejecting malformed
// padding rather than silently truncating garbage.
func unpadPKCS5(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > ivLen || padLen > len(data) {
		return nil, fmt.Errorf("invalid pkcs5 padding length %d", padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("invalid pkcs5 padding bytes")
		}
	}
	return data[:len(data)-padLen], nil
}
