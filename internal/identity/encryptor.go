package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
)

// PeerEncryptor wraps a remote peer's public key, received as a Base64
// signed envelope inside an INVITE or RING message, and exposes the
// software CBC-over-RSA encryption used to wrap the session key. It is
// used by the session controller to encrypt the session key sent back
// in ACCEPT, under the remote peer's public key.
type PeerEncryptor struct {
	pub         *rsa.PublicKey
	verified    bool
	verificator string
	active      bool
}

// NewPeerEncryptor decodes b64 as a Base64(SignedObject(serialized public
// key)) envelope. It never returns an error: any failure along the way
// (bad base64, malformed envelope, bad DER) simply leaves the result
// inactive, which the caller observes with IsActive. An envelope that no
// authorized key validates still yields an active encryptor; it is only
// reported as unverified by IsVerified.
// This mirrors the source engine's isActive/isVerified query pair instead
// of exception-driven construction.
func NewPeerEncryptor(b64 string, authKeys *AuthorizedKeys) *PeerEncryptor {
	pe := &PeerEncryptor{}

	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return pe
	}

	signed, err := UnmarshalSignedObject(raw)
	if err != nil {
		return pe
	}

	if name, ok := authKeys.Verify(signed); ok {
		pe.verified = true
		pe.verificator = name
	}

	pub, err := UnmarshalPublicKey(signed.Payload)
	if err != nil {
		return pe
	}

	pe.pub = pub
	pe.active = true
	return pe
}

// IsActive reports whether decode, unwrap, and cipher setup all succeeded.
func (pe *PeerEncryptor) IsActive() bool { return pe.active }

// IsVerified reports whether the envelope was signed and matched an
// authorized key.
func (pe *PeerEncryptor) IsVerified() bool { return pe.verified }

// VerificatorName returns the comment of the authorized key that
// validated the envelope, or "" if unverified.
func (pe *PeerEncryptor) VerificatorName() string { return pe.verificator }

// Encrypt runs the software CBC-over-RSA scheme under the wrapped public
// key. Returns an error if the encryptor is not active.
func (pe *PeerEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if !pe.active {
		return nil, fmt.Errorf("peer encryptor is not active")
	}
	return cbcRSAEncrypt(pe.pub, plaintext)
}
