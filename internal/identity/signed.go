package identity

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"

	"github.com/kryptofon/kryptofon/internal/octets"
)

// SignedObject is a payload plus a detached SHA1withRSA signature over its
// serialized form. Verification is an explicit operation on bytes — no
// reflection, no deserialized object graph — per the re-architecture notes:
// the original's reflection-based signed-object handling is replaced with
// this tagged envelope.
type SignedObject struct {
	Payload   []byte
	Signature []byte
}

// Sign produces a SignedObject over payload using priv, with signature
// algorithm SHA1withRSA (matching the source engine's algorithm choice).
func Sign(priv *rsa.PrivateKey, payload []byte) (*SignedObject, error) {
	digest := sha1.Sum(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	return &SignedObject{Payload: payload, Signature: sig}, nil
}

// VerifyWith reports whether pub's signature validates this object's payload.
func (s *SignedObject) VerifyWith(pub *rsa.PublicKey) bool {
	digest := sha1.Sum(s.Payload)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], s.Signature) == nil
}

// Marshal encodes the envelope as a 4-byte big-endian payload length, the
// payload, a 4-byte big-endian signature length, and the signature.
func (s *SignedObject) Marshal() []byte {
	buf := octets.Allocate(4 + len(s.Payload) + 4 + len(s.Signature))
	_ = buf.WriteUint32(uint32(len(s.Payload)))
	_ = buf.PutBytes(s.Payload)
	_ = buf.WriteUint32(uint32(len(s.Signature)))
	_ = buf.PutBytes(s.Signature)
	return buf.Bytes()
}

// UnmarshalSignedObject is the inverse of Marshal. It returns a result-kind
// error rather than panicking on malformed input, per the re-architecture
// note replacing exception-driven parse errors with explicit returns.
func UnmarshalSignedObject(raw []byte) (*SignedObject, error) {
	buf := octets.Wrap(raw)

	plen, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading payload length: %w", err)
	}
	payload, err := buf.GetBytes(int(plen))
	if err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	slen, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading signature length: %w", err)
	}
	sig, err := buf.GetBytes(int(slen))
	if err != nil {
		return nil, fmt.Errorf("reading signature: %w", err)
	}

	return &SignedObject{Payload: payload, Signature: sig}, nil
}
