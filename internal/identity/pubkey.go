package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"
)

// NamedPublicKey pairs an RSA public key with the human comment identifying
// its owner (the "verificator name" once it validates a signature). The
// comment travels alongside the key in the authorized-keys and public-key
// files, but is never embedded inside the serialized key blob itself: a
// signed INVITE/RING carries only the raw public key, since the comment
// that matters is the one the *receiver's* trust store assigns, not the
// one the sender claims for itself.
type NamedPublicKey struct {
	Public  *rsa.PublicKey
	Comment string
}

// MarshalPublicKey encodes an RSA public key as PKCS#1 DER bytes, the
// transport form used both inside signed envelopes and in the persisted
// key files.
func MarshalPublicKey(pub *rsa.PublicKey) []byte {
	return x509.MarshalPKCS1PublicKey(pub)
}

// UnmarshalPublicKey is the inverse of MarshalPublicKey.
func UnmarshalPublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return pub, nil
}

// EncodePublicKeyLine renders "<base64-der> <comment>" for the public-key
// file and for authorized-keys entries.
func EncodePublicKeyLine(pub *rsa.PublicKey, comment string) string {
	return base64.StdEncoding.EncodeToString(MarshalPublicKey(pub)) + " " + comment
}

// DecodePublicKeyLine parses a single non-blank, non-comment line of the
// public-key or authorized-keys file format: a Base64-encoded DER public
// key, whitespace, then a free-text comment (which may itself contain
// spaces).
func DecodePublicKeyLine(line string) (*NamedPublicKey, error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return nil, fmt.Errorf("empty line")
	}

	der, err := base64.StdEncoding.DecodeString(fields[0])
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key: %w", err)
	}
	pub, err := UnmarshalPublicKey(der)
	if err != nil {
		return nil, err
	}

	comment := ""
	if len(fields) == 2 {
		comment = fields[1]
	}

	return &NamedPublicKey{Public: pub, Comment: comment}, nil
}
