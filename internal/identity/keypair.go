package identity

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kryptofon/kryptofon/internal/octets"
)

func marshalPKCS1PrivateKey(priv *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(priv)
}

func unmarshalPKCS1PrivateKey(der []byte) (*rsa.PrivateKey, error) {
	return x509.ParsePKCS1PrivateKey(der)
}

// NamedKeyPair is a long-lived asymmetric key pair plus a human comment
// (algorithm + creation timestamp), persisted to the identity directory.
type NamedKeyPair struct {
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
	Comment string
}

// marshalKeyPair encodes the pair as length-prefixed PKCS#1 DER blocks
// followed by the comment, the on-disk contents of mykf-private-key.txt
// (Base64-encoded by the caller before writing).
func marshalKeyPair(kp *NamedKeyPair) []byte {
	privDER := marshalPKCS1PrivateKey(kp.Private)
	pubDER := MarshalPublicKey(kp.Public)
	comment := []byte(kp.Comment)

	buf := octets.Allocate(4 + len(privDER) + 4 + len(pubDER) + 4 + len(comment))
	_ = buf.WriteUint32(uint32(len(privDER)))
	_ = buf.PutBytes(privDER)
	_ = buf.WriteUint32(uint32(len(pubDER)))
	_ = buf.PutBytes(pubDER)
	_ = buf.WriteUint32(uint32(len(comment)))
	_ = buf.PutBytes(comment)
	return buf.Bytes()
}

// unmarshalKeyPair is the inverse of marshalKeyPair.
func unmarshalKeyPair(raw []byte) (*NamedKeyPair, error) {
	buf := octets.Wrap(raw)

	privLen, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading private key length: %w", err)
	}
	privDER, err := buf.GetBytes(int(privLen))
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	priv, err := unmarshalPKCS1PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	pubLen, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading public key length: %w", err)
	}
	pubDER, err := buf.GetBytes(int(pubLen))
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	pub, err := UnmarshalPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	commentLen, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading comment length: %w", err)
	}
	commentBytes, err := buf.GetBytes(int(commentLen))
	if err != nil {
		return nil, fmt.Errorf("reading comment: %w", err)
	}

	return &NamedKeyPair{Private: priv, Public: pub, Comment: string(commentBytes)}, nil
}

// EncodePrivateKeyFile renders the Base64 text stored in mykf-private-key.txt.
func EncodePrivateKeyFile(kp *NamedKeyPair) string {
	return base64.StdEncoding.EncodeToString(marshalKeyPair(kp))
}

// DecodePrivateKeyFile parses the contents of mykf-private-key.txt.
func DecodePrivateKeyFile(contents string) (*NamedKeyPair, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(contents))
	if err != nil {
		return nil, fmt.Errorf("decoding base64 key pair: %w", err)
	}
	return unmarshalKeyPair(raw)
}
