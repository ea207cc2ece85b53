package identity

import (
	"fmt"

	"github.com/kryptofon/kryptofon/internal/octets"
)

// SecretKeyPayload is the inner value carried by the signed envelope inside
// an ACCEPT message's secretPayload: the fresh symmetric session key plus
// the algorithm tag it was generated under.
type SecretKeyPayload struct {
	Algo string
	Key  []byte
}

// Marshal encodes the payload as a length-prefixed algorithm tag followed
// by the raw key bytes. This is the byte form that gets signed and then
// RSA-CBC encrypted for transport inside ACCEPT.
func (p *SecretKeyPayload) Marshal() []byte {
	algo := []byte(p.Algo)
	buf := octets.Allocate(4 + len(algo) + len(p.Key))
	_ = buf.WriteUint32(uint32(len(algo)))
	_ = buf.PutBytes(algo)
	_ = buf.PutBytes(p.Key)
	return buf.Bytes()
}

// UnmarshalSecretKeyPayload is the inverse of Marshal.
func UnmarshalSecretKeyPayload(raw []byte) (*SecretKeyPayload, error) {
	buf := octets.Wrap(raw)

	algoLen, err := buf.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("reading algo length: %w", err)
	}
	algoBytes, err := buf.GetBytes(int(algoLen))
	if err != nil {
		return nil, fmt.Errorf("reading algo: %w", err)
	}
	key, err := buf.GetBytes(buf.Remaining())
	if err != nil {
		return nil, fmt.Errorf("reading key: %w", err)
	}

	return &SecretKeyPayload{Algo: string(algoBytes), Key: key}, nil
}
