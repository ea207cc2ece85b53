package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
)

// Standard library RSA implementations in this ecosystem expose only ECB
// (single-block) operation; there is no ready library CBC mode for RSA.
// The source engine layers its own CBC feedback on top of single-block
// RSA/PKCS1v15 operations, and that software scheme is reproduced here
// rather than invented fresh, since ciphertext needs to behave like a CBC
// stream for interoperability. blockSize is derived from OutputSize(1)-11
// rather than a fixed constant so it tracks whatever modulus size the key
// pair actually uses.

// encryptBlockSize returns the maximum plaintext chunk size this public
// key can RSA/PKCS1v15-encrypt in one block: the modulus size minus the
// fixed 11 bytes of PKCS#1 v1.5 padding overhead.
func encryptBlockSize(pub *rsa.PublicKey) (int, error) {
	size := pub.Size() - 11
	if size <= 0 {
		return 0, fmt.Errorf("rsa key too small for pkcs1v15 framing (modulus %d bytes)", pub.Size())
	}
	return size, nil
}

// cbcRSAEncrypt implements the software CBC-over-RSA encryption scheme:
// for each plaintext block P_i of at most encryptBlockSize(pub) bytes,
// C_i = RSAenc(P_i XOR X), then X is replaced by the first len(P_i) bytes
// of C_i (X starts as all zero). The output is the concatenation of all
// C_i, each exactly pub.Size() bytes.
func cbcRSAEncrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	blockSize, err := encryptBlockSize(pub)
	if err != nil {
		return nil, err
	}

	var out []byte
	feedback := make([]byte, 0)

	for i := 0; i < len(plaintext); i += blockSize {
		end := i + blockSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		block := plaintext[i:end]

		xored := xorWithFeedback(block, feedback)

		c, err := rsa.EncryptPKCS1v15(rand.Reader, pub, xored)
		if err != nil {
			return nil, fmt.Errorf("rsa-cbc encrypt block: %w", err)
		}
		out = append(out, c...)

		feedback = c
	}

	return out, nil
}

// cbcRSADecrypt is the inverse of cbcRSAEncrypt: ciphertext is processed
// in priv.Size()-byte blocks C_i; P_i = RSAdec(C_i) XOR X, then X is
// replaced by C_i (truncated to len(P_i) for the next round's XOR).
func cbcRSADecrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	blockSize := priv.Size()
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid rsa key")
	}
	if len(ciphertext)%blockSize != 0 {
		return nil, fmt.Errorf("rsa-cbc ciphertext length %d not a multiple of block size %d", len(ciphertext), blockSize)
	}

	var out []byte
	feedback := make([]byte, 0)

	for i := 0; i < len(ciphertext); i += blockSize {
		c := ciphertext[i : i+blockSize]

		p, err := rsa.DecryptPKCS1v15(rand.Reader, priv, c)
		if err != nil {
			return nil, fmt.Errorf("rsa-cbc decrypt block: %w", err)
		}

		plain := xorWithFeedback(p, feedback)
		out = append(out, plain...)

		feedback = c
	}

	return out, nil
}

// xorWithFeedback XORs block with the leading len(block) bytes of
// feedback, treating any missing feedback bytes as zero (the initial
// all-zero X).
func xorWithFeedback(block, feedback []byte) []byte {
	out := make([]byte, len(block))
	for i := range block {
		var f byte
		if i < len(feedback) {
			f = feedback[i]
		}
		out[i] = block[i] ^ f
	}
	return out
}
