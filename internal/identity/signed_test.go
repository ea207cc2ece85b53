package identity

import "testing"

func TestSignedObjectRoundTrip(t *testing.T) {
	priv := testKey(t)
	payload := []byte("a public key or a session key payload")

	signed, err := Sign(priv, payload)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	marshaled := signed.Marshal()
	got, err := UnmarshalSignedObject(marshaled)
	if err != nil {
		t.Fatalf("UnmarshalSignedObject: %v", err)
	}

	if string(got.Payload) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload)
	}

	if !got.VerifyWith(&priv.PublicKey) {
		t.Fatalf("expected signature to verify")
	}
}

func TestSignedObjectVerifyFailsForWrongKey(t *testing.T) {
	priv := testKey(t)
	other := testKey(t)

	signed, err := Sign(priv, []byte("hello"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if signed.VerifyWith(&other.PublicKey) {
		t.Fatalf("expected verification against unrelated key to fail")
	}
}

func TestSignedObjectVerifyFailsForTamperedPayload(t *testing.T) {
	priv := testKey(t)

	signed, err := Sign(priv, []byte("original"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	signed.Payload = []byte("tampered")

	if signed.VerifyWith(&priv.PublicKey) {
		t.Fatalf("expected verification of tampered payload to fail")
	}
}

func TestUnmarshalSignedObjectRejectsTruncated(t *testing.T) {
	if _, err := UnmarshalSignedObject([]byte{0, 0, 0, 5}); err == nil {
		t.Fatalf("expected error for truncated signed object")
	}
}
