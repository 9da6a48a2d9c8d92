package secretbox

import (
	"bytes"
	"strings"
	"testing"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New("unit-test-secret")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	token := "ya29.a0AfH6SMC-example-access-token"
	blob, err := box.Seal(token)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(blob, []byte(token)) {
		t.Fatalf("ciphertext contains the plaintext")
	}
	got, err := box.Open(blob)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if got != token {
		t.Fatalf("got %q, want %q", got, token)
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	box, _ := New("unit-test-secret")
	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if bytes.Equal(a, b) {
		t.Fatalf("two seals of the same plaintext must differ (fresh nonce)")
	}
}

func TestOpenTamperedBlob(t *testing.T) {
	box, _ := New("unit-test-secret")
	blob, _ := box.Seal("secret-token")
	blob[len(blob)-1] ^= 0x01
	_, err := box.Open(blob)
	if faults.KindOf(err) != faults.KindCryptoTamper {
		t.Fatalf("expected CRYPTO_TAMPER, got %v", err)
	}
	if strings.Contains(err.Error(), "secret-token") {
		t.Fatalf("error message leaks plaintext: %q", err.Error())
	}
}

func TestOpenTruncatedBlob(t *testing.T) {
	box, _ := New("unit-test-secret")
	_, err := box.Open([]byte{0x01, 0x02})
	if faults.KindOf(err) != faults.KindCryptoTamper {
		t.Fatalf("expected CRYPTO_TAMPER, got %v", err)
	}
}

func TestOpenWithDifferentKey(t *testing.T) {
	a, _ := New("key-one")
	b, _ := New("key-two")
	blob, _ := a.Seal("token")
	if _, err := b.Open(blob); faults.KindOf(err) != faults.KindCryptoTamper {
		t.Fatalf("expected CRYPTO_TAMPER, got %v", err)
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(""); faults.KindOf(err) != faults.KindConfigMissing {
		t.Fatalf("expected CONFIG_MISSING, got %v", err)
	}
}
