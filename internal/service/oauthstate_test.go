package service

import (
	"testing"
	"time"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
)

func newSigner() (stateSigner, *clock.Virtual) {
	clk := clock.NewVirtual(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	return stateSigner{secret: []byte("state-test-secret"), clk: clk}, clk
}

func TestStateSignVerifyRoundTrip(t *testing.T) {
	signer, _ := newSigner()
	state, err := signer.sign("u1", "TIKTOK")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := signer.verify(state, "u1", "TIKTOK"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestStateVerifyRejectsMismatch(t *testing.T) {
	signer, _ := newSigner()
	state, _ := signer.sign("u1", "TIKTOK")

	if err := signer.verify(state, "u2", "TIKTOK"); faults.KindOf(err) != faults.KindAuthStateInvalid {
		t.Fatalf("wrong user: expected AUTH_STATE_INVALID, got %v", err)
	}
	if err := signer.verify(state, "u1", "YOUTUBE"); faults.KindOf(err) != faults.KindAuthStateInvalid {
		t.Fatalf("wrong platform: expected AUTH_STATE_INVALID, got %v", err)
	}
}

func TestStateVerifyRejectsExpired(t *testing.T) {
	signer, clk := newSigner()
	state, _ := signer.sign("u1", "TIKTOK")

	clk.Advance(9 * time.Minute)
	if err := signer.verify(state, "u1", "TIKTOK"); err != nil {
		t.Fatalf("state within TTL rejected: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if err := signer.verify(state, "u1", "TIKTOK"); faults.KindOf(err) != faults.KindAuthStateInvalid {
		t.Fatalf("expired state: expected AUTH_STATE_INVALID, got %v", err)
	}
}

func TestStateVerifyRejectsForeignSignature(t *testing.T) {
	signer, _ := newSigner()
	other := stateSigner{secret: []byte("another-secret"), clk: signer.clk}
	state, _ := other.sign("u1", "TIKTOK")

	if err := signer.verify(state, "u1", "TIKTOK"); faults.KindOf(err) != faults.KindAuthStateInvalid {
		t.Fatalf("foreign signature: expected AUTH_STATE_INVALID, got %v", err)
	}
	if err := signer.verify("not-a-token", "u1", "TIKTOK"); faults.KindOf(err) != faults.KindAuthStateInvalid {
		t.Fatalf("garbage state: expected AUTH_STATE_INVALID, got %v", err)
	}
}
