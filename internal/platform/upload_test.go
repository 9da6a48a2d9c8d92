package platform

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

// instantSleep records requested delays without actually waiting.
func instantSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		*delays = append(*delays, d)
		return nil
	}
}

func TestChunkUploadRun(t *testing.T) {
	src := bytes.NewReader([]byte("abcdefghi"))
	var chunks [][]byte
	var finalized bool
	polls := 0
	var delays []time.Duration

	u := &chunkUpload{
		chunkSize: 4,
		init: func(ctx context.Context) (string, error) {
			return "sess-1", nil
		},
		appendFn: func(ctx context.Context, session string, index int, chunk []byte) error {
			if session != "sess-1" {
				t.Fatalf("append got session %q", session)
			}
			if index != len(chunks) {
				t.Fatalf("chunk index %d out of order, want %d", index, len(chunks))
			}
			chunks = append(chunks, append([]byte(nil), chunk...))
			return nil
		},
		finalize: func(ctx context.Context, session string) error {
			if len(chunks) != 3 {
				t.Fatalf("finalize before all chunks appended: %d", len(chunks))
			}
			finalized = true
			return nil
		},
		status: func(ctx context.Context, session string) (bool, error) {
			polls++
			return polls >= 3, nil
		},
		sleep: instantSleep(&delays),
	}

	session, err := u.run(context.Background(), src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if session != "sess-1" {
		t.Fatalf("session = %q", session)
	}
	if !finalized {
		t.Fatal("finalize never called")
	}
	if got := string(bytes.Join(chunks, nil)); got != "abcdefghi" {
		t.Fatalf("reassembled chunks = %q", got)
	}
	if len(chunks[0]) != 4 || len(chunks[1]) != 4 || len(chunks[2]) != 1 {
		t.Fatalf("chunk sizes = %d,%d,%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	// Two incomplete polls means two backoff sleeps: 1s then 2s.
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("poll delays = %v", delays)
	}
}

func TestChunkUploadSkipsPollWithoutStatus(t *testing.T) {
	u := &chunkUpload{
		chunkSize: 8,
		init:      func(ctx context.Context) (string, error) { return "s", nil },
		appendFn:  func(ctx context.Context, session string, index int, chunk []byte) error { return nil },
		finalize:  func(ctx context.Context, session string) error { return nil },
	}
	if _, err := u.run(context.Background(), bytes.NewReader([]byte("data"))); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestPollUntilBackoffAndCeiling(t *testing.T) {
	var delays []time.Duration
	err := pollUntil(context.Background(), instantSleep(&delays),
		func(ctx context.Context) (bool, error) { return false, nil })
	if faults.KindOf(err) != faults.KindUploadProcessingTimeout {
		t.Fatalf("expected UPLOAD_PROCESSING_TIMEOUT, got %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second}
	for i, d := range want {
		if delays[i] != d {
			t.Fatalf("delay[%d] = %s, want %s", i, delays[i], d)
		}
	}
	var waited time.Duration
	for _, d := range delays[:len(delays)-1] {
		if d > 30*time.Second {
			t.Fatalf("delay exceeds 30s cap: %s", d)
		}
		waited += d
	}
	if waited >= 10*time.Minute {
		t.Fatalf("slept past the ceiling before giving up: %s", waited)
	}
}

func TestPollUntilCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var delays []time.Duration
	err := pollUntil(ctx, instantSleep(&delays),
		func(ctx context.Context) (bool, error) { return false, nil })
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("expected TIMEOUT on cancellation, got %v", err)
	}
}

func TestPollUntilPropagatesStatusError(t *testing.T) {
	boom := faults.New(faults.KindPlatformTransient, "processing check failed")
	err := pollUntil(context.Background(), nil,
		func(ctx context.Context) (bool, error) { return false, boom })
	if faults.KindOf(err) != faults.KindPlatformTransient {
		t.Fatalf("got %v", err)
	}
}
