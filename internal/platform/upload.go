package platform

import (
	"context"
	"io"
	"time"

	"github.com/crossclip/crossclip/backend/internal/faults"
)

// Polling knobs for multi-phase uploads: capped exponential backoff starting
// at 1 s, doubling to 30 s, with a 10-minute ceiling on the whole wait.
const (
	pollInitialDelay = 1 * time.Second
	pollMaxDelay     = 30 * time.Second
	pollCeiling      = 10 * time.Minute
)

// chunkUpload is the INIT → APPEND(chunk[i]) → FINALIZE → POLL state machine
// shared by the platforms that require multi-phase uploads. The phases are
// plain funcs so each adapter binds its own endpoints and signing, and tests
// drive the machine without a network.
type chunkUpload struct {
	chunkSize int64
	init      func(ctx context.Context) (session string, err error)
	appendFn  func(ctx context.Context, session string, index int, chunk []byte) error
	finalize  func(ctx context.Context, session string) error
	// status reports whether platform-side processing finished; done=false
	// keeps polling. A nil status skips the poll phase entirely.
	status func(ctx context.Context, session string) (done bool, err error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// run drives the machine over src and returns the platform session id.
func (u *chunkUpload) run(ctx context.Context, src io.Reader) (string, error) {
	session, err := u.init(ctx)
	if err != nil {
		return "", err
	}
	buf := make([]byte, u.chunkSize)
	for index := 0; ; index++ {
		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if err := u.appendFn(ctx, session, index, buf[:n]); err != nil {
				return "", err
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", faults.Wrap(faults.KindStorageUnavailable, rerr, "reading video stream failed")
		}
	}
	if err := u.finalize(ctx, session); err != nil {
		return "", err
	}
	if u.status == nil {
		return session, nil
	}
	if err := u.poll(ctx, session); err != nil {
		return "", err
	}
	return session, nil
}

func (u *chunkUpload) poll(ctx context.Context, session string) error {
	return pollUntil(ctx, u.sleep, func(ctx context.Context) (bool, error) {
		return u.status(ctx, session)
	})
}

// pollUntil waits for platform-side processing with capped exponential
// backoff. Exhausting the ceiling fails TRANSIENT with
// UPLOAD_PROCESSING_TIMEOUT so the dispatcher's retry policy applies.
func pollUntil(ctx context.Context, sleep func(ctx context.Context, d time.Duration) error, status func(ctx context.Context) (bool, error)) error {
	if sleep == nil {
		sleep = sleepCtx
	}
	delay := pollInitialDelay
	var waited time.Duration
	for {
		done, err := status(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if waited >= pollCeiling {
			return faults.New(faults.KindUploadProcessingTimeout,
				"platform did not finish processing within %s", pollCeiling)
		}
		if err := sleep(ctx, delay); err != nil {
			return faults.Wrap(faults.KindTimeout, err, "canceled while waiting for processing")
		}
		waited += delay
		delay *= 2
		if delay > pollMaxDelay {
			delay = pollMaxDelay
		}
	}
}
