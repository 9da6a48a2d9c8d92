// Package governor enforces the repost cooldown: the same video may not be
// posted to the same platform for the same user more than once per window.
package governor

import (
	"context"
	"strings"
	"time"

	"github.com/crossclip/crossclip/backend/internal/clock"
	"github.com/crossclip/crossclip/backend/internal/faults"
)

// Cooldown is the repost window. Only completed posts count against it;
// failed and canceled attempts never start a cooldown.
const Cooldown = 24 * time.Hour

// HistoryStore answers when a (user, platform, video) triple last completed.
type HistoryStore interface {
	LastPostedAt(ctx context.Context, userID, platform, videoID string) (*time.Time, error)
}

type Decision struct {
	Allowed bool
	// HoursRemaining is the cooldown left, rounded up to whole hours. Set
	// only on denial; a denial within the last minutes of the window still
	// reports 1.
	HoursRemaining int
}

type Governor struct {
	store HistoryStore
	clk   clock.Clock
}

func New(store HistoryStore, clk clock.Clock) *Governor {
	return &Governor{store: store, clk: clk}
}

// Normalize canonicalizes a platform name for cooldown bookkeeping so
// lookups and recordings can never disagree on case or padding.
func Normalize(platform string) string {
	return strings.ToUpper(strings.TrimSpace(platform))
}

// Check evaluates the cooldown for one (user, platform, video) triple.
// Callers that act on an allowed decision must do so in the same
// transaction as the lookup, or two racing attempts could both pass.
func (g *Governor) Check(ctx context.Context, userID, platform, videoID string) (Decision, error) {
	last, err := g.store.LastPostedAt(ctx, userID, Normalize(platform), videoID)
	if err != nil {
		return Decision{}, err
	}
	if last == nil {
		return Decision{Allowed: true}, nil
	}
	elapsed := g.clk.Now().Sub(*last)
	if elapsed >= Cooldown {
		return Decision{Allowed: true}, nil
	}
	remaining := Cooldown - elapsed
	hours := int((remaining + time.Hour - 1) / time.Hour)
	if hours < 1 {
		hours = 1
	}
	return Decision{Allowed: false, HoursRemaining: hours}, nil
}

// Deny converts a denial into the error the dispatcher records on the post.
func Deny(d Decision) error {
	return &faults.Error{
		Kind:           faults.KindRepostCooldown,
		Message:        "video was already posted to this platform within the cooldown window",
		HoursRemaining: d.HoursRemaining,
	}
}

// Variant picks the caption for a recurring schedule's next firing. An empty
// variant list falls back to the base caption; the cursor wraps.
func Variant(base string, variants []string, cursor int) string {
	if len(variants) == 0 {
		return base
	}
	if cursor < 0 {
		cursor = 0
	}
	return variants[cursor%len(variants)]
}
