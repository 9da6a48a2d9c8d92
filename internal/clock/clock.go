package clock

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock supplies wall time and unique identifiers. Production code uses
// System; tests inject a Virtual clock to make time-dependent behavior
// deterministic.
type Clock interface {
	// Now returns the current UTC instant. Within a single process the
	// returned values are monotonically non-decreasing.
	Now() time.Time
	// NewID mints a globally unique, time-prefixed, sortable 128-bit id
	// rendered in canonical UUID form.
	NewID() string
}

// System is the production clock backed by time.Now and UUIDv7.
type System struct {
	mu   sync.Mutex
	last time.Time
}

func NewSystem() *System { return &System{} }

func (c *System) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	// Clamp backwards wall-clock jumps so observed time never decreases.
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

func (c *System) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// Virtual is a test clock whose time only moves when advanced.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
	seq uint32
}

func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start.UTC()}
}

func (c *Virtual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the virtual clock forward by d.
func (c *Virtual) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the virtual clock to t. Moving backwards is allowed in tests.
func (c *Virtual) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

func (c *Virtual) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	var raw [16]byte
	ms := uint64(c.now.UnixMilli())
	raw[0] = byte(ms >> 40)
	raw[1] = byte(ms >> 32)
	raw[2] = byte(ms >> 24)
	raw[3] = byte(ms >> 16)
	raw[4] = byte(ms >> 8)
	raw[5] = byte(ms)
	raw[6] = 0x70 | byte(c.seq>>24)&0x0f // version 7
	raw[7] = byte(c.seq >> 16)
	raw[8] = 0x80 | byte(c.seq>>8)&0x3f // RFC 4122 variant
	raw[9] = byte(c.seq)
	id, _ := uuid.FromBytes(raw[:])
	return id.String()
}
