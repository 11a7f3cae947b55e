package unwedge_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/todevice"
	"github.com/highesttt/matrix-e2ee-core/pkg/unwedge"
)

type fakeForcer struct {
	forceCalls atomic.Int32
	forceErr   error
}

func (f *fakeForcer) ForceNewSession(_ context.Context, _ id.UserID, _ id.DeviceID) error {
	f.forceCalls.Add(1)
	return f.forceErr
}

func (f *fakeForcer) EncryptToDevice(_ context.Context, _ id.UserID, _ id.DeviceID, _ event.Type, content *event.Content) (*event.Content, error) {
	return content, nil
}

type fakeSender struct {
	mu    sync.Mutex
	calls int
	err   error
	last  todevice.Messages
}

func (f *fakeSender) SendToDevice(_ context.Context, _ event.Type, messages todevice.Messages) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = messages
	return f.err
}

func (f *fakeSender) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (fc *fakeClock) Now() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.now
}

func (fc *fakeClock) Advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.now = fc.now.Add(d)
}

func newCoordinator(forcer *fakeForcer, sender *fakeSender) (*unwedge.Coordinator, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	c := unwedge.NewCoordinator(forcer, sender, zerolog.Nop(),
		unwedge.WithClock(clock.Now),
		unwedge.WithRetryInterval(time.Millisecond))
	return c, clock
}

func TestRepairIsRateLimited(t *testing.T) {
	forcer := &fakeForcer{}
	sender := &fakeSender{}
	c, clock := newCoordinator(forcer, sender)

	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.Flush()
	assert.EqualValues(t, 1, forcer.forceCalls.Load(), "second trigger inside the cool-down must be a no-op")
	assert.Equal(t, 1, sender.sendCount())

	clock.Advance(unwedge.MinForcePeriod + time.Minute)
	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.Flush()
	assert.EqualValues(t, 2, forcer.forceCalls.Load(), "a trigger after the cool-down forces again")
}

func TestRateLimitIsPerDevice(t *testing.T) {
	forcer := &fakeForcer{}
	sender := &fakeSender{}
	c, _ := newCoordinator(forcer, sender)

	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.MarkForRepair("@bob:example.org", "OTHERDEV")
	c.Flush()
	assert.EqualValues(t, 2, forcer.forceCalls.Load())
}

func TestCanarySentOverNewSession(t *testing.T) {
	forcer := &fakeForcer{}
	sender := &fakeSender{}
	c, _ := newCoordinator(forcer, sender)

	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.Flush()

	assert.EqualValues(t, 1, forcer.forceCalls.Load())
	assert.Equal(t, 1, sender.sendCount())
	content := sender.last[id.UserID("@bob:example.org")][id.DeviceID("BOBDEV")]
	assert.NotNil(t, content)
}

func TestForceFailureSkipsCanary(t *testing.T) {
	forcer := &fakeForcer{forceErr: errors.New("no one-time keys")}
	sender := &fakeSender{}
	c, _ := newCoordinator(forcer, sender)

	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.Flush()

	assert.EqualValues(t, 1, forcer.forceCalls.Load())
	assert.Zero(t, sender.sendCount(), "no canary without a fresh session")
}

func TestCanarySendRetriesAreBounded(t *testing.T) {
	forcer := &fakeForcer{}
	sender := &fakeSender{err: errors.New("federation unreachable")}
	c, _ := newCoordinator(forcer, sender)

	c.MarkForRepair("@bob:example.org", "BOBDEV")
	c.Flush()

	assert.Equal(t, unwedge.CanarySendAttempts, sender.sendCount())
	// Giving up is silent; only the next decryption failure after the
	// cool-down re-triggers repair.
	assert.EqualValues(t, 1, forcer.forceCalls.Load())
}
