package decrypt

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/highesttt/matrix-e2ee-core/pkg/store"
)

// RepairScheduler is the session repair coordinator as seen from here:
// fire-and-forget, rate limited on its side.
type RepairScheduler interface {
	MarkForRepair(userID id.UserID, deviceID id.DeviceID)
}

type decryptJob struct {
	ctx        context.Context
	evt        *event.Event
	timelineID string
	onResult   func(*DecryptedEvent, error)
}

// Dispatcher routes events to the right decryptor and serializes all
// ratchet work onto one dedicated worker goroutine, so CPU-bound
// decryption never runs on a caller's goroutine. Ratchet operations on
// one session have to be serialized anyway; a single queue does that for
// free.
type Dispatcher struct {
	registry *Registry
	store    store.Store
	repairer RepairScheduler
	log      zerolog.Logger

	jobs      chan decryptJob
	closeOnce sync.Once
	done      chan struct{}
}

const jobQueueSize = 64

func NewDispatcher(registry *Registry, st store.Store, repairer RepairScheduler, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		store:    st,
		repairer: repairer,
		log:      log.With().Str("component", "decryption dispatcher").Logger(),
		jobs:     make(chan decryptJob, jobQueueSize),
		done:     make(chan struct{}),
	}
	go d.work()
	return d
}

// Close stops accepting new work, drains already-queued jobs, and waits
// for the crypto worker to exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.jobs)
		<-d.done
	})
}

// DecryptEvent decrypts synchronously: the caller suspends until the
// crypto worker has processed the event.
func (d *Dispatcher) DecryptEvent(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error) {
	type result struct {
		decrypted *DecryptedEvent
		err       error
	}
	resultCh := make(chan result, 1)
	d.enqueue(decryptJob{
		ctx:        ctx,
		evt:        evt,
		timelineID: timelineID,
		onResult: func(decrypted *DecryptedEvent, err error) {
			resultCh <- result{decrypted, err}
		},
	})
	select {
	case res := <-resultCh:
		return res.decrypted, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// DecryptEventAsync never blocks the caller; onResult fires from the
// crypto worker once the event has been processed.
func (d *Dispatcher) DecryptEventAsync(evt *event.Event, timelineID string, onResult func(*DecryptedEvent, error)) {
	d.enqueue(decryptJob{
		ctx:        context.Background(),
		evt:        evt,
		timelineID: timelineID,
		onResult:   onResult,
	})
}

func (d *Dispatcher) enqueue(job decryptJob) {
	defer func() {
		if recover() != nil {
			// Send on closed channel: dispatcher shut down.
			job.onResult(nil, errors.New("dispatcher is closed"))
		}
	}()
	d.jobs <- job
}

func (d *Dispatcher) work() {
	defer close(d.done)
	for job := range d.jobs {
		decrypted, err := d.decrypt(job.ctx, job.evt, job.timelineID)
		job.onResult(decrypted, err)
	}
}

// decrypt is the per-event pipeline. A failure here never stops the
// worker; the next event decrypts independently.
func (d *Dispatcher) decrypt(ctx context.Context, evt *event.Event, timelineID string) (*DecryptedEvent, error) {
	content, err := parseEncrypted(evt)
	if err != nil {
		return nil, err
	}
	decryptor, err := d.registry.GetOrCreate(evt.RoomID, content.Algorithm)
	if err != nil {
		return nil, newError(KindUnsupportedAlgorithm, err)
	}
	decrypted, err := decryptor.Decrypt(ctx, evt, timelineID)
	if err != nil {
		if KindOf(err) == KindBadEncryptedMessage && content.Algorithm == id.AlgorithmOlmV1 {
			d.scheduleRepair(evt.Sender, content.SenderKey)
		}
		return nil, err
	}
	return decrypted, nil
}

// scheduleRepair resolves the wedged device by matching the declared
// sender key against the sender's known devices. No match means we do
// not know who to repair with, so we do nothing rather than guess.
func (d *Dispatcher) scheduleRepair(sender id.UserID, senderKey id.SenderKey) {
	if d.repairer == nil {
		return
	}
	devices, err := d.store.GetUserDevices(sender)
	if err != nil {
		d.log.Warn().Err(err).Str("user_id", sender.String()).Msg("Device lookup for session repair failed")
		return
	}
	for _, device := range devices {
		if device.IdentityKey == senderKey {
			d.log.Info().
				Str("user_id", sender.String()).
				Str("device_id", device.DeviceID.String()).
				Msg("Undecryptable olm message, marking session for repair")
			d.repairer.MarkForRepair(device.UserID, device.DeviceID)
			return
		}
	}
	d.log.Warn().
		Str("user_id", sender.String()).
		Str("sender_key", senderKey.String()).
		Msg("Undecryptable olm message from unknown device, not repairing")
}
