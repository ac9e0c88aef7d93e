package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/dispatchkit/bus"
	"github.com/vinayprograms/dispatchkit/logging"
)

// DistributedConfig configures a distributed global throttle.
type DistributedConfig struct {
	// Bus is the message bus shared by every process using the same token.
	Bus bus.MessageBus

	// InstanceID identifies this process on the bus.
	// Default: a random UUID
	InstanceID string

	// Logger records pauses applied from other processes.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// GlobalPause is broadcast when a process observes a global rate limit.
type GlobalPause struct {
	// InstanceID that observed the limit.
	InstanceID string `json:"instance_id"`

	// Until is the end of the pause.
	Until time.Time `json:"until"`

	// Timestamp of the announcement.
	Timestamp time.Time `json:"timestamp"`
}

// DistributedThrottle shares global pauses between processes via the
// message bus. Each process keeps a local deadline; extensions observed
// locally are announced and extensions announced by others are applied.
type DistributedThrottle struct {
	config DistributedConfig
	local  *GlobalThrottle

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedThrottle creates a throttle and starts listening for
// announcements.
func NewDistributedThrottle(config DistributedConfig) (*DistributedThrottle, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}

	sub, err := config.Bus.Subscribe(SubjectGlobal)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &DistributedThrottle{
		config: config,
		local:  NewGlobalThrottle(),
		sub:    sub,
		ctx:    ctx,
		cancel: cancel,
	}

	d.wg.Add(1)
	go d.listen()

	return d, nil
}

func (d *DistributedThrottle) listen() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handle(msg)
		}
	}
}

func (d *DistributedThrottle) handle(msg *bus.Message) {
	var pause GlobalPause
	if err := json.Unmarshal(msg.Data, &pause); err != nil {
		return // Ignore malformed messages
	}
	if pause.InstanceID == d.config.InstanceID {
		return
	}
	if d.local.extend(pause.Until) {
		d.config.Logger.GlobalPause(pause.Until)
	}
}

// Deadline returns the local view of the shared deadline.
func (d *DistributedThrottle) Deadline(ctx context.Context) (time.Time, error) {
	return d.local.Deadline(ctx)
}

// Extend moves the deadline forward and announces it when it moved.
func (d *DistributedThrottle) Extend(_ context.Context, until time.Time) error {
	if !d.local.extend(until) {
		return nil
	}

	data, err := json.Marshal(GlobalPause{
		InstanceID: d.config.InstanceID,
		Until:      until,
		Timestamp:  time.Now(),
	})
	if err != nil {
		return err
	}
	return d.config.Bus.Publish(SubjectGlobal, data)
}

// Reset clears the local pause only. Other processes keep theirs.
func (d *DistributedThrottle) Reset(ctx context.Context) error {
	return d.local.Reset(ctx)
}

// InstanceID returns the identifier used on the bus.
func (d *DistributedThrottle) InstanceID() string {
	return d.config.InstanceID
}

// Close stops listening for announcements.
func (d *DistributedThrottle) Close() error {
	d.cancel()

	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return nil
}

var _ Throttle = (*DistributedThrottle)(nil)
