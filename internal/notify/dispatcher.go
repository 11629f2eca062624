package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/lookout/internal/account"
	"github.com/linnemanlabs/lookout/internal/escalation"
	"github.com/linnemanlabs/lookout/internal/screening"
)

const (
	DefaultWorkers     = 4
	DefaultMaxAttempts = 4
	DefaultRetryBase   = 500 * time.Millisecond
	defaultMaxInterval = 30 * time.Second
)

// Log is the notification bookkeeping the Dispatcher needs from the store.
type Log interface {
	AppendNotification(ctx context.Context, recordID string, e screening.NotificationEntry) error
	ClaimNotification(ctx context.Context, c screening.NotificationClaim) (bool, error)
	ResolveNotification(ctx context.Context, recordID, dedupeKey string, outcome screening.DeliveryOutcome) error
	PendingNotifications(ctx context.Context) ([]screening.NotificationClaim, error)
}

// Hooks are optional callbacks for observability.
type Hooks struct {
	OnAttempt    func(ch screening.Channel, outcome screening.DeliveryOutcome)
	OnDispatched func(ch screening.Channel, outcome screening.DeliveryOutcome)
	OnQueueDepth func(n int)
}

// Config tunes a Dispatcher. Zero values fall back to defaults.
type Config struct {
	Workers     int
	MaxAttempts int
	RetryBase   time.Duration
	MaxInterval time.Duration
	Hooks       Hooks
	Now         func() time.Time
}

type item struct {
	action  escalation.Action
	claimed bool
}

// Dispatcher delivers escalation actions on a pool of workers.
type Dispatcher struct {
	log         Log
	dir         account.Directory
	senders     Senders
	workers     int
	maxAttempts int
	retryBase   time.Duration
	maxInterval time.Duration
	hooks       Hooks
	now         func() time.Time
	logger      log.Logger

	mu      sync.Mutex
	queue   []item
	pending int // queued plus in flight
	wake    chan struct{}
}

// New creates a Dispatcher.
func New(nlog Log, dir account.Directory, senders Senders, cfg Config, logger log.Logger) *Dispatcher {
	if nlog == nil || dir == nil {
		panic("notify.New: nil dependency")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = defaultMaxInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		log:         nlog,
		dir:         dir,
		senders:     senders,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		retryBase:   cfg.RetryBase,
		maxInterval: cfg.MaxInterval,
		hooks:       cfg.Hooks,
		now:         cfg.Now,
		logger:      logger.With("component", "dispatcher"),
		wake:        make(chan struct{}, 1),
	}
}

// Enqueue hands actions to the workers. It never blocks.
func (d *Dispatcher) Enqueue(actions ...escalation.Action) {
	d.push(false, actions...)
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for range d.workers {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Recover re-enqueues claims that never reached a terminal outcome, for
// example because the process stopped mid-delivery.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	claims, err := d.log.PendingNotifications(ctx)
	if err != nil {
		return 0, fmt.Errorf("pending notifications: %w", err)
	}
	n := 0
	for _, c := range claims {
		var a escalation.Action
		if err := json.Unmarshal(c.Action, &a); err != nil {
			d.logger.Error(ctx, err, "dropping undecodable notification claim",
				"record_id", c.RecordID,
				"dedupe_key", c.DedupeKey,
			)
			_ = d.log.ResolveNotification(ctx, c.RecordID, c.DedupeKey, screening.OutcomeFailed)
			continue
		}
		d.push(true, a)
		n++
	}
	return n, nil
}

// Drain waits until the queue is empty and nothing is in flight.
func (d *Dispatcher) Drain(ctx context.Context) error {
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for {
		if d.Pending() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Pending is the number of queued and in-flight actions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Dispatch claims and delivers one action. A claim already held by an earlier
// dispatch yields OutcomeDuplicate without sending.
func (d *Dispatcher) Dispatch(ctx context.Context, a escalation.Action) screening.DeliveryOutcome {
	raw, err := json.Marshal(a)
	if err != nil {
		d.logger.Error(ctx, err, "failed to encode action", "record_id", a.RecordID)
		return screening.OutcomeFailed
	}
	ok, err := d.log.ClaimNotification(ctx, screening.NotificationClaim{
		RecordID:  a.RecordID,
		DedupeKey: a.DedupeKey,
		Action:    raw,
		ClaimedAt: d.now(),
	})
	if err != nil {
		// without a claim there is no replay; leave it to the next decision
		d.logger.Error(ctx, err, "failed to claim notification",
			"record_id", a.RecordID,
			"channel", a.Channel,
		)
		return screening.OutcomeFailed
	}
	if !ok {
		d.logger.Info(ctx, "notification already claimed, skipping",
			"record_id", a.RecordID,
			"channel", a.Channel,
			"dedupe_key", a.DedupeKey,
		)
		d.dispatched(a.Channel, screening.OutcomeDuplicate)
		return screening.OutcomeDuplicate
	}
	return d.deliver(ctx, a)
}

func (d *Dispatcher) deliver(ctx context.Context, a escalation.Action) screening.DeliveryOutcome {
	L := d.logger.With(
		"record_id", a.RecordID,
		"channel", a.Channel,
		"recipient", a.Recipient,
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryBase
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxInterval = d.maxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := d.send(ctx, a)
		switch {
		case err == nil:
			d.record(ctx, a, attempt, screening.OutcomeSent, nil)
			return struct{}{}, nil
		case IsPermanent(err), attempt >= d.maxAttempts:
			d.record(ctx, a, attempt, screening.OutcomeFailed, err)
			return struct{}{}, backoff.Permanent(err)
		default:
			d.record(ctx, a, attempt, screening.OutcomeRetrying, err)
			return struct{}{}, err
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(d.maxAttempts)))

	if err != nil && ctx.Err() != nil {
		// claim stays open; Recover picks it up on the next start
		L.Warn(ctx, "delivery interrupted", "attempts", attempt)
		return screening.OutcomeRetrying
	}

	outcome := screening.OutcomeSent
	if err != nil {
		outcome = screening.OutcomeFailed
		L.Error(ctx, err, "notification delivery failed", "attempts", attempt)
	} else {
		L.Info(ctx, "notification sent", "attempts", attempt)
	}

	if rerr := d.log.ResolveNotification(context.WithoutCancel(ctx), a.RecordID, a.DedupeKey, outcome); rerr != nil {
		L.Error(ctx, rerr, "failed to resolve notification claim")
	}
	d.dispatched(a.Channel, outcome)
	return outcome
}

func (d *Dispatcher) send(ctx context.Context, a escalation.Action) error {
	msg := a.Message()
	switch a.Channel {
	case screening.ChannelPush:
		if d.senders.Push == nil {
			return Permanent(fmt.Errorf("push: %w", errNotConfigured))
		}
		return d.senders.Push.PushInApp(ctx, a.SubjectID, msg)

	case screening.ChannelEmail:
		if d.senders.Email == nil {
			return Permanent(fmt.Errorf("email: %w", errNotConfigured))
		}
		s, err := d.dir.Subject(ctx, a.SubjectID)
		if err != nil {
			return err
		}
		if s.Email == "" {
			return Permanent(fmt.Errorf("subject %s: %w", a.SubjectID, errNoRecipient))
		}
		return d.senders.Email.SendEmail(ctx, s.Email, msg)

	case screening.ChannelSMS:
		if d.senders.SMS == nil {
			return Permanent(fmt.Errorf("sms: %w", errNotConfigured))
		}
		s, err := d.dir.Subject(ctx, a.SubjectID)
		if err != nil {
			return err
		}
		phone := s.Phone
		if a.Recipient == screening.RecipientEmergencyContact {
			if s.EmergencyContact == nil {
				return Permanent(fmt.Errorf("subject %s has no emergency contact: %w", a.SubjectID, errNoRecipient))
			}
			phone = s.EmergencyContact.Phone
		}
		if phone == "" {
			return Permanent(fmt.Errorf("subject %s %s: %w", a.SubjectID, a.Recipient, errNoRecipient))
		}
		return d.senders.SMS.SendSMS(ctx, phone, msg.Title+": "+msg.Body)

	case screening.ChannelDoctorAlert:
		if d.senders.DoctorAlert == nil {
			return Permanent(fmt.Errorf("doctor alert: %w", errNotConfigured))
		}
		if a.DoctorID == "" {
			return Permanent(fmt.Errorf("record %s has no assigned doctor: %w", a.RecordID, errNoRecipient))
		}
		doc, err := d.dir.Doctor(ctx, a.DoctorID)
		if err != nil {
			return err
		}
		return d.senders.DoctorAlert.AlertDoctor(ctx, doc, a)

	default:
		return Permanent(fmt.Errorf("unknown channel %q", a.Channel))
	}
}

func (d *Dispatcher) record(ctx context.Context, a escalation.Action, attempt int, outcome screening.DeliveryOutcome, err error) {
	e := screening.NotificationEntry{
		Channel:       a.Channel,
		RecipientRole: a.Recipient,
		DedupeKey:     a.DedupeKey,
		Attempt:       attempt,
		Outcome:       outcome,
		Timestamp:     d.now(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	if aerr := d.log.AppendNotification(context.WithoutCancel(ctx), a.RecordID, e); aerr != nil {
		d.logger.Error(ctx, aerr, "failed to append notification log",
			"record_id", a.RecordID,
			"channel", a.Channel,
			"attempt", attempt,
		)
	}
	if d.hooks.OnAttempt != nil {
		d.hooks.OnAttempt(a.Channel, outcome)
	}
}

func (d *Dispatcher) dispatched(ch screening.Channel, outcome screening.DeliveryOutcome) {
	if d.hooks.OnDispatched != nil {
		d.hooks.OnDispatched(ch, outcome)
	}
}

func (d *Dispatcher) push(claimed bool, actions ...escalation.Action) {
	if len(actions) == 0 {
		return
	}
	d.mu.Lock()
	for _, a := range actions {
		d.queue = append(d.queue, item{action: a, claimed: claimed})
	}
	d.pending += len(actions)
	depth := len(d.queue)
	d.mu.Unlock()

	d.depth(depth)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() (item, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return item{}, false
	}
	it := d.queue[0]
	d.queue[0] = item{}
	d.queue = d.queue[1:]
	if len(d.queue) > 0 {
		// more work for the other workers
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return it, true
}

func (d *Dispatcher) done() {
	d.mu.Lock()
	d.pending--
	depth := len(d.queue)
	d.mu.Unlock()
	d.depth(depth)
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		it, ok := d.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
				continue
			}
		}

		if it.claimed {
			d.deliver(ctx, it.action)
		} else {
			d.Dispatch(ctx, it.action)
		}
		d.done()

		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) depth(n int) {
	if d.hooks.OnQueueDepth != nil {
		d.hooks.OnQueueDepth(n)
	}
}
