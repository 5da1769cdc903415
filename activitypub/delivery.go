package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/deemkeen/linkfed/domain"
	"github.com/deemkeen/linkfed/util"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DeliverySettings tunes the per-instance delivery workers.
type DeliverySettings struct {
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// MaxAttempts is how often one activity is tried before it is dropped.
	MaxAttempts int
	// DegradedAfter consecutive failures mark an instance degraded.
	DegradedAfter int
	IdleTimeout   time.Duration
	BatchSize     int
	StatsInterval time.Duration
}

func DeliverySettingsFromConfig(conf *util.AppConfig) DeliverySettings {
	return DeliverySettings{
		BaseRetryDelay: conf.BaseRetryDelay(),
		MaxRetryDelay:  conf.MaxRetryDelay(),
		MaxAttempts:    conf.Federation.Delivery.MaxAttempts,
		DegradedAfter:  conf.Federation.Delivery.DegradedAfter,
		IdleTimeout:    conf.IdleTimeout(),
		BatchSize:      conf.Federation.Delivery.BatchSize,
		StatsInterval:  conf.StatsInterval(),
	}
}

func (s DeliverySettings) withDefaults() DeliverySettings {
	if s.BaseRetryDelay <= 0 {
		s.BaseRetryDelay = 10 * time.Second
	}
	if s.MaxRetryDelay < s.BaseRetryDelay {
		s.MaxRetryDelay = s.BaseRetryDelay
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 10
	}
	if s.DegradedAfter <= 0 {
		s.DegradedAfter = 5
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 5 * time.Minute
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 50
	}
	return s
}

// RetryDelay is the wait after the n-th consecutive failure: base doubled per
// failure, capped at max.
func RetryDelay(base, max time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type deliveryOutcome int

const (
	delivered deliveryOutcome = iota
	deliverySkipped
	deliveryPermanent
	deliveryRetry
)

// deliveryError is a failed POST to one inbox.
type deliveryError struct {
	inbox  string
	status int
	err    error
}

func (e *deliveryError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("deliver to %s: %v", e.inbox, e.err)
	}
	return fmt.Sprintf("deliver to %s: status %d", e.inbox, e.status)
}

func (e *deliveryError) Unwrap() error {
	return ErrDeliveryFailed
}

// permanent reports whether retrying cannot help: the remote rejected the activity.
func (e *deliveryError) permanent() bool {
	return e.status >= 400 && e.status < 500 &&
		e.status != http.StatusRequestTimeout && e.status != http.StatusTooManyRequests
}

// QueueStatus is the delivery state of one instance.
type QueueStatus struct {
	domain.FederationQueueState
	// Active is true while a worker is running for the instance.
	Active bool
}

// Dispatcher runs one delivery worker per remote instance with pending entries
// in the outbound log. A worker delivers that instance's entries strictly in log
// order, backs off on failure and retires after being idle.
type Dispatcher struct {
	fed      *Federation
	settings DeliverySettings

	mu      sync.Mutex
	workers map[string]*instanceWorker
	ctx     context.Context
	wg      sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

type instanceWorker struct {
	domain string
	wake   chan struct{}

	mu    sync.Mutex
	state domain.FederationQueueState
}

func (w *instanceWorker) setState(s domain.FederationQueueState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *instanceWorker) snapshot() domain.FederationQueueState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// NewDispatcher creates the dispatcher and registers it to be notified of new outbound entries.
func NewDispatcher(fed *Federation, settings DeliverySettings) *Dispatcher {
	d := &Dispatcher{
		fed:      fed,
		settings: settings.withDefaults(),
		workers:  make(map[string]*instanceWorker),
		sleep:    sleepContext,
		now:      time.Now,
	}
	fed.SetNotifier(d)
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start resumes delivery to every instance that still has entries past its
// cursor. Workers stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	domains, err := d.fed.Store.ReadPendingDomains(ctx)
	if err != nil {
		return fmt.Errorf("read pending domains: %w", err)
	}
	if len(domains) > 0 {
		d.fed.Log.Infow("DeliveryWorker: resuming delivery", "instances", len(domains))
	}
	d.Notify(domains)

	if d.settings.StatsInterval > 0 {
		d.wg.Add(1)
		go d.statsLoop(ctx)
	}
	return nil
}

// Notify wakes the workers of the given instances, starting those not running.
// Notifications before Start are dropped; Start picks the entries up.
func (d *Dispatcher) Notify(domains []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil || d.ctx.Err() != nil {
		return
	}
	for _, host := range domains {
		w, ok := d.workers[host]
		if !ok {
			w = &instanceWorker{
				domain: host,
				wake:   make(chan struct{}, 1),
				state:  domain.FederationQueueState{Domain: host},
			}
			d.workers[host] = w
			d.wg.Add(1)
			go d.run(d.ctx, w)
		}
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, w *instanceWorker) {
	defer d.wg.Done()
	if err := d.process(ctx, w); err != nil && ctx.Err() == nil {
		d.fed.Log.Errorw("DeliveryWorker: worker stopped", "instance", w.domain, "error", err)
		d.mu.Lock()
		delete(d.workers, w.domain)
		d.mu.Unlock()
	}
}

func (d *Dispatcher) loadState(ctx context.Context, host string) (*domain.FederationQueueState, error) {
	inst, err := d.fed.Store.ReadOrCreateInstance(ctx, host)
	if err != nil {
		return nil, err
	}
	state, err := d.fed.Store.ReadQueueState(ctx, host)
	if errors.Is(err, ErrNotFound) {
		return &domain.FederationQueueState{InstanceId: inst.Id, Domain: host}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (d *Dispatcher) process(ctx context.Context, w *instanceWorker) error {
	state, err := d.loadState(ctx, w.domain)
	if err != nil {
		return err
	}
	w.setState(*state)

	for {
		items, err := d.fed.Store.ReadPendingDeliveries(ctx, state.InstanceId, state.LastSuccessfulId, d.settings.BatchSize)
		if err != nil {
			d.fed.Log.Warnw("DeliveryWorker: failed to read queue", "instance", w.domain, "error", err)
			if err := d.sleep(ctx, d.settings.BaseRetryDelay); err != nil {
				return err
			}
			continue
		}

		if len(items) == 0 {
			select {
			case <-w.wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.settings.IdleTimeout):
			}
			d.mu.Lock()
			if len(w.wake) == 0 {
				delete(d.workers, w.domain)
				d.mu.Unlock()
				d.fed.Log.Debugw("DeliveryWorker: idle, retiring", "instance", w.domain)
				return nil
			}
			d.mu.Unlock()
			continue
		}

		for i := range items {
			if err := d.deliverItem(ctx, w, state, &items[i]); err != nil {
				return err
			}
		}
	}
}

// deliverItem retries one entry until it is delivered, rejected, skipped or out
// of attempts. Retries only go to inboxes that are not done. It only returns an
// error when ctx is done.
func (d *Dispatcher) deliverItem(ctx context.Context, w *instanceWorker, state *domain.FederationQueueState, item *domain.DeliveryQueueItem) error {
	attempts := 0
	done := make(map[string]bool, len(item.Inboxes))
	for {
		if err := d.waitBackoff(ctx, state); err != nil {
			return err
		}

		outcome, err := d.attempt(ctx, w.domain, item, done)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch outcome {
		case delivered:
			if state.Degraded {
				d.fed.Log.Infow("DeliveryWorker: instance recovered", "instance", w.domain)
			}
			d.resetFailures(state)
			d.advance(ctx, w, state, item)
			return nil
		case deliverySkipped:
			d.fed.Log.Debugw("DeliveryWorker: instance not allowed, skipping", "instance", w.domain, "activity", item.ActivityURI)
			d.advance(ctx, w, state, item)
			return nil
		case deliveryPermanent:
			d.fed.Log.Warnw("DeliveryWorker: activity rejected", "instance", w.domain, "activity", item.ActivityURI, "error", err)
			d.resetFailures(state)
			d.advance(ctx, w, state, item)
			return nil
		}

		attempts++
		now := d.now()
		state.FailCount++
		state.LastRetryAt = &now
		if state.FailCount >= d.settings.DegradedAfter && !state.Degraded {
			state.Degraded = true
			d.fed.Log.Warnw("DeliveryWorker: instance degraded", "instance", w.domain, "failures", state.FailCount)
		}

		if attempts >= d.settings.MaxAttempts {
			d.fed.Log.Errorw("DeliveryWorker: giving up on activity", "instance", w.domain,
				"activity", item.ActivityURI, "attempts", attempts, "error", err)
			d.advance(ctx, w, state, item)
			return nil
		}
		d.fed.Log.Infow("DeliveryWorker: delivery failed, will retry", "instance", w.domain,
			"activity", item.ActivityURI, "attempt", attempts,
			"retry_in", RetryDelay(d.settings.BaseRetryDelay, d.settings.MaxRetryDelay, state.FailCount), "error", err)
		d.persist(ctx, w, state)
	}
}

// waitBackoff sleeps out whatever remains of the delay after the last failure,
// which also covers a restart in the middle of a failure streak.
func (d *Dispatcher) waitBackoff(ctx context.Context, state *domain.FederationQueueState) error {
	if state.FailCount == 0 || state.LastRetryAt == nil {
		return nil
	}
	delay := RetryDelay(d.settings.BaseRetryDelay, d.settings.MaxRetryDelay, state.FailCount)
	wait := state.LastRetryAt.Add(delay).Sub(d.now())
	if wait <= 0 {
		return nil
	}
	return d.sleep(ctx, wait)
}

func (d *Dispatcher) resetFailures(state *domain.FederationQueueState) {
	state.FailCount = 0
	state.LastRetryAt = nil
	state.Degraded = false
}

func (d *Dispatcher) advance(ctx context.Context, w *instanceWorker, state *domain.FederationQueueState, item *domain.DeliveryQueueItem) {
	published := item.Published
	state.LastSuccessfulId = item.ActivityId
	state.LastSuccessfulPublishedAt = &published
	d.persist(ctx, w, state)
}

// persist stores the cursor. A lost write only means redelivery after a restart.
func (d *Dispatcher) persist(ctx context.Context, w *instanceWorker, state *domain.FederationQueueState) {
	if err := d.fed.Store.UpsertQueueState(ctx, state); err != nil {
		d.fed.Log.Warnw("DeliveryWorker: failed to save queue state", "instance", w.domain, "error", err)
	}
	w.setState(*state)
}

// attempt posts the item to every inbox that is not done yet. An inbox is done
// once it accepted the activity (true) or rejected it for good (false). The
// item is rejected as a whole only when no inbox of the instance accepted it.
func (d *Dispatcher) attempt(ctx context.Context, host string, item *domain.DeliveryQueueItem, done map[string]bool) (deliveryOutcome, error) {
	if err := d.fed.Policy.Check(ctx, host); err != nil {
		if isPolicyError(err) {
			return deliverySkipped, err
		}
		return deliveryRetry, err
	}

	var retryErr, rejectErr error
	for _, inbox := range item.Inboxes {
		if _, ok := done[inbox]; ok {
			continue
		}
		err := d.post(ctx, item, inbox)
		if err == nil {
			done[inbox] = true
			continue
		}
		var de *deliveryError
		if errors.As(err, &de) && de.permanent() {
			done[inbox] = false
			rejectErr = err
			d.fed.Log.Infow("DeliveryWorker: inbox rejected activity", "inbox", inbox, "activity", item.ActivityURI, "status", de.status)
			continue
		}
		if ctx.Err() != nil {
			return deliveryRetry, err
		}
		retryErr = err
	}
	if retryErr != nil {
		return deliveryRetry, retryErr
	}
	for _, accepted := range done {
		if accepted {
			return delivered, nil
		}
	}
	if rejectErr != nil {
		return deliveryPermanent, rejectErr
	}
	return delivered, nil
}

// post signs the logged payload as its actor and POSTs it to one inbox.
func (d *Dispatcher) post(ctx context.Context, item *domain.DeliveryQueueItem, inbox string) error {
	ctx, span := d.fed.tracer.Start(ctx, "deliver", trace.WithAttributes(
		attribute.String("activity.id", item.ActivityURI),
		attribute.String("inbox", inbox),
	))
	defer span.End()

	err := d.doPost(ctx, item, inbox)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (d *Dispatcher) doPost(ctx context.Context, item *domain.DeliveryQueueItem, inbox string) error {
	keyID, key, err := d.fed.Keys.SigningKey(ctx, item.ActorURI)
	if err != nil {
		// without a key no retry can succeed
		return &deliveryError{inbox: inbox, status: http.StatusBadRequest, err: err}
	}

	if timeout := d.fed.Settings.HTTPTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	body := []byte(item.ActivityJSON)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return &deliveryError{inbox: inbox, status: http.StatusBadRequest, err: err}
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", d.fed.Settings.UserAgent)
	if err := SignRequest(req, key, keyID, body); err != nil {
		return &deliveryError{inbox: inbox, status: http.StatusBadRequest, err: err}
	}

	resp, err := d.fed.Client.Do(req)
	if err != nil {
		return &deliveryError{inbox: inbox, err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &deliveryError{inbox: inbox, status: resp.StatusCode}
	}
	d.fed.Log.Debugw("DeliveryWorker: delivered", "inbox", inbox, "activity", item.ActivityURI, "status", resp.StatusCode)
	return nil
}

func (d *Dispatcher) statsLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.settings.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.logStats()
		}
	}
}

func (d *Dispatcher) logStats() {
	d.mu.Lock()
	workers := make([]*instanceWorker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	degraded := 0
	for _, w := range workers {
		s := w.snapshot()
		if s.Degraded {
			degraded++
			d.fed.Log.Warnw("DeliveryWorker: degraded instance", "instance", w.domain,
				"failures", s.FailCount, "last_successful_id", s.LastSuccessfulId)
		}
	}
	d.fed.Log.Infow("DeliveryWorker: stats", "active", len(workers), "degraded", degraded)
}

func (d *Dispatcher) activeWorker(host string) *instanceWorker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.workers[host]
}

// CurrentQueueState reports the delivery state of one instance. Running workers
// report their in-memory state, which may be ahead of the stored one.
func (d *Dispatcher) CurrentQueueState(ctx context.Context, host string) (*QueueStatus, error) {
	if w := d.activeWorker(host); w != nil {
		return &QueueStatus{FederationQueueState: w.snapshot(), Active: true}, nil
	}
	state, err := d.fed.Store.ReadQueueState(ctx, host)
	if err != nil {
		return nil, err
	}
	return &QueueStatus{FederationQueueState: *state}, nil
}

// QueueStates reports every instance that has ever had a delivery, sorted by domain.
func (d *Dispatcher) QueueStates(ctx context.Context) ([]QueueStatus, error) {
	stored, err := d.fed.Store.ReadQueueStates(ctx)
	if err != nil {
		return nil, err
	}
	byDomain := make(map[string]QueueStatus, len(stored))
	for _, s := range stored {
		byDomain[s.Domain] = QueueStatus{FederationQueueState: s}
	}

	d.mu.Lock()
	for host, w := range d.workers {
		byDomain[host] = QueueStatus{FederationQueueState: w.snapshot(), Active: true}
	}
	d.mu.Unlock()

	out := make([]QueueStatus, 0, len(byDomain))
	for _, s := range byDomain {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}
