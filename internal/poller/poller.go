package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/history"
	"codeberg.org/mutker/bmcctl/internal/keystore"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultInterval    = 5 * time.Second
	defaultPowerSettle = 2 * time.Second
	defaultFanSettle   = 500 * time.Millisecond
	fetchConcurrency   = 4
	subscriberBuffer   = 1
	discardTimeout     = 5 * time.Second
)

type Options struct {
	Interval    time.Duration
	PowerSettle time.Duration
	FanSettle   time.Duration
	// Recorder receives a sample after every fully successful cycle
	Recorder history.Recorder
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.PowerSettle <= 0 {
		o.PowerSettle = defaultPowerSettle
	}
	if o.FanSettle <= 0 {
		o.FanSettle = defaultFanSettle
	}
	return o
}

// Poller owns the telemetry snapshot for one BMC. It is the only writer of
// that snapshot; readers get copies through Snapshot and Subscribe.
type Poller struct {
	client bmc.API
	store  keystore.Store
	opts   Options
	log    logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	fetching         atomic.Bool
	reauthenticating atomic.Bool

	mu           sync.Mutex
	snap         Snapshot
	generation   uint64
	pollCancel   context.CancelFunc
	reauthCancel context.CancelFunc
	subs         map[int]chan Snapshot
	nextSub      int
	closed       bool

	// queued asks the running fetch to go round once more when it finishes
	queued bool
}

func New(client bmc.API, store keystore.Store, opts Options, log logger.Logger) *Poller {
	ctx, cancel := context.WithCancel(context.Background())

	return &Poller{
		client: client,
		store:  store,
		opts:   opts.withDefaults(),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]chan Snapshot),
	}
}

// Snapshot returns a copy of the current state
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.clone()
}

// Subscribe returns a channel that receives a copy of the snapshot after each
// change. Slow readers only see the latest value. The returned func
// unsubscribes and closes the channel.
func (p *Poller) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Snapshot, subscriberBuffer)
	if p.closed {
		close(ch)
		return ch, func() {}
	}

	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	ch <- p.snap.clone()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if sub, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(sub)
			}
		})
	}
}

// Login authenticates with explicit credentials. On success it fetches once
// and starts polling. On failure the error is published and returned.
func (p *Poller) Login(ctx context.Context, address, username, password string) error {
	var gen uint64
	p.update(func(s *Snapshot) {
		gen = p.generation
		s.State = Authenticating
		s.Loading = true
		s.ErrorMessage = nil
	})

	if _, err := p.client.Login(ctx, address, username, password); err != nil {
		p.log.Warn().Err(err).Str("address", address).Msg("Login failed")
		p.apply(gen, func(s *Snapshot) {
			s.State = LoggedOut
			s.Authenticated = false
			s.Loading = false
			s.ErrorMessage = stringPtr(err.Error())
		})
		return err
	}

	p.onAuthenticated(ctx, gen)
	return nil
}

// AttemptAutoLogin logs in with stored credentials. Failure is silent: the
// store is cleared, polling stops and the poller is left logged out. A
// canceled attempt keeps the store. A result that arrives after Logout is
// discarded.
func (p *Poller) AttemptAutoLogin(ctx context.Context) bool {
	var gen uint64
	p.update(func(s *Snapshot) {
		gen = p.generation
		s.State = Authenticating
		s.Loading = true
	})

	_, err := p.client.LoginWithStoredCredentials(ctx)
	if p.loggedOutSince(gen) {
		p.log.Debug().Err(err).Msg("Logged out during auto-login, discarding result")
		if err == nil {
			p.discardSession(ctx)
		}
		return false
	}

	if err != nil {
		p.log.Debug().Err(err).Msg("Auto-login failed")
		p.StopPolling()

		if !bmc.IsCanceled(err) && ctx.Err() == nil {
			p.client.ResetSession()
			if err := p.store.Clear(ctx); err != nil {
				p.log.Warn().Err(err).Msg("Failed to clear stored credentials")
			}
		}

		p.apply(gen, func(s *Snapshot) {
			s.State = LoggedOut
			s.Authenticated = false
			s.Loading = false
			s.ErrorMessage = nil
		})
		return false
	}

	return p.onAuthenticated(ctx, gen)
}

// onAuthenticated publishes the new session, fetches once and starts polling,
// unless a logout happened since gen was read.
func (p *Poller) onAuthenticated(ctx context.Context, gen uint64) bool {
	address := p.client.Session().Address

	var current bool
	p.update(func(s *Snapshot) {
		if gen != p.generation {
			return
		}
		current = true
		p.queued = true
		s.State = LoggedIn
		s.Authenticated = true
		s.Loading = false
		s.Address = address
		s.ErrorMessage = nil
	})

	if !current {
		p.log.Debug().Msg("Logged out during login, discarding session")
		p.discardSession(ctx)
		return false
	}

	p.fetchAll(ctx, gen)

	p.mu.Lock()
	if gen == p.generation {
		p.startPollingLocked()
	}
	p.mu.Unlock()

	return true
}

// discardSession ends a session that was established after a logout
func (p *Poller) discardSession(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()

	if err := p.client.Logout(ctx); err != nil {
		p.log.Warn().Err(err).Msg("Failed to discard session")
	}
}

func (p *Poller) loggedOutSince(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.generation
}

// Resume marks the poller logged in when the client already holds a session,
// such as one restored from the store. It neither fetches nor starts polling.
func (p *Poller) Resume() bool {
	session := p.client.Session()
	if !session.Authenticated() {
		return false
	}

	p.update(func(s *Snapshot) {
		s.State = LoggedIn
		s.Authenticated = true
		s.Address = session.Address
	})
	return true
}

// FetchAll refreshes power, fans, PSUs and CPU temperatures concurrently. It
// returns false without doing anything if a fetch is already running.
// LastUpdated only advances when all four fetches succeed.
func (p *Poller) FetchAll(ctx context.Context) bool {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	return p.fetchAll(ctx, gen)
}

func (p *Poller) fetchAll(ctx context.Context, gen uint64) bool {
	if !p.fetching.CompareAndSwap(false, true) {
		p.log.Debug().Msg("Fetch already in progress, skipping")
		return false
	}

	for {
		ran := p.fetchCycle(ctx, gen)
		p.fetching.Store(false)

		next, ok := p.takeQueued()
		if !ok || !p.fetching.CompareAndSwap(false, true) {
			return ran
		}
		p.log.Debug().Msg("Running queued fetch")
		gen = next
	}
}

// takeQueued clears a pending follow-up fetch request and returns the
// generation it belongs to.
func (p *Poller) takeQueued() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.queued {
		return 0, false
	}
	p.queued = false
	return p.generation, true
}

func (p *Poller) fetchCycle(ctx context.Context, gen uint64) bool {
	cycle := uuid.New()

	var current bool
	p.update(func(s *Snapshot) {
		if gen != p.generation {
			return
		}
		current = true
		// This cycle serves any follow-up requested before it started
		p.queued = false
		s.ErrorMessage = nil
		s.Loading = true
		if s.State == LoggedIn {
			s.State = Refreshing
		}
	})
	if !current {
		return false
	}

	var failed, canceled atomic.Int32
	g := new(errgroup.Group)
	g.SetLimit(fetchConcurrency)

	tasks := []struct {
		name  string
		fetch func(context.Context, uint64) error
	}{
		{"power", p.fetchPower},
		{"fans", p.fetchFans},
		{"psu", p.fetchPSU},
		{"cpu_temps", p.fetchCPUTemps},
	}

	for _, task := range tasks {
		g.Go(func() error {
			if err := task.fetch(ctx, gen); err != nil {
				if p.handleError(err, task.name) {
					failed.Add(1)
				} else {
					canceled.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var (
		complete bool
		sample   *history.Sample
	)
	p.update(func(s *Snapshot) {
		if gen != p.generation {
			return
		}
		s.Loading = false
		if s.State == Refreshing {
			s.State = LoggedIn
		}
		s.FailedFetches = int(failed.Load())

		if failed.Load() == 0 && canceled.Load() == 0 {
			now := time.Now()
			s.LastUpdated = &now
			complete = true

			if p.opts.Recorder != nil && s.Power != nil && s.Fans != nil && s.PSU != nil {
				sample = history.NewSample(cycle, now, *s.Power, *s.Fans, *s.PSU, s.CPUTemps)
			}
		}
	})

	p.log.Debug().
		Str("cycle", cycle.String()).
		Int32("failed", failed.Load()).
		Int32("canceled", canceled.Load()).
		Bool("complete", complete).
		Msg("Fetch cycle finished")

	if sample != nil {
		if err := p.opts.Recorder.Record(ctx, sample); err != nil {
			p.log.Warn().Err(err).Str("cycle", cycle.String()).Msg("Failed to record history sample")
		}
	}

	return true
}

// Refresh is a manual FetchAll
func (p *Poller) Refresh(ctx context.Context) bool {
	return p.FetchAll(ctx)
}

func (p *Poller) fetchPower(ctx context.Context, gen uint64) error {
	power, err := p.client.GetPowerStatus(ctx)
	if err != nil {
		return err
	}
	p.apply(gen, func(s *Snapshot) { s.Power = &power })
	return nil
}

func (p *Poller) fetchFans(ctx context.Context, gen uint64) error {
	fans, err := p.client.GetFanInfo(ctx)
	if err != nil {
		return err
	}
	p.apply(gen, func(s *Snapshot) { s.Fans = &fans })
	return nil
}

func (p *Poller) fetchPSU(ctx context.Context, gen uint64) error {
	psu, err := p.client.GetPSUInfo(ctx)
	if err != nil {
		return err
	}
	p.apply(gen, func(s *Snapshot) { s.PSU = &psu })
	return nil
}

func (p *Poller) fetchCPUTemps(ctx context.Context, gen uint64) error {
	sensors, err := p.client.GetSensors(ctx)
	if err != nil {
		return err
	}
	temps := bmc.CPUTemperatures(sensors)
	p.apply(gen, func(s *Snapshot) { s.CPUTemps = temps })
	return nil
}

// PowerOn powers the chassis on and re-reads power status once the BMC has
// had time to settle.
func (p *Poller) PowerOn(ctx context.Context) error {
	if err := p.client.PowerOn(ctx); err != nil {
		p.handleError(err, "power_on")
		return err
	}

	if err := sleep(ctx, p.opts.PowerSettle); err != nil {
		return err
	}

	p.refresh(ctx, "power", p.fetchPower)
	return nil
}

func (p *Poller) SetFanSpeed(ctx context.Context, fanID, duty int) error {
	if err := p.client.SetFanSpeed(ctx, fanID, duty); err != nil {
		p.handleError(err, "set_fan_speed")
		return err
	}

	if err := sleep(ctx, p.opts.FanSettle); err != nil {
		return err
	}

	p.refresh(ctx, "fans", p.fetchFans)
	return nil
}

// SetAllFanSpeeds writes duty to every present fan concurrently. The first
// failure cancels the remaining writes and is returned. Fan info is refreshed
// afterwards whether or not the writes succeeded.
func (p *Poller) SetAllFanSpeeds(ctx context.Context, duty int) error {
	p.mu.Lock()
	var ids []int
	if p.snap.Fans != nil {
		ids = p.snap.Fans.PresentFanIDs()
	}
	hasFans := p.snap.Fans != nil
	p.mu.Unlock()

	if !hasFans {
		return errors.New().New(ErrNoFanInfo)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			return p.client.SetFanSpeed(gctx, id, duty)
		})
	}

	err := g.Wait()
	if err != nil {
		p.handleError(err, "set_all_fan_speeds")
	}

	if serr := sleep(ctx, p.opts.FanSettle); serr != nil {
		if err != nil {
			return err
		}
		return serr
	}

	p.refresh(ctx, "fans", p.fetchFans)
	return err
}

func (p *Poller) SetFanMode(ctx context.Context, mode bmc.FanMode) error {
	if err := p.client.SetFanMode(ctx, mode); err != nil {
		p.handleError(err, "set_fan_mode")
		return err
	}

	if err := sleep(ctx, p.opts.FanSettle); err != nil {
		return err
	}

	p.refresh(ctx, "fans", p.fetchFans)
	return nil
}

// StartPolling runs FetchAll on every interval tick until StopPolling. It is
// a no-op while polling is already running.
func (p *Poller) StartPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startPollingLocked()
}

func (p *Poller) startPollingLocked() {
	if p.pollCancel != nil || p.closed || p.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.pollCancel = cancel

	p.wg.Add(1)
	go p.poll(ctx)

	p.log.Debug().Dur("interval", p.opts.Interval).Msg("Polling started")
}

// StopPolling stops the ticker and cancels in-flight polling requests
func (p *Poller) StopPolling() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopPollingLocked()
}

func (p *Poller) stopPollingLocked() {
	if p.pollCancel == nil {
		return
	}
	p.pollCancel()
	p.pollCancel = nil

	p.log.Debug().Msg("Polling stopped")
}

// Polling reports whether the ticker is running
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollCancel != nil
}

func (p *Poller) poll(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.FetchAll(ctx)
		}
	}
}

// Logout stops polling and any re-authentication, drops all telemetry, ends
// the session and clears stored credentials. Logins still in flight are
// discarded when they complete.
func (p *Poller) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.generation++
	p.queued = false
	p.stopPollingLocked()
	if p.reauthCancel != nil {
		p.reauthCancel()
	}
	p.snap = Snapshot{State: LoggedOut}
	p.notifyLocked()
	p.mu.Unlock()

	err := p.client.Logout(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("Logout did not clear the credential store")
		if cerr := p.store.Clear(ctx); cerr != nil {
			p.log.Warn().Err(cerr).Msg("Failed to clear stored credentials")
		}
	}

	return err
}

// Close stops polling and background re-authentication and closes all
// subscriptions.
func (p *Poller) Close() error {
	p.StopPolling()
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, ch := range p.subs {
		close(ch)
		delete(p.subs, id)
	}

	return nil
}

// handleError publishes err unless it is a cancellation, and kicks off
// re-authentication for expired sessions. It returns false for cancellations.
func (p *Poller) handleError(err error, op string) bool {
	if bmc.IsCanceled(err) {
		p.log.Debug().Str("op", op).Msg("Request canceled")
		return false
	}

	p.log.Warn().Err(err).Str("op", op).Msg("BMC request failed")
	p.update(func(s *Snapshot) {
		s.ErrorMessage = stringPtr(err.Error())
	})

	if bmc.IsUnauthorized(err) {
		p.reauthenticate()
	}

	return true
}

// reauthenticate starts at most one background auto-login at a time
func (p *Poller) reauthenticate() {
	if !p.reauthenticating.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	if p.closed || p.ctx.Err() != nil {
		p.mu.Unlock()
		p.reauthenticating.Store(false)
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.reauthCancel = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	p.log.Info().Msg("Session expired, re-authenticating")

	go func() {
		defer p.wg.Done()
		defer p.reauthenticating.Store(false)
		defer func() {
			p.mu.Lock()
			p.reauthCancel = nil
			p.mu.Unlock()
			cancel()
		}()

		p.AttemptAutoLogin(ctx)
	}()
}

func (p *Poller) refresh(ctx context.Context, name string, fetch func(context.Context, uint64) error) {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	if err := fetch(ctx, gen); err != nil {
		p.handleError(err, name)
	}
}

// apply mutates the snapshot unless a logout happened since gen was read
func (p *Poller) apply(gen uint64, fn func(*Snapshot)) {
	p.update(func(s *Snapshot) {
		if gen == p.generation {
			fn(s)
		}
	})
}

func (p *Poller) update(fn func(*Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn(&p.snap)
	p.notifyLocked()
}

func (p *Poller) notifyLocked() {
	for _, ch := range p.subs {
		snap := p.snap.clone()
		select {
		case ch <- snap:
		default:
			// Drop the stale value so the latest one fits
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
