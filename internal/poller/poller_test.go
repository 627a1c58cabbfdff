package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"codeberg.org/mutker/bmcctl/internal/errors"
	"codeberg.org/mutker/bmcctl/internal/history"
	"codeberg.org/mutker/bmcctl/internal/keystore"
	"codeberg.org/mutker/bmcctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "10.0.0.42"

var errFactory = errors.New()

// fakeAPI is a scriptable bmc.API
type fakeAPI struct {
	mu             sync.Mutex
	expired        bool
	power          bmc.PowerStatus
	fans           bmc.FanInfo
	psuErr         error
	loginErr       error
	storedLoginErr error
	setFanErr      map[int]error
	setFan         map[int]int
	blockPower     chan struct{}
	releaseLogin   chan struct{}
	token          string

	// loginIgnoresCancel makes a blocked stored login wait for releaseLogin
	// even after its context is canceled
	loginIgnoresCancel bool

	// store, when set, receives the password on login and is cleared on logout
	store keystore.Store

	logins       atomic.Int32
	storedLogins atomic.Int32
	logouts      atomic.Int32
	resets       atomic.Int32
	powerCalls   atomic.Int32
	fanCalls     atomic.Int32
	psuCalls     atomic.Int32
	sensorCalls  atomic.Int32
	powerOns     atomic.Int32
	modeCalls    atomic.Int32
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		power: bmc.PowerStatus{PowerStatusRaw: 1},
		fans: bmc.FanInfo{
			ControlMode: bmc.FanModeManual,
			Fans: []bmc.Fan{
				{ID: 0, PresentRaw: 1, SpeedPercent: 30, SpeedRPM: 4000},
				{ID: 1, PresentRaw: 1, SpeedPercent: 30, SpeedRPM: 4100},
				{ID: 2, PresentRaw: 0},
				{ID: 3, PresentRaw: 1, SpeedPercent: 30, SpeedRPM: 3900},
			},
		},
		setFanErr: make(map[int]error),
		setFan:    make(map[int]int),
		token:     "token",
	}
}

func (f *fakeAPI) authErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.expired {
		return errFactory.New(bmc.ErrUnauthorized)
	}
	return nil
}

func (f *fakeAPI) set(fn func(*fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) Login(_ context.Context, _, _, _ string) (bmc.LoginResponse, error) {
	f.logins.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loginErr != nil {
		return bmc.LoginResponse{}, f.loginErr
	}
	return f.loggedInLocked(), nil
}

func (f *fakeAPI) loggedInLocked() bmc.LoginResponse {
	f.expired = false
	f.token = "token"
	if f.store != nil {
		_ = f.store.Set(context.Background(), keystore.KeyPassword, "secret")
	}
	return bmc.LoginResponse{CSRFToken: f.token}
}

func (f *fakeAPI) LoginWithStoredCredentials(ctx context.Context) (bmc.LoginResponse, error) {
	f.storedLogins.Add(1)

	f.mu.Lock()
	release := f.releaseLogin
	ignoreCancel := f.loginIgnoresCancel
	f.mu.Unlock()
	if release != nil {
		done := ctx.Done()
		if ignoreCancel {
			done = nil
		}
		select {
		case <-release:
		case <-done:
			return bmc.LoginResponse{}, errFactory.Wrap(bmc.ErrNetwork, ctx.Err())
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storedLoginErr != nil {
		return bmc.LoginResponse{}, f.storedLoginErr
	}
	return f.loggedInLocked(), nil
}

func (f *fakeAPI) Logout(ctx context.Context) error {
	f.logouts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	if f.store != nil {
		return f.store.Clear(ctx)
	}
	return nil
}

func (f *fakeAPI) Session() bmc.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bmc.Session{Address: testAddress, CSRFToken: f.token}
}

func (f *fakeAPI) ResetSession() string {
	f.resets.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = ""
	return testAddress
}

func (f *fakeAPI) GetPowerStatus(ctx context.Context) (bmc.PowerStatus, error) {
	f.powerCalls.Add(1)

	f.mu.Lock()
	block := f.blockPower
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return bmc.PowerStatus{}, errFactory.Wrap(bmc.ErrNetwork, ctx.Err())
		}
	}

	if err := f.authErr(); err != nil {
		return bmc.PowerStatus{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.power, nil
}

func (f *fakeAPI) PowerOn(context.Context) error {
	f.powerOns.Add(1)
	return f.authErr()
}

func (f *fakeAPI) GetFanMode(context.Context) (bmc.FanModeSetting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bmc.FanModeSetting{ControlMode: f.fans.ControlMode}, nil
}

func (f *fakeAPI) GetFanInfo(context.Context) (bmc.FanInfo, error) {
	f.fanCalls.Add(1)
	if err := f.authErr(); err != nil {
		return bmc.FanInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.fans
	info.Fans = append([]bmc.Fan(nil), f.fans.Fans...)
	return info, nil
}

func (f *fakeAPI) SetFanSpeed(ctx context.Context, fanID, duty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.setFanErr[fanID]; err != nil {
		return err
	}
	if ctx.Err() != nil {
		return errFactory.Wrap(bmc.ErrNetwork, ctx.Err())
	}
	f.setFan[fanID] = duty
	return nil
}

func (f *fakeAPI) SetFanMode(_ context.Context, mode bmc.FanMode) error {
	f.modeCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fans.ControlMode = mode
	return nil
}

func (f *fakeAPI) GetPSUInfo(context.Context) (bmc.PSUInfo, error) {
	f.psuCalls.Add(1)
	if err := f.authErr(); err != nil {
		return bmc.PSUInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.psuErr != nil {
		return bmc.PSUInfo{}, f.psuErr
	}
	return bmc.PSUInfo{
		PresentPowerReading: 320,
		PowerSupplies: []bmc.PowerSupply{
			{ID: 0, PresentRaw: 1, InputPowerW: 170, OutputPowerW: 160},
		},
	}, nil
}

func (f *fakeAPI) GetSensors(context.Context) ([]bmc.Sensor, error) {
	f.sensorCalls.Add(1)
	if err := f.authErr(); err != nil {
		return nil, err
	}
	return []bmc.Sensor{
		{Name: "CPU1_Temp", Reading: 51},
		{Name: "CPU0_Temp", Reading: 48},
		{Name: "CPU0_Temp_Margin", Reading: -40},
	}, nil
}

type captureRecorder struct {
	mu      sync.Mutex
	samples []*history.Sample
}

func (r *captureRecorder) Record(_ context.Context, s *history.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
	return nil
}

func (r *captureRecorder) Close() error { return nil }

func (r *captureRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func testOptions() Options {
	return Options{
		Interval:    time.Hour,
		PowerSettle: time.Millisecond,
		FanSettle:   time.Millisecond,
	}
}

func newTestPoller(t *testing.T, api *fakeAPI, opts Options) (*Poller, keystore.Store) {
	t.Helper()

	store := keystore.NewMemory()
	p := New(api, store, opts, logger.Nop())
	t.Cleanup(func() { _ = p.Close() })

	return p, store
}

func loggedIn(t *testing.T, api *fakeAPI, opts Options) (*Poller, keystore.Store) {
	t.Helper()

	p, store := newTestPoller(t, api, opts)
	require.NoError(t, p.Login(context.Background(), testAddress, "admin", "secret"))
	return p, store
}

func TestLoginFetchesAndStartsPolling(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())

	snap := p.Snapshot()
	assert.Equal(t, LoggedIn, snap.State)
	assert.True(t, snap.Authenticated)
	assert.False(t, snap.Loading)
	assert.Equal(t, testAddress, snap.Address)
	require.NotNil(t, snap.Power)
	assert.True(t, snap.Power.PowerOn())
	require.NotNil(t, snap.Fans)
	assert.Len(t, snap.Fans.Fans, 4)
	require.NotNil(t, snap.PSU)
	assert.Equal(t, 170, snap.PSU.TotalInputPower())
	assert.Equal(t, []bmc.CPUTemperature{{CPUIndex: 0, TemperatureC: 48}, {CPUIndex: 1, TemperatureC: 51}}, snap.CPUTemps)
	assert.NotNil(t, snap.LastUpdated)
	assert.Nil(t, snap.ErrorMessage)
	assert.True(t, p.Polling())
}

func TestLoginFailurePublishesError(t *testing.T) {
	api := newFakeAPI()
	api.loginErr = errFactory.New(bmc.ErrUnauthorized)
	p, _ := newTestPoller(t, api, testOptions())

	err := p.Login(context.Background(), testAddress, "admin", "wrong")
	require.Error(t, err)

	snap := p.Snapshot()
	assert.Equal(t, LoggedOut, snap.State)
	assert.False(t, snap.Authenticated)
	require.NotNil(t, snap.ErrorMessage)
	assert.Equal(t, "Session expired. Please log in again.", *snap.ErrorMessage)
	assert.False(t, p.Polling())
	assert.Zero(t, api.powerCalls.Load())
	assert.Zero(t, api.storedLogins.Load())
}

func TestFetchAllSingleFlight(t *testing.T) {
	api := newFakeAPI()
	p, _ := newTestPoller(t, api, testOptions())
	ctx := context.Background()

	block := make(chan struct{})
	api.set(func(f *fakeAPI) { f.blockPower = block })

	done := make(chan bool)
	go func() { done <- p.FetchAll(ctx) }()

	require.Eventually(t, func() bool { return api.powerCalls.Load() == 1 }, time.Second, time.Millisecond)

	assert.False(t, p.FetchAll(ctx))
	assert.Equal(t, int32(1), api.powerCalls.Load())
	assert.True(t, p.Snapshot().Loading)

	close(block)
	assert.True(t, <-done)
	assert.Equal(t, int32(1), api.powerCalls.Load())
	assert.Equal(t, int32(1), api.fanCalls.Load())
	assert.Equal(t, int32(1), api.psuCalls.Load())
	assert.Equal(t, int32(1), api.sensorCalls.Load())
}

func TestLastUpdatedAdvancesOnlyWhenAllSucceed(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())
	ctx := context.Background()

	first := p.Snapshot()
	require.NotNil(t, first.LastUpdated)
	firstPSU := first.PSU

	api.set(func(f *fakeAPI) {
		f.psuErr = errFactory.WithData(bmc.ErrHTTPStatus, 503)
		f.power = bmc.PowerStatus{PowerStatusRaw: 0}
	})
	time.Sleep(2 * time.Millisecond)
	require.True(t, p.FetchAll(ctx))

	partial := p.Snapshot()
	assert.Equal(t, *first.LastUpdated, *partial.LastUpdated)
	assert.Equal(t, 1, partial.FailedFetches)
	require.NotNil(t, partial.ErrorMessage)
	assert.Equal(t, "HTTP error: 503", *partial.ErrorMessage)
	// Successful slices update, the failed one keeps its previous value
	assert.False(t, partial.Power.PowerOn())
	assert.Equal(t, firstPSU, partial.PSU)

	api.set(func(f *fakeAPI) { f.psuErr = nil })
	time.Sleep(2 * time.Millisecond)
	require.True(t, p.FetchAll(ctx))

	recovered := p.Snapshot()
	assert.True(t, recovered.LastUpdated.After(*first.LastUpdated))
	assert.Zero(t, recovered.FailedFetches)
	assert.Nil(t, recovered.ErrorMessage)
}

func TestCanceledFetchIsSuppressed(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())
	first := p.Snapshot()

	api.set(func(f *fakeAPI) {
		f.psuErr = errFactory.Wrap(bmc.ErrNetwork, context.Canceled)
	})
	time.Sleep(2 * time.Millisecond)
	require.True(t, p.FetchAll(context.Background()))

	snap := p.Snapshot()
	assert.Nil(t, snap.ErrorMessage)
	assert.Zero(t, snap.FailedFetches)
	assert.Equal(t, *first.LastUpdated, *snap.LastUpdated)
	assert.Zero(t, api.storedLogins.Load())
}

func TestUnauthorizedTriggersSingleReauthentication(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())

	release := make(chan struct{})
	api.set(func(f *fakeAPI) {
		f.expired = true
		f.releaseLogin = release
	})

	require.True(t, p.FetchAll(context.Background()))

	snap := p.Snapshot()
	assert.Equal(t, 4, snap.FailedFetches)
	require.NotNil(t, snap.ErrorMessage)
	assert.Equal(t, "Session expired. Please log in again.", *snap.ErrorMessage)

	close(release)

	require.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.State == LoggedIn && s.ErrorMessage == nil && s.FailedFetches == 0
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, int32(1), api.storedLogins.Load())
	assert.True(t, p.Polling())
}

func TestReauthenticationRefetchesAfterFastLogin(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())
	first := p.Snapshot()

	api.set(func(f *fakeAPI) { f.expired = true })
	time.Sleep(2 * time.Millisecond)
	p.FetchAll(context.Background())

	require.Eventually(t, func() bool {
		s := p.Snapshot()
		return s.State == LoggedIn &&
			s.FailedFetches == 0 &&
			s.ErrorMessage == nil &&
			s.LastUpdated != nil &&
			s.LastUpdated.After(*first.LastUpdated)
	}, 2*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, api.storedLogins.Load(), int32(1))
}

// startBlockedReauthentication expires the session and runs a fetch so that a
// background re-login starts and blocks until release is closed.
func startBlockedReauthentication(t *testing.T, p *Poller, api *fakeAPI, release chan struct{}) {
	t.Helper()

	api.set(func(f *fakeAPI) {
		f.expired = true
		f.releaseLogin = release
	})
	p.FetchAll(context.Background())
	require.Eventually(t, func() bool { return api.storedLogins.Load() == 1 }, time.Second, time.Millisecond)
}

func TestLogoutCancelsReauthentication(t *testing.T) {
	api := newFakeAPI()
	p, store := loggedIn(t, api, testOptions())
	api.set(func(f *fakeAPI) { f.store = store })
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, keystore.KeyPassword, "secret"))

	startBlockedReauthentication(t, p, api, make(chan struct{}))

	require.NoError(t, p.Logout(ctx))
	require.Eventually(t, func() bool { return !p.reauthenticating.Load() }, time.Second, time.Millisecond)

	assert.Equal(t, Snapshot{State: LoggedOut}, p.Snapshot())
	assert.False(t, p.Polling())
	assert.False(t, api.Session().Authenticated())
	_, err := store.Get(ctx, keystore.KeyPassword)
	assert.True(t, keystore.IsNotFound(err))
}

func TestLoginCompletingAfterLogoutIsDiscarded(t *testing.T) {
	api := newFakeAPI()
	p, store := loggedIn(t, api, testOptions())
	api.set(func(f *fakeAPI) {
		f.store = store
		f.loginIgnoresCancel = true
	})
	ctx := context.Background()
	powerCalls := api.powerCalls.Load()

	release := make(chan struct{})
	startBlockedReauthentication(t, p, api, release)

	require.NoError(t, p.Logout(ctx))
	close(release)
	require.Eventually(t, func() bool { return !p.reauthenticating.Load() }, time.Second, time.Millisecond)

	assert.Equal(t, Snapshot{State: LoggedOut}, p.Snapshot())
	assert.False(t, p.Polling())
	assert.False(t, api.Session().Authenticated())
	assert.Equal(t, int32(2), api.logouts.Load())
	_, err := store.Get(ctx, keystore.KeyPassword)
	assert.True(t, keystore.IsNotFound(err))
	// Only the expired fetch reached the BMC
	assert.Equal(t, powerCalls+1, api.powerCalls.Load())
}

func TestCloseDuringReauthenticationKeepsStore(t *testing.T) {
	api := newFakeAPI()
	p, store := loggedIn(t, api, testOptions())
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, keystore.KeyPassword, "secret"))

	startBlockedReauthentication(t, p, api, make(chan struct{}))

	require.NoError(t, p.Close())

	stored, err := store.Get(ctx, keystore.KeyPassword)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored)
	assert.Zero(t, api.resets.Load())
}

func TestAutoLoginFailureResetsClientSession(t *testing.T) {
	api := newFakeAPI()
	api.storedLoginErr = errFactory.New(bmc.ErrUnauthorized)
	p, _ := newTestPoller(t, api, testOptions())
	require.True(t, api.Session().Authenticated())

	assert.False(t, p.AttemptAutoLogin(context.Background()))

	assert.Equal(t, int32(1), api.resets.Load())
	assert.False(t, api.Session().Authenticated())
	assert.False(t, p.Resume())
	assert.Equal(t, LoggedOut, p.Snapshot().State)
}

func TestAutoLoginFailureIsSilent(t *testing.T) {
	api := newFakeAPI()
	api.storedLoginErr = errFactory.New(bmc.ErrNoSession)
	p, store := newTestPoller(t, api, testOptions())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, keystore.KeyServerAddress, testAddress))
	require.NoError(t, store.Set(ctx, keystore.KeyUsername, "admin"))

	assert.False(t, p.AttemptAutoLogin(ctx))

	snap := p.Snapshot()
	assert.Equal(t, LoggedOut, snap.State)
	assert.Nil(t, snap.ErrorMessage)
	assert.False(t, p.Polling())

	_, err := store.Get(ctx, keystore.KeyServerAddress)
	assert.True(t, keystore.IsNotFound(err))
}

func TestAutoLoginSuccess(t *testing.T) {
	api := newFakeAPI()
	p, _ := newTestPoller(t, api, testOptions())

	assert.True(t, p.AttemptAutoLogin(context.Background()))

	snap := p.Snapshot()
	assert.Equal(t, LoggedIn, snap.State)
	assert.NotNil(t, snap.LastUpdated)
	assert.True(t, p.Polling())
}

func TestSetAllFanSpeedsRefreshesAfterFailure(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())
	fanCalls := api.fanCalls.Load()

	api.set(func(f *fakeAPI) { f.setFanErr[1] = errFactory.WithData(bmc.ErrHTTPStatus, 500) })

	err := p.SetAllFanSpeeds(context.Background(), 60)
	require.Error(t, err)
	assert.Equal(t, bmc.ErrHTTPStatus, errors.CodeOf(err))
	assert.Equal(t, fanCalls+1, api.fanCalls.Load())

	api.mu.Lock()
	_, absentWritten := api.setFan[2]
	api.mu.Unlock()
	assert.False(t, absentWritten)
}

func TestSetAllFanSpeeds(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())

	require.NoError(t, p.SetAllFanSpeeds(context.Background(), 55))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, map[int]int{0: 55, 1: 55, 3: 55}, api.setFan)
}

func TestSetAllFanSpeedsWithoutFanInfo(t *testing.T) {
	api := newFakeAPI()
	p, _ := newTestPoller(t, api, testOptions())

	err := p.SetAllFanSpeeds(context.Background(), 50)
	require.Error(t, err)
	assert.Equal(t, ErrNoFanInfo, errors.CodeOf(err))
	assert.Zero(t, api.fanCalls.Load())
}

func TestSetFanSpeedRefreshesFans(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())
	fanCalls, powerCalls := api.fanCalls.Load(), api.powerCalls.Load()

	require.NoError(t, p.SetFanSpeed(context.Background(), 3, 70))

	assert.Equal(t, fanCalls+1, api.fanCalls.Load())
	assert.Equal(t, powerCalls, api.powerCalls.Load())
}

func TestSetFanModeRefreshesFans(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())

	require.NoError(t, p.SetFanMode(context.Background(), bmc.FanModeAuto))

	assert.Equal(t, int32(1), api.modeCalls.Load())
	assert.Equal(t, bmc.FanModeAuto, p.Snapshot().Fans.ControlMode)
}

func TestPowerOnRefreshesPowerOnly(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())
	fanCalls, powerCalls := api.fanCalls.Load(), api.powerCalls.Load()

	require.NoError(t, p.PowerOn(context.Background()))

	assert.Equal(t, int32(1), api.powerOns.Load())
	assert.Equal(t, powerCalls+1, api.powerCalls.Load())
	assert.Equal(t, fanCalls, api.fanCalls.Load())
}

func TestPowerOnCanceledDuringSettle(t *testing.T) {
	api := newFakeAPI()
	opts := testOptions()
	opts.PowerSettle = time.Hour
	p, _ := loggedIn(t, api, opts)
	powerCalls := api.powerCalls.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.PowerOn(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, powerCalls, api.powerCalls.Load())
}

func TestLogoutClearsTelemetry(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())

	require.NoError(t, p.Logout(context.Background()))

	assert.Equal(t, Snapshot{State: LoggedOut}, p.Snapshot())
	assert.Equal(t, int32(1), api.logouts.Load())
	assert.False(t, p.Polling())
}

func TestPollingTicks(t *testing.T) {
	api := newFakeAPI()
	opts := testOptions()
	opts.Interval = 5 * time.Millisecond
	p, _ := loggedIn(t, api, opts)

	require.Eventually(t, func() bool { return api.powerCalls.Load() >= 3 }, 2*time.Second, time.Millisecond)

	p.StopPolling()
	p.StopPolling()
	assert.False(t, p.Polling())

	p.StartPolling()
	p.StartPolling()
	assert.True(t, p.Polling())
}

func TestRecorderReceivesCompleteCycles(t *testing.T) {
	api := newFakeAPI()
	rec := &captureRecorder{}
	opts := testOptions()
	opts.Recorder = rec
	p, _ := loggedIn(t, api, opts)

	assert.Equal(t, 1, rec.count())

	api.set(func(f *fakeAPI) { f.psuErr = errFactory.WithData(bmc.ErrHTTPStatus, 500) })
	p.FetchAll(context.Background())
	assert.Equal(t, 1, rec.count())

	rec.mu.Lock()
	sample := rec.samples[0]
	rec.mu.Unlock()
	assert.True(t, sample.Power.On)
	assert.InDelta(t, 51.0, sample.CPU.MaxC, 1e-9)
	assert.Equal(t, 30, sample.Fans.AveragePercent)
}

func TestSubscribe(t *testing.T) {
	api := newFakeAPI()
	p, _ := newTestPoller(t, api, testOptions())

	ch, cancel := p.Subscribe()
	initial := <-ch
	assert.Equal(t, LoggedOut, initial.State)

	require.NoError(t, p.Login(context.Background(), testAddress, "admin", "secret"))

	var latest Snapshot
	require.Eventually(t, func() bool {
		select {
		case latest = <-ch:
		default:
		}
		return latest.State == LoggedIn && latest.LastUpdated != nil
	}, time.Second, time.Millisecond)

	cancel()
	cancel()
	for range ch {
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	api := newFakeAPI()
	p, _ := loggedIn(t, api, testOptions())

	snap := p.Snapshot()
	snap.Fans.Fans[0].SpeedPercent = 99
	snap.CPUTemps[0].TemperatureC = -1

	fresh := p.Snapshot()
	assert.Equal(t, 30, fresh.Fans.Fans[0].SpeedPercent)
	assert.InDelta(t, 48.0, fresh.CPUTemps[0].TemperatureC, 1e-9)
}

func TestCloseClosesSubscriptions(t *testing.T) {
	api := newFakeAPI()
	store := keystore.NewMemory()
	p := New(api, store, testOptions(), logger.Nop())

	ch, _ := p.Subscribe()
	<-ch
	require.NoError(t, p.Close())

	_, open := <-ch
	assert.False(t, open)
}

func TestResumeAdoptsClientSession(t *testing.T) {
	api := newFakeAPI()
	p, _ := newTestPoller(t, api, testOptions())

	require.True(t, p.Resume())
	require.True(t, p.FetchAll(context.Background()))

	snap := p.Snapshot()
	assert.Equal(t, LoggedIn, snap.State)
	assert.Equal(t, testAddress, snap.Address)
	assert.NotNil(t, snap.LastUpdated)
	assert.False(t, p.Polling())
}
