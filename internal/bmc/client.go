package bmc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"codeberg.org/mutker/bmcctl/internal/keystore"
	"codeberg.org/mutker/bmcctl/internal/logger"
)

const (
	sessionEndpoint      = "/api/session"
	chassisEndpoint      = "/api/chassis-status"
	powerActionEndpoint  = "/api/actions/power"
	fanModeEndpoint      = "/api/settings/fans-mode"
	fanInfoEndpoint      = "/api/status/fan_info"
	fanSettingEndpoint   = "/api/settings/fan/"
	psuInfoEndpoint      = "/api/status/psu_info"
	sensorsEndpoint      = "/api/sensors"
	sessionCookieName    = "QSESSIONID"
	csrfHeader           = "X-CSRFTOKEN"
	formContentType      = "application/x-www-form-urlencoded; charset=UTF-8"
	jsonContentType      = "application/json;charset=UTF-8"
	maxErrorBodyDiscard  = 64 << 10
	maxResponseBodyBytes = 8 << 20
)

// Client talks to one BMC at a time over its session-authenticated REST API
type Client struct {
	http  *http.Client
	store keystore.Store
	log   logger.Logger

	// loginMu serializes the try/commit/rollback of a login
	loginMu sync.Mutex
	mu      sync.RWMutex
	session Session
}

// validator is implemented by response bodies that need more than a
// structural decode to be usable.
type validator interface {
	validate() error
}

// normalizer is implemented by response bodies that clamp wire values
type normalizer interface {
	normalize()
}

// NewClient creates a Client persisting its session to store
func NewClient(opts Options, store keystore.Store, log logger.Logger) (*Client, error) {
	httpClient, err := newHTTPClient(opts.withDefaults())
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidArgument, err)
	}

	return &Client{
		http:  httpClient,
		store: store,
		log:   log,
	}, nil
}

// Session returns a copy of the in-memory session
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Restore loads a previously persisted session from the store. Missing keys
// leave the corresponding fields empty.
func (c *Client) Restore(ctx context.Context) error {
	var session Session
	fields := []struct {
		key keystore.Key
		dst *string
	}{
		{keystore.KeyServerAddress, &session.Address},
		{keystore.KeyUsername, &session.Username},
		{keystore.KeyPassword, &session.Password},
		{keystore.KeyCSRFToken, &session.CSRFToken},
		{keystore.KeySessionID, &session.Cookie},
	}

	for _, field := range fields {
		value, _, err := keystore.Lookup(ctx, c.store, field.key)
		if err != nil {
			return err
		}
		*field.dst = value
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	if session.Address != "" && session.Cookie != "" {
		if u, err := baseURL(session.Address); err == nil {
			c.http.Jar.SetCookies(u, []*http.Cookie{{
				Name:  sessionCookieName,
				Value: session.Cookie,
				Path:  "/",
			}})
		}
	}

	c.log.Debug().
		Str("address", session.Address).
		Bool("authenticated", session.Authenticated()).
		Msg("Restored session from store")

	return nil
}

// Login authenticates against address. The address is only kept if the BMC
// accepts the credentials.
func (c *Client) Login(ctx context.Context, address, username, password string) (LoginResponse, error) {
	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	address = normalizeAddress(address)

	c.mu.Lock()
	previous := c.session
	switched := address != previous.Address
	c.session.Address = address
	if switched {
		// Requests built while the candidate is being tried must not carry
		// the previous host's token.
		c.session.CSRFToken = ""
	}
	c.mu.Unlock()

	var resp LoginResponse
	body := "username=" + url.QueryEscape(username) + "&password=" + url.QueryEscape(password)
	err := c.do(ctx, http.MethodPost, sessionEndpoint, []byte(body), false, &resp)
	if err != nil {
		c.mu.Lock()
		// A Logout during the try has already reset the session
		if c.session.Address == address {
			c.session.Address = previous.Address
			if switched {
				c.session.CSRFToken = previous.CSRFToken
			}
		}
		c.mu.Unlock()

		c.log.Debug().Err(err).Str("address", address).Msg("Login failed")
		return LoginResponse{}, err
	}

	c.mu.Lock()
	c.session.Address = address
	c.session.Username = username
	c.session.Password = password
	c.session.CSRFToken = resp.CSRFToken
	c.mu.Unlock()

	c.persist(ctx, map[keystore.Key]string{
		keystore.KeyServerAddress: address,
		keystore.KeyUsername:      username,
		keystore.KeyPassword:      password,
		keystore.KeyCSRFToken:     resp.CSRFToken,
	})

	c.log.Info().
		Str("address", address).
		Str("server_name", resp.ServerName).
		Int("privilege", resp.Privilege).
		Msg("Logged in")

	return resp, nil
}

// LoginWithStoredCredentials logs in using the address and credentials saved by
// a previous successful Login.
func (c *Client) LoginWithStoredCredentials(ctx context.Context) (LoginResponse, error) {
	values := make(map[keystore.Key]string, 3)
	for _, key := range []keystore.Key{keystore.KeyServerAddress, keystore.KeyUsername, keystore.KeyPassword} {
		value, ok, err := keystore.Lookup(ctx, c.store, key)
		if err != nil {
			return LoginResponse{}, err
		}
		if !ok {
			return LoginResponse{}, errFactory.New(ErrNoSession)
		}
		values[key] = value
	}

	return c.Login(ctx,
		values[keystore.KeyServerAddress],
		values[keystore.KeyUsername],
		values[keystore.KeyPassword])
}

// Logout ends the BMC session if one exists, then forgets the session and
// everything persisted for it.
func (c *Client) Logout(ctx context.Context) error {
	if c.Session().Authenticated() {
		if err := c.do(ctx, http.MethodDelete, sessionEndpoint, nil, true, nil); err != nil {
			c.log.Debug().Err(err).Msg("Remote logout failed")
		}
	}

	address := c.ResetSession()

	if err := c.store.Clear(ctx); err != nil {
		return err
	}

	c.log.Info().Str("address", address).Msg("Logged out")
	return nil
}

// ResetSession forgets the in-memory session and expires its cookie. It does
// not contact the BMC or touch the store. The previous address is returned.
func (c *Client) ResetSession() string {
	c.mu.Lock()
	address := c.session.Address
	c.session = Session{}
	c.mu.Unlock()

	if u, err := baseURL(address); err == nil {
		c.http.Jar.SetCookies(u, []*http.Cookie{{Name: sessionCookieName, Path: "/", MaxAge: -1}})
	}

	return address
}

func (c *Client) GetPowerStatus(ctx context.Context) (PowerStatus, error) {
	var status PowerStatus
	if err := c.do(ctx, http.MethodGet, chassisEndpoint, nil, true, &status); err != nil {
		return PowerStatus{}, err
	}
	return status, nil
}

func (c *Client) PowerOn(ctx context.Context) error {
	body, err := json.Marshal(PowerCommand{PowerCommand: powerCommandOn})
	if err != nil {
		return errFactory.Wrap(ErrInvalidArgument, err)
	}

	var resp PowerCommand
	return c.do(ctx, http.MethodPost, powerActionEndpoint, body, true, &resp)
}

func (c *Client) GetFanMode(ctx context.Context) (FanModeSetting, error) {
	var setting FanModeSetting
	if err := c.do(ctx, http.MethodGet, fanModeEndpoint, nil, true, &setting); err != nil {
		return FanModeSetting{}, err
	}
	return setting, nil
}

func (c *Client) GetFanInfo(ctx context.Context) (FanInfo, error) {
	var info FanInfo
	if err := c.do(ctx, http.MethodGet, fanInfoEndpoint, nil, true, &info); err != nil {
		return FanInfo{}, err
	}
	return info, nil
}

// SetFanSpeed sets the duty cycle (percent) of a single fan.
func (c *Client) SetFanSpeed(ctx context.Context, fanID, duty int) error {
	if fanID < 0 {
		return errFactory.WithData(ErrInvalidArgument, "fan id "+strconv.Itoa(fanID))
	}
	if duty < minDuty || duty > maxDuty {
		return errFactory.WithData(ErrInvalidArgument, "duty "+strconv.Itoa(duty))
	}

	body, err := json.Marshal(FanDuty{Duty: duty})
	if err != nil {
		return errFactory.Wrap(ErrInvalidArgument, err)
	}

	var resp FanDuty
	return c.do(ctx, http.MethodPut, fanSettingEndpoint+strconv.Itoa(fanID), body, true, &resp)
}

func (c *Client) SetFanMode(ctx context.Context, mode FanMode) error {
	if !mode.IsValid() {
		return errFactory.WithData(ErrInvalidArgument, "fan mode "+string(mode))
	}

	body, err := json.Marshal(FanModeSetting{ControlMode: mode})
	if err != nil {
		return errFactory.Wrap(ErrInvalidArgument, err)
	}

	var resp FanModeSetting
	return c.do(ctx, http.MethodPut, fanModeEndpoint, body, true, &resp)
}

func (c *Client) GetPSUInfo(ctx context.Context) (PSUInfo, error) {
	var info PSUInfo
	if err := c.do(ctx, http.MethodGet, psuInfoEndpoint, nil, true, &info); err != nil {
		return PSUInfo{}, err
	}
	return info, nil
}

func (c *Client) GetSensors(ctx context.Context) ([]Sensor, error) {
	var sensors []Sensor
	if err := c.do(ctx, http.MethodGet, sensorsEndpoint, nil, true, &sensors); err != nil {
		return nil, err
	}
	return sensors, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, requiresAuth bool, out any) error {
	req, err := c.buildRequest(ctx, endpoint, method, body, requiresAuth)
	if err != nil {
		return err
	}
	return c.execute(req, out)
}

func (c *Client) buildRequest(ctx context.Context, endpoint, method string, body []byte, requiresAuth bool) (*http.Request, error) {
	c.mu.RLock()
	address := c.session.Address
	token := c.session.CSRFToken
	c.mu.RUnlock()

	if requiresAuth && token == "" {
		return nil, errFactory.New(ErrNoSession)
	}

	base, err := baseURL(address)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, base.String()+endpoint, reader)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidTarget, err)
	}

	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Accept", "*/*")

	if requiresAuth {
		req.Header.Set(csrfHeader, token)
	}

	if body != nil {
		if endpoint == sessionEndpoint && method == http.MethodPost {
			req.Header.Set("Content-Type", formContentType)
		} else {
			req.Header.Set("Content-Type", jsonContentType)
		}
	}

	return req, nil
}

func (c *Client) execute(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errFactory.Wrap(ErrNetwork, err)
	}
	if resp == nil {
		return errFactory.New(ErrInvalidResponse)
	}
	defer resp.Body.Close()

	c.harvestCookie(req.Context(), resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyDiscard))
		return errFactory.New(ErrUnauthorized)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyDiscard))
		return errFactory.WithData(ErrHTTPStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return errFactory.Wrap(ErrNetwork, err)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return errFactory.Wrap(ErrDecoding, err)
	}

	if v, ok := out.(validator); ok {
		if err := v.validate(); err != nil {
			return err
		}
	}

	if n, ok := out.(normalizer); ok {
		n.normalize()
	}

	return nil
}

func (c *Client) harvestCookie(ctx context.Context, resp *http.Response) {
	for _, cookie := range resp.Cookies() {
		if cookie.Name != sessionCookieName || cookie.Value == "" {
			continue
		}

		c.mu.Lock()
		changed := c.session.Cookie != cookie.Value
		c.session.Cookie = cookie.Value
		c.mu.Unlock()

		if changed {
			c.persist(ctx, map[keystore.Key]string{keystore.KeySessionID: cookie.Value})
		}
		return
	}
}

// persist writes values to the store. Failures are logged rather than
// returned: the in-memory session stays valid for this process.
func (c *Client) persist(ctx context.Context, values map[keystore.Key]string) {
	for key, value := range values {
		if err := c.store.Set(ctx, key, value); err != nil {
			c.log.Warn().Err(err).Str("key", string(key)).Msg("Failed to persist session value")
		}
	}
}

func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	address = strings.TrimPrefix(address, "https://")
	address = strings.TrimPrefix(address, "http://")
	return strings.TrimRight(address, "/")
}

func baseURL(address string) (*url.URL, error) {
	if address == "" || strings.ContainsAny(address, "/?# ") {
		return nil, errFactory.New(ErrInvalidTarget)
	}

	u, err := url.Parse("https://" + address)
	if err != nil || u.Host == "" {
		return nil, errFactory.New(ErrInvalidTarget)
	}

	return u, nil
}
