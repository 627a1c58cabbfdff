package bmc

import "context"

// API is the set of BMC operations the rest of bmcctl depends on
type API interface {
	// Session management
	Login(ctx context.Context, address, username, password string) (LoginResponse, error)
	LoginWithStoredCredentials(ctx context.Context) (LoginResponse, error)
	Logout(ctx context.Context) error
	Session() Session
	ResetSession() string

	// Power
	GetPowerStatus(ctx context.Context) (PowerStatus, error)
	PowerOn(ctx context.Context) error

	// Fans
	GetFanMode(ctx context.Context) (FanModeSetting, error)
	GetFanInfo(ctx context.Context) (FanInfo, error)
	SetFanSpeed(ctx context.Context, fanID, duty int) error
	SetFanMode(ctx context.Context, mode FanMode) error

	// Power supplies and sensors
	GetPSUInfo(ctx context.Context) (PSUInfo, error)
	GetSensors(ctx context.Context) ([]Sensor, error)
}

// Session is the authentication state of a Client
type Session struct {
	Address   string
	CSRFToken string
	Cookie    string
	Username  string
	Password  string
}

// Authenticated reports whether authenticated requests can be built
func (s Session) Authenticated() bool {
	return s.CSRFToken != ""
}

var _ API = (*Client)(nil)
