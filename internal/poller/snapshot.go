package poller

import (
	"slices"
	"time"

	"codeberg.org/mutker/bmcctl/internal/bmc"
)

// State is the authentication state of the poller
type State int

const (
	LoggedOut State = iota
	Authenticating
	LoggedIn
	Refreshing
)

func (s State) String() string {
	switch s {
	case LoggedOut:
		return "logged_out"
	case Authenticating:
		return "authenticating"
	case LoggedIn:
		return "logged_in"
	case Refreshing:
		return "refreshing"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time copy of everything the poller knows. Nil
// pointers mean the value was never fetched.
type Snapshot struct {
	State         State                `json:"state"`
	Address       string               `json:"address,omitempty"`
	Authenticated bool                 `json:"authenticated"`
	Loading       bool                 `json:"loading"`
	Power         *bmc.PowerStatus     `json:"power,omitempty"`
	Fans          *bmc.FanInfo         `json:"fans,omitempty"`
	PSU           *bmc.PSUInfo         `json:"psu,omitempty"`
	CPUTemps      []bmc.CPUTemperature `json:"cpu_temps,omitempty"`
	LastUpdated   *time.Time           `json:"last_updated,omitempty"`
	ErrorMessage  *string              `json:"error,omitempty"`
	FailedFetches int                  `json:"failed_fetches"`
}

// clone returns a copy sharing no memory with s
func (s *Snapshot) clone() Snapshot {
	out := *s

	if s.Power != nil {
		power := *s.Power
		out.Power = &power
	}
	if s.Fans != nil {
		fans := *s.Fans
		fans.Fans = slices.Clone(s.Fans.Fans)
		out.Fans = &fans
	}
	if s.PSU != nil {
		psu := *s.PSU
		psu.PowerSupplies = slices.Clone(s.PSU.PowerSupplies)
		out.PSU = &psu
	}
	if s.LastUpdated != nil {
		ts := *s.LastUpdated
		out.LastUpdated = &ts
	}
	if s.ErrorMessage != nil {
		msg := *s.ErrorMessage
		out.ErrorMessage = &msg
	}
	out.CPUTemps = slices.Clone(s.CPUTemps)

	return out
}

func stringPtr(s string) *string {
	return &s
}
