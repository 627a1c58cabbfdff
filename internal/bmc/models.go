package bmc

// LoginResponse is returned by POST /api/session
type LoginResponse struct {
	OK           int    `json:"ok"`
	Privilege    int    `json:"privilege"`
	ExtendedPriv int    `json:"extendedpriv"`
	RACSessionID int    `json:"racsession_id"`
	RemoteAddr   string `json:"remote_addr"`
	ServerName   string `json:"server_name"`
	ServerAddr   string `json:"server_addr"`
	HTTPSEnabled int    `json:"HTTPSEnabled"`
	CSRFToken    string `json:"CSRFToken"`
}

func (r *LoginResponse) validate() error {
	if r.CSRFToken == "" {
		return errFactory.WithMessage(ErrDecoding, "Failed to decode response: missing CSRFToken")
	}
	return nil
}

// PowerStatus is the chassis power and identify LED state
type PowerStatus struct {
	PowerStatusRaw int `json:"power_status"`
	LEDStatusRaw   int `json:"led_status"`
}

func (p PowerStatus) PowerOn() bool {
	return p.PowerStatusRaw == 1
}

func (p PowerStatus) LEDOn() bool {
	return p.LEDStatusRaw == 1
}

// PowerCommand is the body of POST /api/actions/power
type PowerCommand struct {
	PowerCommand int `json:"power_command"`
}

const powerCommandOn = 1

// FanMode is the BMC fan control mode
type FanMode string

const (
	FanModeAuto   FanMode = "auto"
	FanModeManual FanMode = "manual"
)

// IsValid returns whether the mode is one the BMC accepts
func (m FanMode) IsValid() bool {
	return m == FanModeAuto || m == FanModeManual
}

// FanModeSetting is the body of /api/settings/fans-mode
type FanModeSetting struct {
	ControlMode FanMode `json:"control_mode"`
}

func (s FanModeSetting) IsManual() bool {
	return s.ControlMode == FanModeManual
}

// Fan is a single chassis fan
type Fan struct {
	ID           int `json:"id"`
	Index        int `json:"index"`
	PresentRaw   int `json:"present"`
	StatusRaw    int `json:"status"`
	SpeedRPM     int `json:"speed_rpm"`
	SpeedPercent int `json:"speed_percent"`
}

func (f Fan) Present() bool {
	return f.PresentRaw == 1
}

func (f Fan) Healthy() bool {
	return f.StatusRaw == 0
}

// FanInfo is returned by GET /api/status/fan_info
type FanInfo struct {
	Fans        []Fan   `json:"fans"`
	FansPower   int     `json:"fans_power"`
	ControlMode FanMode `json:"control_mode"`
}

// PresentFanIDs returns the IDs of every fan reported present
func (f FanInfo) PresentFanIDs() []int {
	ids := make([]int, 0, len(f.Fans))
	for _, fan := range f.Fans {
		if fan.Present() {
			ids = append(ids, fan.ID)
		}
	}
	return ids
}

func (f *FanInfo) normalize() {
	for i := range f.Fans {
		f.Fans[i].SpeedPercent = clamp(f.Fans[i].SpeedPercent, minDuty, maxDuty)
	}
}

// FanDuty is the body of PUT /api/settings/fan/{id}
type FanDuty struct {
	Duty int `json:"duty"`
}

const (
	minDuty = 0
	maxDuty = 100
)

// PowerSupply is one PSU slot
type PowerSupply struct {
	ID            int    `json:"id"`
	PresentRaw    int    `json:"present"`
	PowerStatus   int    `json:"power_status"`
	VendorID      string `json:"vendor_id"`
	Model         string `json:"model"`
	SerialNum     string `json:"serial_num"`
	PartNum       string `json:"part_num"`
	RatedPower    int    `json:"rated_power"`
	FirmwareVer   string `json:"fw_ver"`
	TemperatureC  int    `json:"temperature"`
	FanStatus     string `json:"ps_fan_status"`
	FanSpeed      int    `json:"ps_fan_speed"`
	InputPowerW   int    `json:"ps_in_power"`
	OutputPowerW  int    `json:"ps_out_power"`
	InputVolt     int    `json:"ps_in_volt"`
	OutputVolt    int    `json:"ps_out_volt"`
	InputCurrent  int    `json:"ps_in_current"`
	OutputCurrent int    `json:"ps_out_current"`
	OutputPowerMx int    `json:"ps_out_power_max"`
}

func (p PowerSupply) Present() bool {
	return p.PresentRaw == 1
}

// Efficiency returns output over input power as a percentage, or 0 when the
// unit draws nothing.
func (p PowerSupply) Efficiency() float64 {
	if p.InputPowerW <= 0 {
		return 0
	}
	return float64(p.OutputPowerW) / float64(p.InputPowerW) * 100
}

// PSUInfo is returned by GET /api/status/psu_info
type PSUInfo struct {
	PresentPowerReading int           `json:"present_power_reading"`
	RatedPower          int           `json:"rated_power"`
	HEMMode             string        `json:"hem_mode"`
	RedundancyMode      string        `json:"power_supplies_redundant"`
	PowerSupplies       []PowerSupply `json:"power_supplies"`
}

func (p PSUInfo) TotalInputPower() int {
	total := 0
	for _, psu := range p.PowerSupplies {
		if psu.Present() {
			total += psu.InputPowerW
		}
	}
	return total
}

func (p PSUInfo) TotalOutputPower() int {
	total := 0
	for _, psu := range p.PowerSupplies {
		if psu.Present() {
			total += psu.OutputPowerW
		}
	}
	return total
}

// Sensor is one record of GET /api/sensors
type Sensor struct {
	ID                            int     `json:"id"`
	SensorNumber                  int     `json:"sensor_number"`
	Name                          string  `json:"name"`
	OwnerID                       int     `json:"owner_id"`
	OwnerLUN                      int     `json:"owner_lun"`
	RawReading                    float64 `json:"raw_reading"`
	Type                          string  `json:"type"`
	TypeNumber                    int     `json:"type_number"`
	Reading                       float64 `json:"reading"`
	SensorState                   int     `json:"sensor_state"`
	DiscreteState                 int     `json:"discrete_state"`
	LowerNonRecoverableThreshold  float64 `json:"lower_non_recoverable_threshold"`
	LowerCriticalThreshold        float64 `json:"lower_critical_threshold"`
	LowerNonCriticalThreshold     float64 `json:"lower_non_critical_threshold"`
	HigherNonCriticalThreshold    float64 `json:"higher_non_critical_threshold"`
	HigherCriticalThreshold       float64 `json:"higher_critical_threshold"`
	HigherNonRecoverableThreshold float64 `json:"higher_non_recoverable_threshold"`
	Accessible                    int     `json:"accessible"`
	Unit                          string  `json:"unit"`
}

// CPUTemperature is a per-socket temperature derived from the sensor list
type CPUTemperature struct {
	CPUIndex     int     `json:"cpu_index"`
	TemperatureC float64 `json:"temperature_c"`
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}

	if value > maxValue {
		return maxValue
	}

	return value
}
