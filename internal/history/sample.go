package history

import (
	"time"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"github.com/google/uuid"
)

// NewSample reduces a poll cycle's telemetry to a Sample
func NewSample(
	cycleID uuid.UUID,
	at time.Time,
	power bmc.PowerStatus,
	fans bmc.FanInfo,
	psu bmc.PSUInfo,
	cpus []bmc.CPUTemperature,
) *Sample {
	sample := &Sample{
		CycleID:   cycleID,
		Timestamp: at,
		Power:     PowerSample{On: power.PowerOn()},
		Fans: FanSample{
			Manual: fans.ControlMode == bmc.FanModeManual,
			PowerW: fans.FansPower,
		},
		PSU: PSUSample{
			ReadingW: psu.PresentPowerReading,
			InputW:   psu.TotalInputPower(),
			OutputW:  psu.TotalOutputPower(),
		},
	}

	present, percentSum := 0, 0
	for _, fan := range fans.Fans {
		if !fan.Present() {
			continue
		}
		present++
		percentSum += fan.SpeedPercent
		if fan.SpeedRPM > sample.Fans.MaxRPM {
			sample.Fans.MaxRPM = fan.SpeedRPM
		}
	}
	if present > 0 {
		sample.Fans.AveragePercent = percentSum / present
	}

	if len(cpus) > 0 {
		var sum float64
		sample.CPU.MaxC = cpus[0].TemperatureC
		for _, cpu := range cpus {
			sum += cpu.TemperatureC
			if cpu.TemperatureC > sample.CPU.MaxC {
				sample.CPU.MaxC = cpu.TemperatureC
			}
		}
		sample.CPU.AverageC = sum / float64(len(cpus))
	}

	return sample
}
