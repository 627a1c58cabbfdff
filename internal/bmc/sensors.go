package bmc

import (
	"sort"
	"strconv"
	"strings"
)

const (
	cpuSensorPrefix = "CPU"
	cpuSensorSuffix = "_Temp"
	marginMarker    = "Margin"
)

// CPUTemperatures picks the per-CPU temperature sensors (CPU<N>_Temp, never the
// *Margin* variants) out of a sensor listing. The first reading per CPU wins and
// the result is sorted by CPU index.
func CPUTemperatures(sensors []Sensor) []CPUTemperature {
	seen := make(map[int]struct{})
	temps := make([]CPUTemperature, 0, 2)

	for _, sensor := range sensors {
		index, ok := cpuIndex(sensor.Name)
		if !ok {
			continue
		}
		if _, dup := seen[index]; dup {
			continue
		}
		seen[index] = struct{}{}
		temps = append(temps, CPUTemperature{CPUIndex: index, TemperatureC: sensor.Reading})
	}

	sort.Slice(temps, func(i, j int) bool {
		return temps[i].CPUIndex < temps[j].CPUIndex
	})

	return temps
}

func cpuIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, cpuSensorPrefix) ||
		!strings.HasSuffix(name, cpuSensorSuffix) ||
		strings.Contains(name, marginMarker) {
		return 0, false
	}

	head, _, _ := strings.Cut(name, "_")
	index, err := strconv.Atoi(strings.TrimPrefix(head, cpuSensorPrefix))
	if err != nil || index < 0 {
		return 0, false
	}

	return index, true
}
