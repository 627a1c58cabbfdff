package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"codeberg.org/mutker/bmcctl/internal/bmc"
	"codeberg.org/mutker/bmcctl/internal/history"
	"codeberg.org/mutker/bmcctl/internal/poller"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func printSnapshot(w io.Writer, snap poller.Snapshot) {
	fmt.Fprintf(w, "BMC:      %s (%s)\n", snap.Address, snap.State)
	if snap.LastUpdated != nil {
		fmt.Fprintf(w, "Updated:  %s\n", snap.LastUpdated.Format(time.RFC3339))
	} else {
		fmt.Fprintln(w, "Updated:  incomplete")
	}
	if snap.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:    %s\n", *snap.ErrorMessage)
	}

	if snap.Power != nil {
		fmt.Fprintln(w)
		printPower(w, *snap.Power)
	}
	if len(snap.CPUTemps) > 0 {
		fmt.Fprintln(w)
		printCPUTemps(w, snap.CPUTemps)
	}
	if snap.Fans != nil {
		fmt.Fprintln(w)
		printFanInfo(w, *snap.Fans)
	}
	if snap.PSU != nil {
		fmt.Fprintln(w)
		printPSUInfo(w, *snap.PSU)
	}
}

func printPower(w io.Writer, status bmc.PowerStatus) {
	fmt.Fprintf(w, "Power: %s  Identify LED: %s\n", onOff(status.PowerOn()), onOff(status.LEDOn()))
}

func printCPUTemps(w io.Writer, temps []bmc.CPUTemperature) {
	tw := newTable(w)
	fmt.Fprintln(tw, "CPU\tTEMP")
	for _, t := range temps {
		fmt.Fprintf(tw, "%d\t%.1f°C\n", t.CPUIndex, t.TemperatureC)
	}
	tw.Flush()
}

func printFanInfo(w io.Writer, info bmc.FanInfo) {
	fmt.Fprintf(w, "Fan mode: %s  Fan power: %dW\n", info.ControlMode, info.FansPower)

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tPRESENT\tHEALTHY\tRPM\tDUTY")
	for _, fan := range info.Fans {
		fmt.Fprintf(tw, "%d\t%t\t%t\t%d\t%d%%\n",
			fan.ID, fan.Present(), fan.Healthy(), fan.SpeedRPM, fan.SpeedPercent)
	}
	tw.Flush()
}

func printPSUInfo(w io.Writer, info bmc.PSUInfo) {
	fmt.Fprintf(w, "Power draw: %dW  Input: %dW  Output: %dW  Redundancy: %s\n",
		info.PresentPowerReading, info.TotalInputPower(), info.TotalOutputPower(), info.RedundancyMode)

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tMODEL\tRATED\tIN\tOUT\tEFFICIENCY\tTEMP\tFAN")
	for _, psu := range info.PowerSupplies {
		if !psu.Present() {
			fmt.Fprintf(tw, "%d\t-\t-\t-\t-\t-\t-\t-\n", psu.ID)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%dW\t%dW\t%dW\t%.1f%%\t%d°C\t%s\n",
			psu.ID, psu.Model, psu.RatedPower, psu.InputPowerW, psu.OutputPowerW,
			psu.Efficiency(), psu.TemperatureC, psu.FanStatus)
	}
	tw.Flush()
}

func printSensors(w io.Writer, sensors []bmc.Sensor) {
	tw := newTable(w)
	fmt.Fprintln(tw, "NUMBER\tNAME\tTYPE\tREADING\tUNIT")
	for _, s := range sensors {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%.2f\t%s\n", s.SensorNumber, s.Name, s.Type, s.Reading, s.Unit)
	}
	tw.Flush()
}

func printHistory(w io.Writer, samples []history.Sample) {
	tw := newTable(w)
	fmt.Fprintln(tw, "TIME\tPOWER\tCPU MAX\tCPU AVG\tFAN AVG\tFAN RPM MAX\tPSU IN\tPSU OUT")
	for _, s := range samples {
		fmt.Fprintf(tw, "%s\t%s\t%.1f°C\t%.1f°C\t%d%%\t%d\t%dW\t%dW\n",
			s.Timestamp.Format(time.RFC3339), onOff(s.Power.On),
			s.CPU.MaxC, s.CPU.AverageC, s.Fans.AveragePercent, s.Fans.MaxRPM,
			s.PSU.InputW, s.PSU.OutputW)
	}
	tw.Flush()
}
