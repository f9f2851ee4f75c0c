package obd

import (
	"context"
	"fmt"
	"sort"
)

// PID describes a mode 01 parameter.
type PID struct {
	ID     byte
	Name   string
	Unit   string
	Bytes  int
	Decode func(data []byte) float64
}

// Value is a decoded PID reading.
type Value struct {
	PID   PID
	Value float64
}

func (v Value) String() string {
	return fmt.Sprintf("%s: %.2f %s", v.PID.Name, v.Value, v.PID.Unit)
}

const (
	PIDEngineLoad     byte = 0x04
	PIDCoolantTemp    byte = 0x05
	PIDEngineRPM      byte = 0x0C
	PIDVehicleSpeed   byte = 0x0D
	PIDIntakeAirTemp  byte = 0x0F
	PIDThrottle       byte = 0x11
	PIDFuelLevel      byte = 0x2F
	PIDModuleVoltage  byte = 0x42
	PIDAmbientAirTemp byte = 0x46
)

func rpm(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 4 }
func raw(d []byte) float64 { return float64(d[0]) }
func temperature(d []byte) float64 { return float64(int(d[0]) - 40) }
func percent(d []byte) float64 { return float64(d[0]) * 100 / 255 }
func voltage(d []byte) float64 { return float64(int(d[0])*256+int(d[1])) / 1000 }

// PIDs is the table of supported mode 01 parameters.
var PIDs = map[byte]PID{
	PIDEngineLoad:     {PIDEngineLoad, "Engine load", "%", 1, percent},
	PIDCoolantTemp:    {PIDCoolantTemp, "Coolant temperature", "°C", 1, temperature},
	PIDEngineRPM:      {PIDEngineRPM, "Engine speed", "rpm", 2, rpm},
	PIDVehicleSpeed:   {PIDVehicleSpeed, "Vehicle speed", "km/h", 1, raw},
	PIDIntakeAirTemp:  {PIDIntakeAirTemp, "Intake air temperature", "°C", 1, temperature},
	PIDThrottle:       {PIDThrottle, "Throttle position", "%", 1, percent},
	PIDFuelLevel:      {PIDFuelLevel, "Fuel level", "%", 1, percent},
	PIDModuleVoltage:  {PIDModuleVoltage, "Control module voltage", "V", 2, voltage},
	PIDAmbientAirTemp: {PIDAmbientAirTemp, "Ambient air temperature", "°C", 1, temperature},
}

// SortedPIDs returns the PID table ordered by id.
func SortedPIDs() []PID {
	out := make([]PID, 0, len(PIDs))
	for _, p := range PIDs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SafetyProbe reads battery voltage and engine state over OBD.
type SafetyProbe struct {
	c *Client
}

func NewSafetyProbe(c *Client) *SafetyProbe {
	return &SafetyProbe{c: c}
}

func (p *SafetyProbe) BatteryVoltage(ctx context.Context) (float64, error) {
	v, err := p.c.ReadPID(ctx, PIDModuleVoltage)
	if err != nil {
		return 0, err
	}
	return v.Value, nil
}

// EngineRunning reports an engine speed above zero.
func (p *SafetyProbe) EngineRunning(ctx context.Context) (bool, error) {
	v, err := p.c.ReadPID(ctx, PIDEngineRPM)
	if err != nil {
		return false, err
	}
	return v.Value > 0, nil
}
