// Package state owns the canonical device state shared by the device and
// every monitor. All access goes through Store, whose mutators validate their
// input, apply it atomically and return the post-mutation snapshot.
package state

import (
	"encoding/json"
	"time"
)

// ControlMode selects who drives the actuator. Exactly one mode is active.
type ControlMode string

const (
	ModeAuto   ControlMode = "auto"
	ModeManual ControlMode = "manual"
)

// Valid reports whether m is a known mode.
func (m ControlMode) Valid() bool {
	return m == ModeAuto || m == ModeManual
}

// DeviceStatus is the gateway's view of the physical device.
type DeviceStatus string

const (
	StatusOnline  DeviceStatus = "online"
	StatusOffline DeviceStatus = "offline"
	StatusError   DeviceStatus = "error"
)

// Valid reports whether s is a known status.
func (s DeviceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// SensorState is a snapshot of the device state. Values returned by Store
// are copies; mutating them has no effect on the store.
type SensorState struct {
	Temperature     float64
	Humidity        float64
	ActuatorOn      bool
	ActuatorPending bool
	Mode            ControlMode
	Threshold       float64
	LastUpdate      time.Time
	DeviceStatus    DeviceStatus
	DeviceID        string
	DeviceName      string
	WifiRSSI        *int
	Uptime          *int64
}

// AutoMode reports whether the device drives the actuator from the threshold.
func (s SensorState) AutoMode() bool { return s.Mode == ModeAuto }

// ManualMode reports whether monitors drive the actuator directly.
func (s SensorState) ManualMode() bool { return s.Mode == ModeManual }

// sensorStateJSON is the wire shape dashboards and devices already speak:
// the mode is carried as two complementary booleans.
type sensorStateJSON struct {
	Temperature          float64      `json:"temperature"`
	Humidity             float64      `json:"humidity"`
	FanState             bool         `json:"fanState"`
	FanPending           bool         `json:"fanPending"`
	AutoMode             bool         `json:"autoMode"`
	ManualMode           bool         `json:"manualMode"`
	TemperatureThreshold float64      `json:"temperatureThreshold"`
	LastUpdate           time.Time    `json:"lastUpdate"`
	DeviceStatus         DeviceStatus `json:"deviceStatus"`
	DeviceID             string       `json:"deviceId,omitempty"`
	DeviceName           string       `json:"deviceName,omitempty"`
	WifiRSSI             *int         `json:"wifiRSSI,omitempty"`
	Uptime               *int64       `json:"uptime,omitempty"`
}

// MarshalJSON encodes the snapshot in the dashboard wire format.
func (s SensorState) MarshalJSON() ([]byte, error) {
	return json.Marshal(sensorStateJSON{
		Temperature:          s.Temperature,
		Humidity:             s.Humidity,
		FanState:             s.ActuatorOn,
		FanPending:           s.ActuatorPending,
		AutoMode:             s.AutoMode(),
		ManualMode:           s.ManualMode(),
		TemperatureThreshold: s.Threshold,
		LastUpdate:           s.LastUpdate,
		DeviceStatus:         s.DeviceStatus,
		DeviceID:             s.DeviceID,
		DeviceName:           s.DeviceName,
		WifiRSSI:             s.WifiRSSI,
		Uptime:               s.Uptime,
	})
}

// UnmarshalJSON decodes the dashboard wire format. Used by clients and tests.
func (s *SensorState) UnmarshalJSON(data []byte) error {
	var raw sensorStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	mode := ModeManual
	if raw.AutoMode {
		mode = ModeAuto
	}
	*s = SensorState{
		Temperature:     raw.Temperature,
		Humidity:        raw.Humidity,
		ActuatorOn:      raw.FanState,
		ActuatorPending: raw.FanPending,
		Mode:            mode,
		Threshold:       raw.TemperatureThreshold,
		LastUpdate:      raw.LastUpdate,
		DeviceStatus:    raw.DeviceStatus,
		DeviceID:        raw.DeviceID,
		DeviceName:      raw.DeviceName,
		WifiRSSI:        raw.WifiRSSI,
		Uptime:          raw.Uptime,
	}
	return nil
}

func (s SensorState) clone() SensorState {
	c := s
	if s.WifiRSSI != nil {
		v := *s.WifiRSSI
		c.WifiRSSI = &v
	}
	if s.Uptime != nil {
		v := *s.Uptime
		c.Uptime = &v
	}
	return c
}

// DeviceUpdate carries the fields a device reported. Nil fields are left
// unchanged. AutoMode and ManualMode are validated together when either is
// present.
type DeviceUpdate struct {
	DeviceID    string
	DeviceName  string
	Temperature *float64
	Humidity    *float64
	ActuatorOn  *bool
	AutoMode    *bool
	ManualMode  *bool
	Threshold   *float64
	WifiRSSI    *int
	Uptime      *int64
}

// Range is an inclusive numeric bound.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Limits bounds every numeric field the store accepts.
type Limits struct {
	Threshold   Range
	Temperature Range
	Humidity    Range
}

// DefaultLimits returns the bounds the reference dashboard validates against.
func DefaultLimits() Limits {
	return Limits{
		Threshold:   Range{Min: 0, Max: 100},
		Temperature: Range{Min: -50, Max: 100},
		Humidity:    Range{Min: 0, Max: 100},
	}
}

// Defaults applied when the store is created.
const (
	DefaultTemperature = 25.0
	DefaultHumidity    = 60.0
	DefaultThreshold   = 30.0
)
