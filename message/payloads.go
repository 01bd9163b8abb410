package message

import (
	"time"

	"github.com/c360/devicegate/state"
)

// DeviceReport is the payload of sensor_data and device_info.
type DeviceReport struct {
	DeviceID             string   `json:"deviceId,omitempty"`
	DeviceName           string   `json:"deviceName,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	Humidity             *float64 `json:"humidity,omitempty"`
	FanState             *bool    `json:"fanState,omitempty"`
	AutoMode             *bool    `json:"autoMode,omitempty"`
	ManualMode           *bool    `json:"manualMode,omitempty"`
	TemperatureThreshold *float64 `json:"temperatureThreshold,omitempty"`
	WifiRSSI             *int     `json:"wifiRSSI,omitempty"`
	Uptime               *int64   `json:"uptime,omitempty"`
}

// Update converts the report into a store update.
func (r DeviceReport) Update() state.DeviceUpdate {
	return state.DeviceUpdate{
		DeviceID:    r.DeviceID,
		DeviceName:  r.DeviceName,
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		ActuatorOn:  r.FanState,
		AutoMode:    r.AutoMode,
		ManualMode:  r.ManualMode,
		Threshold:   r.TemperatureThreshold,
		WifiRSSI:    r.WifiRSSI,
		Uptime:      r.Uptime,
	}
}

// FanControl commands the actuator. Mode is "auto", "manual" or empty.
type FanControl struct {
	State bool   `json:"state"`
	Mode  string `json:"mode,omitempty"`
}

// ThresholdUpdate sets the actuation setpoint.
type ThresholdUpdate struct {
	Threshold float64 `json:"threshold"`
}

// ModeChange switches control mode. Exactly one flag must be true.
type ModeChange struct {
	AutoMode   bool `json:"autoMode"`
	ManualMode bool `json:"manualMode"`
}

// ClientConnected announces a monitor.
type ClientConnected struct {
	ClientType   string `json:"clientType,omitempty"`
	ConnectionID any    `json:"connectionId,omitempty"`
}

// FanStatus reports the actuator to monitors. Pending is true until the
// device confirms a monitor command.
type FanStatus struct {
	FanState bool              `json:"fanState"`
	Mode     state.ControlMode `json:"mode"`
	Pending  bool              `json:"pending"`
}

// ThresholdUpdated reports a new setpoint to monitors.
type ThresholdUpdated struct {
	Threshold float64 `json:"threshold"`
}

// ModeUpdated reports a control mode change to monitors.
type ModeUpdated struct {
	AutoMode   bool `json:"autoMode"`
	ManualMode bool `json:"manualMode"`
}

// DeviceStatus reports a device status transition.
type DeviceStatus struct {
	Status     state.DeviceStatus `json:"status"`
	DeviceID   string             `json:"deviceId,omitempty"`
	DeviceName string             `json:"deviceName,omitempty"`
	LastSeen   *time.Time         `json:"lastSeen,omitempty"`
}

// Stats summarises live connections.
type Stats struct {
	TotalConnections   int    `json:"totalConnections"`
	MonitorConnections int    `json:"monitorConnections"`
	DeviceConnected    bool   `json:"deviceConnected"`
	DeviceID           string `json:"deviceId,omitempty"`
}

// Welcome greets a connection with the current state.
type Welcome struct {
	Message         string            `json:"message"`
	CurrentData     state.SensorState `json:"currentData"`
	DeviceConnected bool              `json:"deviceConnected"`
	Stats           Stats             `json:"stats"`
}

// StatusResponse answers request_status.
type StatusResponse struct {
	SensorData      state.SensorState `json:"sensorData"`
	DeviceConnected bool              `json:"deviceConnected"`
	DeviceOnline    bool              `json:"deviceOnline"`
	Stats           Stats             `json:"stats"`
}

// Error is sent to the peer whose message was rejected.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}
