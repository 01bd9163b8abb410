// Package message defines the WebSocket envelope, the payload of every
// message type and JSON-schema validation of inbound payloads.
//
// Inbound frames are {"type", "data", "timestamp"?}. Outbound frames are
// {"type", "data", "timestamp"} with the timestamp in unix milliseconds,
// stamped when the frame is encoded for delivery.
package message

// Type is the dispatch key of an envelope.
type Type string

// Inbound types. fan_control, threshold_update and mode_change are also sent
// to the device.
const (
	TypeSensorData      Type = "sensor_data"
	TypeDeviceInfo      Type = "device_info"
	TypeFanControl      Type = "fan_control"
	TypeThresholdUpdate Type = "threshold_update"
	TypeModeChange      Type = "mode_change"
	TypeRequestStatus   Type = "request_status"
	TypeClientConnected Type = "client_connected"
)

// Outbound-only types.
const (
	TypeFanStatus        Type = "fan_status"
	TypeThresholdUpdated Type = "threshold_updated"
	TypeModeUpdated      Type = "mode_updated"
	TypeDeviceStatus     Type = "device_status"
	TypeWelcome          Type = "welcome"
	TypeStatusResponse   Type = "status_response"
	TypeError            Type = "error"
)

func (t Type) String() string { return string(t) }

// Inbound reports whether peers may send t.
func (t Type) Inbound() bool {
	switch t {
	case TypeSensorData, TypeDeviceInfo, TypeFanControl, TypeThresholdUpdate,
		TypeModeChange, TypeRequestStatus, TypeClientConnected:
		return true
	}
	return false
}

// Commands are the inbound types accepted from the REST and NATS command
// surfaces.
var Commands = []Type{TypeFanControl, TypeThresholdUpdate, TypeModeChange}
