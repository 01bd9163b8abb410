package router

import (
	"encoding/json"
	"fmt"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/state"
)

// ControlActuator applies a monitor actuator command. The state is marked
// pending until the device confirms it. With no device bound the command is
// dropped, but monitors still see the pending state. An empty mode means
// manual.
func (r *Router) ControlActuator(on bool, mode string) (state.SensorState, error) {
	m := state.ControlMode(mode)
	if m == "" {
		m = state.ModeManual
	}
	snap, err := r.store.SetActuator(on, m, true)
	if err != nil {
		return state.SensorState{}, err
	}

	r.engine.ToDevice(message.Outbound{Type: message.TypeFanControl, Data: message.FanControl{
		State: snap.ActuatorOn,
		Mode:  string(snap.Mode),
	}})
	r.engine.ToMonitors(fanStatus(snap))
	return snap, nil
}

// UpdateThreshold applies a monitor setpoint change and forwards it to the
// device.
func (r *Router) UpdateThreshold(value float64) (state.SensorState, error) {
	snap, err := r.store.SetThreshold(value)
	if err != nil {
		return state.SensorState{}, err
	}

	r.engine.ToDevice(message.Outbound{Type: message.TypeThresholdUpdate, Data: message.ThresholdUpdate{
		Threshold: snap.Threshold,
	}})
	r.engine.ToMonitors(thresholdUpdated(snap))
	return snap, nil
}

// ChangeMode applies a monitor mode change and forwards it to the device.
// The flags must be complementary.
func (r *Router) ChangeMode(auto, manual bool) (state.SensorState, error) {
	snap, err := r.store.SetMode(auto, manual)
	if err != nil {
		return state.SensorState{}, err
	}

	r.engine.ToDevice(message.Outbound{Type: message.TypeModeChange, Data: message.ModeChange{
		AutoMode:   snap.AutoMode(),
		ManualMode: snap.ManualMode(),
	}})
	r.engine.ToMonitors(modeUpdated(snap))
	return snap, nil
}

// IngestDeviceUpdate applies a device report that arrived outside a
// WebSocket session, such as an HTTP post. It does not touch the device
// slot. deviceId, temperature and humidity are required.
func (r *Router) IngestDeviceUpdate(report message.DeviceReport) (state.SensorState, error) {
	switch {
	case report.DeviceID == "":
		return state.SensorState{}, errors.NewValidationError("deviceId", nil, "is required")
	case report.Temperature == nil:
		return state.SensorState{}, errors.NewValidationError("temperature", nil, "is required")
	case report.Humidity == nil:
		return state.SensorState{}, errors.NewValidationError("humidity", nil, "is required")
	}

	snap, err := r.store.ApplyDeviceUpdate(report.Update())
	if err != nil {
		return state.SensorState{}, err
	}
	r.engine.ToMonitors(message.Outbound{Type: message.TypeSensorData, Data: snap})
	return snap, nil
}

// Execute runs a command received outside a WebSocket session with monitor
// semantics. data is validated against the same schema as the WebSocket
// payload. Only fan_control, threshold_update and mode_change are accepted.
func (r *Router) Execute(t message.Type, data json.RawMessage) (state.SensorState, error) {
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	env := message.Envelope{Type: t, Data: data}

	var err error
	switch t {
	case message.TypeFanControl:
		var cmd message.FanControl
		if cmd, err = message.DecodePayload[message.FanControl](r.validator, env); err == nil {
			return r.ControlActuator(cmd.State, cmd.Mode)
		}
	case message.TypeThresholdUpdate:
		var cmd message.ThresholdUpdate
		if cmd, err = message.DecodePayload[message.ThresholdUpdate](r.validator, env); err == nil {
			return r.UpdateThreshold(cmd.Threshold)
		}
	case message.TypeModeChange:
		var cmd message.ModeChange
		if cmd, err = message.DecodePayload[message.ModeChange](r.validator, env); err == nil {
			return r.ChangeMode(cmd.AutoMode, cmd.ManualMode)
		}
	default:
		err = fmt.Errorf("%w: %s is not a command", errors.ErrUnknownMessageType, t)
	}
	r.metrics.rejected(errors.Code(err))
	return state.SensorState{}, err
}

// Snapshot returns the current state.
func (r *Router) Snapshot() state.SensorState {
	return r.store.Read()
}

// SendSnapshot unicasts the current state as sensor_data. The gateway calls
// it for every accepted connection before any other traffic.
func (r *Router) SendSnapshot(id connection.ID) error {
	return r.engine.ToOne(id, message.Outbound{Type: message.TypeSensorData, Data: r.store.Read()})
}

// Stats summarises live connections. Every connection not holding the
// device slot counts as a monitor.
func (r *Router) Stats() message.Stats {
	total := r.registry.Count()
	deviceID, bound := r.arbiter.CurrentDeviceID()

	monitors := total
	if bound && monitors > 0 {
		monitors--
	}
	return message.Stats{
		TotalConnections:   total,
		MonitorConnections: monitors,
		DeviceConnected:    bound,
		DeviceID:           deviceID,
	}
}

// Status is the request_status answer.
func (r *Router) Status() message.StatusResponse {
	snap := r.store.Read()
	stats := r.Stats()
	return message.StatusResponse{
		SensorData:      snap,
		DeviceConnected: stats.DeviceConnected,
		DeviceOnline:    snap.DeviceStatus == state.StatusOnline,
		Stats:           stats,
	}
}
