package router

import (
	"fmt"

	"github.com/c360/devicegate/connection"
	"github.com/c360/devicegate/errors"
	"github.com/c360/devicegate/message"
	"github.com/c360/devicegate/state"
)

func (r *Router) handleSensorData(_ *connection.Connection, sender Sender, env message.Envelope) error {
	if sender != FromDevice {
		return fmt.Errorf("%w: sensor_data is only accepted from the device, send device_info first",
			errors.ErrRoleNotPermitted)
	}
	report, err := message.DecodePayload[message.DeviceReport](r.validator, env)
	if err != nil {
		return err
	}
	snap, err := r.store.ApplyDeviceUpdate(report.Update())
	if err != nil {
		return err
	}
	r.engine.ToMonitors(message.Outbound{Type: message.TypeSensorData, Data: snap})
	return nil
}

// handleDeviceInfo is how a connection claims the device slot. A previous
// holder is demoted by the arbiter. Monitors hear about it only when the
// binding or the device identity changed.
func (r *Router) handleDeviceInfo(conn *connection.Connection, sender Sender, env message.Envelope) error {
	if sender != FromDevice && conn.Role() == connection.RoleMonitor {
		return fmt.Errorf("%w: device_info is not accepted from a monitor connection", errors.ErrRoleNotPermitted)
	}
	report, err := message.DecodePayload[message.DeviceReport](r.validator, env)
	if err != nil {
		return err
	}
	if _, err := r.store.ApplyDeviceUpdate(report.Update()); err != nil {
		return err
	}
	res, err := r.arbiter.Bind(conn.ID(), report.DeviceID)
	if err != nil {
		return err
	}
	conn.Touch(r.now())

	snap := r.store.Read()
	if res.Changed || res.IdentityChanged {
		lastSeen := snap.LastUpdate
		r.engine.ToMonitors(message.Outbound{Type: message.TypeDeviceStatus, Data: message.DeviceStatus{
			Status:     state.StatusOnline,
			DeviceID:   snap.DeviceID,
			DeviceName: snap.DeviceName,
			LastSeen:   &lastSeen,
		}})
	}
	return r.sendWelcome(conn.ID(), snap)
}

func (r *Router) handleFanControl(sender Sender, env message.Envelope) error {
	cmd, err := message.DecodePayload[message.FanControl](r.validator, env)
	if err != nil {
		return err
	}
	if sender == FromMonitor {
		_, err := r.ControlActuator(cmd.State, cmd.Mode)
		return err
	}

	// The device reporting its actuator confirms any pending command.
	snap, err := r.store.SetActuator(cmd.State, state.ControlMode(cmd.Mode), false)
	if err != nil {
		return err
	}
	r.engine.ToMonitors(fanStatus(snap))
	return nil
}

func (r *Router) handleThresholdUpdate(sender Sender, env message.Envelope) error {
	cmd, err := message.DecodePayload[message.ThresholdUpdate](r.validator, env)
	if err != nil {
		return err
	}
	if sender == FromMonitor {
		_, err := r.UpdateThreshold(cmd.Threshold)
		return err
	}

	snap, err := r.store.SetThreshold(cmd.Threshold)
	if err != nil {
		return err
	}
	r.engine.ToMonitors(thresholdUpdated(snap))
	return nil
}

func (r *Router) handleModeChange(sender Sender, env message.Envelope) error {
	cmd, err := message.DecodePayload[message.ModeChange](r.validator, env)
	if err != nil {
		return err
	}
	if sender == FromMonitor {
		_, err := r.ChangeMode(cmd.AutoMode, cmd.ManualMode)
		return err
	}

	snap, err := r.store.SetMode(cmd.AutoMode, cmd.ManualMode)
	if err != nil {
		return err
	}
	r.engine.ToMonitors(modeUpdated(snap))
	return nil
}

func (r *Router) handleRequestStatus(conn *connection.Connection) error {
	return r.engine.ToOne(conn.ID(), message.Outbound{Type: message.TypeStatusResponse, Data: r.Status()})
}

// handleClientConnected promotes an unassigned connection to monitor. The
// bound device gets the same welcome and keeps its role.
func (r *Router) handleClientConnected(conn *connection.Connection, sender Sender, env message.Envelope) error {
	hello, err := message.DecodePayload[message.ClientConnected](r.validator, env)
	if err != nil {
		return err
	}
	if sender == FromMonitor && conn.PromoteToMonitor() {
		r.logger.Info("monitor connected", "conn_id", uint64(conn.ID()), "client_type", hello.ClientType)
	}
	return r.sendWelcome(conn.ID(), r.store.Read())
}

func (r *Router) sendWelcome(id connection.ID, snap state.SensorState) error {
	stats := r.Stats()
	return r.engine.ToOne(id, message.Outbound{Type: message.TypeWelcome, Data: message.Welcome{
		Message:         WelcomeMessage,
		CurrentData:     snap,
		DeviceConnected: stats.DeviceConnected,
		Stats:           stats,
	}})
}

func fanStatus(s state.SensorState) message.Outbound {
	return message.Outbound{Type: message.TypeFanStatus, Data: message.FanStatus{
		FanState: s.ActuatorOn,
		Mode:     s.Mode,
		Pending:  s.ActuatorPending,
	}}
}

func thresholdUpdated(s state.SensorState) message.Outbound {
	return message.Outbound{Type: message.TypeThresholdUpdated, Data: message.ThresholdUpdated{Threshold: s.Threshold}}
}

func modeUpdated(s state.SensorState) message.Outbound {
	return message.Outbound{Type: message.TypeModeUpdated, Data: message.ModeUpdated{
		AutoMode:   s.AutoMode(),
		ManualMode: s.ManualMode(),
	}}
}
