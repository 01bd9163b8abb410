package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/c360/devicegate/errors"
)

// Option configures a Store.
type Option func(*Store)

// WithLimits overrides the validation bounds.
func WithLimits(l Limits) Option {
	return func(s *Store) { s.limits = l }
}

// WithClock overrides the time source used to stamp device updates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithInitial overrides the startup defaults. Mode and status are normalised
// when the supplied values are not valid.
func WithInitial(initial SensorState) Option {
	return func(s *Store) { s.state = initial.clone() }
}

// Store owns the canonical SensorState. Every method is atomic with respect
// to every other; readers never observe a partially applied mutation.
type Store struct {
	mu     sync.RWMutex
	state  SensorState
	limits Limits
	now    func() time.Time
}

// NewStore creates a store holding the startup defaults: no device,
// status offline, auto mode, actuator off.
func NewStore(opts ...Option) *Store {
	s := &Store{
		limits: DefaultLimits(),
		now:    time.Now,
	}
	s.state = SensorState{
		Temperature:  DefaultTemperature,
		Humidity:     DefaultHumidity,
		Mode:         ModeAuto,
		Threshold:    DefaultThreshold,
		DeviceStatus: StatusOffline,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !s.state.Mode.Valid() {
		s.state.Mode = ModeAuto
	}
	if !s.state.DeviceStatus.Valid() {
		s.state.DeviceStatus = StatusOffline
	}
	if s.state.LastUpdate.IsZero() {
		s.state.LastUpdate = s.now()
	}
	return s
}

// Limits returns the validation bounds in force.
func (s *Store) Limits() Limits {
	return s.limits
}

// Read returns a copy of the current state.
func (s *Store) Read() SensorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// ApplyDeviceUpdate merges a device report into the state, stamps
// LastUpdate and marks the device online. Reporting the actuator state
// confirms any pending command.
func (s *Store) ApplyDeviceUpdate(u DeviceUpdate) (SensorState, error) {
	if err := s.validateUpdate(u); err != nil {
		return SensorState{}, errors.Wrap(err, "Store", "ApplyDeviceUpdate", "validate update")
	}
	mode, hasMode := resolveUpdateMode(u)

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if u.DeviceID != "" {
		next.DeviceID = u.DeviceID
	}
	if u.DeviceName != "" {
		next.DeviceName = u.DeviceName
	}
	if u.Temperature != nil {
		next.Temperature = *u.Temperature
	}
	if u.Humidity != nil {
		next.Humidity = *u.Humidity
	}
	if u.ActuatorOn != nil {
		next.ActuatorOn = *u.ActuatorOn
		next.ActuatorPending = false
	}
	if hasMode {
		next.Mode = mode
	}
	if u.Threshold != nil {
		next.Threshold = *u.Threshold
	}
	if u.WifiRSSI != nil {
		v := *u.WifiRSSI
		next.WifiRSSI = &v
	}
	if u.Uptime != nil {
		v := *u.Uptime
		next.Uptime = &v
	}
	next.LastUpdate = s.now()
	next.DeviceStatus = StatusOnline

	s.state = next
	return s.state.clone(), nil
}

// SetActuator records the actuator state. An empty mode leaves the control
// mode unchanged. pending marks a command not yet confirmed by the device.
func (s *Store) SetActuator(on bool, mode ControlMode, pending bool) (SensorState, error) {
	if mode != "" && !mode.Valid() {
		return SensorState{}, errors.Wrap(
			errors.NewValidationError("mode", string(mode), "must be auto or manual"),
			"Store", "SetActuator", "validate mode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.ActuatorOn = on
	s.state.ActuatorPending = pending
	if mode != "" {
		s.state.Mode = mode
	}
	return s.state.clone(), nil
}

// SetThreshold updates the actuation setpoint.
func (s *Store) SetThreshold(value float64) (SensorState, error) {
	if err := s.checkRange("threshold", value, s.limits.Threshold); err != nil {
		return SensorState{}, errors.Wrap(err, "Store", "SetThreshold", "validate threshold")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Threshold = value
	return s.state.clone(), nil
}

// SetMode switches the control mode. The two flags must be complementary.
func (s *Store) SetMode(auto, manual bool) (SensorState, error) {
	mode, err := ModeFromFlags(auto, manual)
	if err != nil {
		return SensorState{}, errors.Wrap(err, "Store", "SetMode", "validate mode")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Mode = mode
	return s.state.clone(), nil
}

// SetStatus records a device status transition. LastUpdate is not touched so
// that the last device signal stays visible after the device goes away.
func (s *Store) SetStatus(status DeviceStatus) (SensorState, error) {
	if !status.Valid() {
		return SensorState{}, errors.Wrap(
			errors.NewValidationError("deviceStatus", string(status), "must be online, offline or error"),
			"Store", "SetStatus", "validate status")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.DeviceStatus = status
	return s.state.clone(), nil
}

// ModeFromFlags converts the wire booleans to a ControlMode. Both true and
// both false are rejected.
func ModeFromFlags(auto, manual bool) (ControlMode, error) {
	if auto == manual {
		return "", errors.NewValidationError("mode", nil, "autoMode and manualMode must be complementary")
	}
	if auto {
		return ModeAuto, nil
	}
	return ModeManual, nil
}

func (s *Store) validateUpdate(u DeviceUpdate) error {
	if u.Temperature != nil {
		if err := s.checkRange("temperature", *u.Temperature, s.limits.Temperature); err != nil {
			return err
		}
	}
	if u.Humidity != nil {
		if err := s.checkRange("humidity", *u.Humidity, s.limits.Humidity); err != nil {
			return err
		}
	}
	if u.Threshold != nil {
		if err := s.checkRange("temperatureThreshold", *u.Threshold, s.limits.Threshold); err != nil {
			return err
		}
	}
	if u.AutoMode != nil && u.ManualMode != nil {
		if _, err := ModeFromFlags(*u.AutoMode, *u.ManualMode); err != nil {
			return err
		}
	}
	return nil
}

// resolveUpdateMode derives the mode from a device report. A single flag
// implies its complement.
func resolveUpdateMode(u DeviceUpdate) (ControlMode, bool) {
	switch {
	case u.AutoMode != nil:
		if *u.AutoMode {
			return ModeAuto, true
		}
		return ModeManual, true
	case u.ManualMode != nil:
		if *u.ManualMode {
			return ModeManual, true
		}
		return ModeAuto, true
	}
	return "", false
}

func rangeReason(r Range) string {
	return fmt.Sprintf("must be between %g and %g", r.Min, r.Max)
}

func (s *Store) checkRange(field string, v float64, r Range) error {
	if !r.Contains(v) {
		return errors.NewValidationError(field, v, rangeReason(r))
	}
	return nil
}
