package state

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/devicegate/errors"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func ptr[T any](v T) *T { return &v }

func TestNewStore_Defaults(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewStore(WithClock(fixedClock(start)))

	got := s.Read()
	assert.Equal(t, DefaultTemperature, got.Temperature)
	assert.Equal(t, DefaultHumidity, got.Humidity)
	assert.Equal(t, DefaultThreshold, got.Threshold)
	assert.False(t, got.ActuatorOn)
	assert.False(t, got.ActuatorPending)
	assert.Equal(t, ModeAuto, got.Mode)
	assert.Equal(t, StatusOffline, got.DeviceStatus)
	assert.Equal(t, start, got.LastUpdate)
	assert.Empty(t, got.DeviceID)
}

func TestNewStore_NormalisesInitial(t *testing.T) {
	s := NewStore(WithInitial(SensorState{Threshold: 20, Mode: "bogus", DeviceStatus: "weird"}))

	got := s.Read()
	assert.Equal(t, ModeAuto, got.Mode)
	assert.Equal(t, StatusOffline, got.DeviceStatus)
	assert.Equal(t, 20.0, got.Threshold)
}

func TestStore_ReadReturnsCopy(t *testing.T) {
	s := NewStore()
	_, err := s.ApplyDeviceUpdate(DeviceUpdate{WifiRSSI: ptr(-60)})
	require.NoError(t, err)

	snap := s.Read()
	*snap.WifiRSSI = 0
	snap.Threshold = 99

	again := s.Read()
	assert.Equal(t, -60, *again.WifiRSSI)
	assert.Equal(t, DefaultThreshold, again.Threshold)
}

func TestStore_ApplyDeviceUpdate(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(WithClock(fixedClock(now)))

	_, err := s.SetActuator(true, ModeManual, true)
	require.NoError(t, err)

	got, err := s.ApplyDeviceUpdate(DeviceUpdate{
		DeviceID:    "esp-1",
		DeviceName:  "Barn",
		Temperature: ptr(31.5),
		Humidity:    ptr(55.0),
		ActuatorOn:  ptr(false),
		AutoMode:    ptr(true),
		ManualMode:  ptr(false),
		Threshold:   ptr(28.0),
		Uptime:      ptr(int64(1200)),
	})
	require.NoError(t, err)

	assert.Equal(t, "esp-1", got.DeviceID)
	assert.Equal(t, "Barn", got.DeviceName)
	assert.Equal(t, 31.5, got.Temperature)
	assert.Equal(t, 55.0, got.Humidity)
	assert.False(t, got.ActuatorOn)
	assert.False(t, got.ActuatorPending, "reported actuator state confirms pending command")
	assert.Equal(t, ModeAuto, got.Mode)
	assert.Equal(t, 28.0, got.Threshold)
	assert.Equal(t, StatusOnline, got.DeviceStatus)
	assert.Equal(t, now, got.LastUpdate)
	assert.Equal(t, int64(1200), *got.Uptime)
	assert.Equal(t, got, s.Read())
}

func TestStore_ApplyDeviceUpdate_PartialKeepsFields(t *testing.T) {
	s := NewStore()
	_, err := s.ApplyDeviceUpdate(DeviceUpdate{DeviceID: "a", DeviceName: "A"})
	require.NoError(t, err)
	_, err = s.SetActuator(true, "", true)
	require.NoError(t, err)

	got, err := s.ApplyDeviceUpdate(DeviceUpdate{Temperature: ptr(20.0)})
	require.NoError(t, err)
	assert.Equal(t, "a", got.DeviceID)
	assert.Equal(t, "A", got.DeviceName)
	assert.True(t, got.ActuatorOn)
	assert.True(t, got.ActuatorPending, "no fanState reported, command still pending")
}

func TestStore_ApplyDeviceUpdate_SingleModeFlag(t *testing.T) {
	s := NewStore()

	got, err := s.ApplyDeviceUpdate(DeviceUpdate{ManualMode: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, ModeManual, got.Mode)

	got, err = s.ApplyDeviceUpdate(DeviceUpdate{AutoMode: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, ModeAuto, got.Mode)
}

func TestStore_ApplyDeviceUpdate_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		upd   DeviceUpdate
		field string
	}{
		{"temperature too high", DeviceUpdate{Temperature: ptr(150.0)}, "temperature"},
		{"humidity negative", DeviceUpdate{Humidity: ptr(-1.0)}, "humidity"},
		{"threshold out of range", DeviceUpdate{Threshold: ptr(101.0)}, "temperatureThreshold"},
		{"both modes", DeviceUpdate{AutoMode: ptr(true), ManualMode: ptr(true)}, "mode"},
		{"neither mode", DeviceUpdate{AutoMode: ptr(false), ManualMode: ptr(false)}, "mode"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			before := s.Read()

			_, err := s.ApplyDeviceUpdate(tt.upd)
			require.Error(t, err)
			ve, ok := errors.AsValidationError(err)
			require.True(t, ok)
			assert.Equal(t, tt.field, ve.Field)
			assert.Equal(t, before, s.Read(), "state must be unchanged")
		})
	}
}

func TestStore_SetActuator(t *testing.T) {
	s := NewStore()

	got, err := s.SetActuator(true, ModeManual, true)
	require.NoError(t, err)
	assert.True(t, got.ActuatorOn)
	assert.True(t, got.ActuatorPending)
	assert.Equal(t, ModeManual, got.Mode)

	got, err = s.SetActuator(false, "", false)
	require.NoError(t, err)
	assert.False(t, got.ActuatorOn)
	assert.Equal(t, ModeManual, got.Mode, "empty mode keeps current mode")

	_, err = s.SetActuator(true, "turbo", false)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, s.Read().ActuatorOn)
}

func TestStore_SetThreshold(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		wantErr bool
	}{
		{"in range", 22.5, false},
		{"lower bound", 0, false},
		{"upper bound", 100, false},
		{"below", -0.1, true},
		{"above", 100.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			got, err := s.SetThreshold(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				ve, ok := errors.AsValidationError(err)
				require.True(t, ok)
				assert.Equal(t, "threshold", ve.Field)
				assert.Equal(t, DefaultThreshold, s.Read().Threshold)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.value, got.Threshold)
			assert.Equal(t, tt.value, s.Read().Threshold)
		})
	}
}

func TestStore_SetThreshold_CustomLimits(t *testing.T) {
	s := NewStore(WithLimits(Limits{
		Threshold:   Range{Min: 10, Max: 40},
		Temperature: Range{Min: -50, Max: 100},
		Humidity:    Range{Min: 0, Max: 100},
	}))

	_, err := s.SetThreshold(5)
	assert.Error(t, err)
	_, err = s.SetThreshold(35)
	assert.NoError(t, err)
}

func TestStore_SetMode(t *testing.T) {
	tests := []struct {
		name    string
		auto    bool
		manual  bool
		want    ControlMode
		wantErr bool
	}{
		{"auto", true, false, ModeAuto, false},
		{"manual", false, true, ModeManual, false},
		{"both", true, true, "", true},
		{"neither", false, false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			_, _ = s.SetMode(false, true)
			before := s.Read()

			got, err := s.SetMode(tt.auto, tt.manual)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrValidation)
				assert.Equal(t, before, s.Read())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Mode)
			assert.NotEqual(t, got.AutoMode(), got.ManualMode())
		})
	}
}

func TestStore_SetStatus_KeepsLastUpdate(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	s := NewStore(WithClock(func() time.Time { return clock }))

	_, err := s.ApplyDeviceUpdate(DeviceUpdate{DeviceID: "d"})
	require.NoError(t, err)

	clock = t0.Add(time.Minute)
	got, err := s.SetStatus(StatusOffline)
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.DeviceStatus)
	assert.Equal(t, t0, got.LastUpdate)

	_, err = s.SetStatus("gone")
	assert.Error(t, err)
	assert.Equal(t, StatusOffline, s.Read().DeviceStatus)
}

func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			_, _ = s.SetThreshold(float64(i))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = s.SetMode(i%2 == 0, i%2 != 0)
		}(i)
		go func() {
			defer wg.Done()
			snap := s.Read()
			assert.True(t, snap.Mode.Valid())
		}()
	}
	wg.Wait()

	snap := s.Read()
	assert.True(t, snap.Mode == ModeAuto || snap.Mode == ModeManual)
}

func TestSensorState_JSON(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	in := SensorState{
		Temperature:     24.5,
		Humidity:        61,
		ActuatorOn:      true,
		ActuatorPending: true,
		Mode:            ModeManual,
		Threshold:       27,
		LastUpdate:      ts,
		DeviceStatus:    StatusOnline,
		DeviceID:        "esp-1",
	}

	raw, err := json.Marshal(in)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, true, fields["fanState"])
	assert.Equal(t, true, fields["fanPending"])
	assert.Equal(t, false, fields["autoMode"])
	assert.Equal(t, true, fields["manualMode"])
	assert.Equal(t, 27.0, fields["temperatureThreshold"])
	assert.Equal(t, "online", fields["deviceStatus"])
	assert.NotContains(t, fields, "deviceName")
	assert.NotContains(t, fields, "wifiRSSI")

	var out SensorState
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, in, out)
}
