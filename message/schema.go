package message

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/devicegate/errors"
)

const deviceReportProperties = `
	"deviceId":             {"type": "string"},
	"deviceName":           {"type": "string"},
	"temperature":          {"type": "number"},
	"humidity":             {"type": "number"},
	"fanState":             {"type": "boolean"},
	"autoMode":             {"type": "boolean"},
	"manualMode":           {"type": "boolean"},
	"temperatureThreshold": {"type": "number"},
	"wifiRSSI":             {"type": "integer"},
	"uptime":               {"type": "integer", "minimum": 0}`

var schemaSources = map[Type]string{
	TypeSensorData: `{
		"type": "object",
		"required": ["temperature", "humidity"],
		"properties": {` + deviceReportProperties + `}
	}`,
	TypeDeviceInfo: `{
		"type": "object",
		"required": ["deviceId"],
		"properties": {` + deviceReportProperties + `,
			"deviceId": {"type": "string", "minLength": 1}
		}
	}`,
	TypeFanControl: `{
		"type": "object",
		"required": ["state"],
		"properties": {
			"state": {"type": "boolean"},
			"mode":  {"type": "string", "enum": ["auto", "manual"]}
		}
	}`,
	TypeThresholdUpdate: `{
		"type": "object",
		"required": ["threshold"],
		"properties": {
			"threshold": {"type": "number"}
		}
	}`,
	TypeModeChange: `{
		"type": "object",
		"required": ["autoMode", "manualMode"],
		"properties": {
			"autoMode":   {"type": "boolean"},
			"manualMode": {"type": "boolean"}
		}
	}`,
	TypeClientConnected: `{
		"type": "object",
		"properties": {
			"clientType":   {"type": "string"},
			"connectionId": {"type": ["string", "number"]}
		}
	}`,
	TypeRequestStatus: `{"type": "object"}`,
}

// Validator checks inbound payloads against per-type JSON schemas. It is
// safe for concurrent use.
type Validator struct {
	schemas map[Type]*gojsonschema.Schema
}

// NewValidator compiles the payload schemas.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[Type]*gojsonschema.Schema, len(schemaSources))}
	for t, src := range schemaSources {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, errors.WrapFatal(err, "Validator", "NewValidator", fmt.Sprintf("compile %s schema", t))
		}
		v.schemas[t] = s
	}
	return v, nil
}

// Validate checks data against the schema for t. Types without a schema
// pass. The first violation is returned as a *errors.ValidationError.
func (v *Validator) Validate(t Type, data json.RawMessage) error {
	s, ok := v.schemas[t]
	if !ok {
		return nil
	}
	if len(data) == 0 {
		data = emptyObject
	}

	res, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDeserialization, err)
	}
	if res.Valid() {
		return nil
	}

	first := res.Errors()[0]
	if first.Type() == "required" {
		return errors.NewValidationError(fieldOf(first), nil, "is required")
	}
	return errors.NewValidationError(fieldOf(first), first.Value(), first.Description())
}

// rootField is how gojsonschema names the document root.
const rootField = "(root)"

func fieldOf(re gojsonschema.ResultError) string {
	if re.Type() == "required" {
		if p, ok := re.Details()["property"].(string); ok {
			return p
		}
	}
	if f := re.Field(); f != "" && f != rootField {
		return f
	}
	return "data"
}

// DecodePayload validates env's payload and unmarshals it into T.
func DecodePayload[T any](v *Validator, env Envelope) (T, error) {
	var out T
	if err := v.Validate(env.Type, env.Data); err != nil {
		return out, err
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", errors.ErrDeserialization, env.Type, err)
	}
	return out, nil
}
