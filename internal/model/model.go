// Package model defines the wire/domain types shared across the gateway:
// protocol templates, steps, devices and runtime state (spec.md §3).
package model

import "time"

type ProtocolType string

const (
	ProtocolModbusTCP ProtocolType = "modbus_tcp"
	ProtocolModbusRTU ProtocolType = "modbus_rtu"
	ProtocolMQTT      ProtocolType = "mqtt"
	ProtocolSerial    ProtocolType = "serial"
	ProtocolTCP       ProtocolType = "tcp"
)

type VariableType string

const (
	VarString VariableType = "string"
	VarInt    VariableType = "int"
	VarFloat  VariableType = "float"
	VarBool   VariableType = "bool"
)

type Variable struct {
	Name    string       `json:"name"`
	Type    VariableType `json:"type"`
	Default any          `json:"default"`
	Label   string       `json:"label"`
}

type Trigger string

const (
	TriggerPoll   Trigger = "poll"
	TriggerManual Trigger = "manual"
)

type ParseType string

const (
	ParseExpression ParseType = "expression"
	ParseRegex      ParseType = "regex"
	ParseSubstring  ParseType = "substring"
	ParseStruct     ParseType = "struct"
)

// ParseConfig is the union of parse-pipeline variants (spec.md §4.2.1).
type ParseConfig struct {
	Type       ParseType `json:"type"`
	Expression string    `json:"expression,omitempty"`
	Pattern    string    `json:"pattern,omitempty"`
	Group      int       `json:"group,omitempty"`
	Start      int       `json:"start,omitempty"`
	End        int       `json:"end,omitempty"`
	Format     string    `json:"format,omitempty"`
	Fields     []string  `json:"fields,omitempty"`
}

// Step is the unit of work inside a template (spec.md §3).
type Step struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Trigger Trigger        `json:"trigger"`
	Action  string         `json:"action"`
	Params  map[string]any `json:"params"`
	Parse   *ParseConfig   `json:"parse,omitempty"`
}

// Template is the body of a ProtocolTemplate (spec.md §3).
type Template struct {
	Name           string         `json:"name"`
	ProtocolType   ProtocolType   `json:"protocol_type"`
	Variables      []Variable     `json:"variables"`
	SetupSteps     []Step         `json:"setup_steps,omitempty"`
	Steps          []Step         `json:"steps,omitempty"`
	MessageHandler *Step          `json:"message_handler,omitempty"`
	Output         map[string]any `json:"output"`
}

type ProtocolTemplate struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description,omitempty"`
	ProtocolType ProtocolType `json:"protocol_type"`
	Template     Template     `json:"template"`
	IsSystem     bool         `json:"is_system"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type Device struct {
	ID                 int64          `json:"id"`
	DeviceCode         string         `json:"device_code"`
	Name               string         `json:"name"`
	ProtocolTemplateID int64          `json:"protocol_template_id"`
	ConnectionParams   map[string]any `json:"connection_params"`
	TemplateVariables  map[string]any `json:"template_variables"`
	PollInterval       float64        `json:"poll_interval"`
	Enabled            bool           `json:"enabled"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusError   Status = "error"
)

// StepResult is the binding recorded under context.steps.<id>.
type StepResult struct {
	Result any `json:"result"`
}

// RuntimeState is the live, per-device snapshot (spec.md §3).
type RuntimeState struct {
	DeviceID     int64                 `json:"device_id"`
	DeviceCode   string                `json:"device_code"`
	DeviceName   string                `json:"device_name"`
	Status       Status                `json:"status"`
	Weight       *float64              `json:"weight"`
	Unit         string                `json:"unit"`
	Timestamp    time.Time             `json:"timestamp"`
	Error        *string               `json:"error"`
	StepResults  map[string]StepResult `json:"step_results"`
}

// EventMessage is the event-bus wire shape (spec.md §4.3).
type EventMessage struct {
	Type       string   `json:"type"`
	DeviceID   int64    `json:"device_id,omitempty"`
	DeviceCode string   `json:"device_code,omitempty"`
	DeviceName string   `json:"device_name,omitempty"`
	Status     Status   `json:"status,omitempty"`
	Weight     *float64 `json:"weight,omitempty"`
	Unit       string   `json:"unit,omitempty"`
	Timestamp  string   `json:"timestamp,omitempty"`
	Error      *string  `json:"error,omitempty"`
}

// ToMessage renders the RuntimeState as the weight_update event shape.
func (s RuntimeState) ToMessage() EventMessage {
	ts := ""
	if !s.Timestamp.IsZero() {
		ts = s.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return EventMessage{
		Type:       "weight_update",
		DeviceID:   s.DeviceID,
		DeviceCode: s.DeviceCode,
		DeviceName: s.DeviceName,
		Status:     s.Status,
		Weight:     s.Weight,
		Unit:       s.Unit,
		Timestamp:  ts,
		Error:      s.Error,
	}
}

// WriteActions is the set of step actions the manual-step gate protects
// (spec.md §4.2, write-operation policy).
var WriteActions = map[string]bool{
	"modbus.write_register": true,
	"modbus.write_coil":      true,
	"mqtt.publish":           true,
}

func IsWriteAction(action string) bool {
	return WriteActions[action]
}
