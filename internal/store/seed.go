package store

import (
	"time"

	"github.com/fisaks/scalegate/internal/model"
)

// seedSystemTemplates installs the two built-in templates every gateway
// ships with, transliterated from
// original_source/backend/database/models.py::system_templates().
func (s *Store) seedSystemTemplates() {
	now := time.Now()

	modbusScale := model.ProtocolTemplate{
		Name:         "Standard Modbus Scale",
		Description:  "Reads a weight value from two consecutive input registers",
		ProtocolType: model.ProtocolModbusTCP,
		IsSystem:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		Template: model.Template{
			Name:         "Standard Modbus Scale",
			ProtocolType: model.ProtocolModbusTCP,
			Variables: []model.Variable{
				{Name: "slave_id", Type: model.VarInt, Default: 1, Label: "Slave ID"},
				{Name: "address", Type: model.VarInt, Default: 0, Label: "Register Address"},
			},
			Steps: []model.Step{
				{
					ID:      "read_weight",
					Name:    "Read weight registers",
					Trigger: model.TriggerPoll,
					Action:  "modbus.read_input_registers",
					Params: map[string]any{
						"address": "${address}",
						"count":   2,
					},
					Parse: &model.ParseConfig{
						Type:       model.ParseExpression,
						Expression: "registers[0]*65536+registers[1]",
					},
				},
			},
			Output: map[string]any{
				"weight": "${steps.read_weight.result}",
				"unit":   "kg",
			},
		},
	}

	mqttScale := model.ProtocolTemplate{
		Name:         "MQTT Weight Sensor",
		Description:  "Subscribes to a topic publishing JSON weight readings",
		ProtocolType: model.ProtocolMQTT,
		IsSystem:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
		Template: model.Template{
			Name:         "MQTT Weight Sensor",
			ProtocolType: model.ProtocolMQTT,
			Variables: []model.Variable{
				{Name: "topic", Type: model.VarString, Default: "sensor/weight", Label: "Topic"},
			},
			SetupSteps: []model.Step{
				{
					ID:      "subscribe",
					Name:    "Subscribe to weight topic",
					Trigger: model.TriggerPoll,
					Action:  "mqtt.subscribe",
					Params: map[string]any{
						"topic": "${topic}",
					},
				},
			},
			MessageHandler: &model.Step{
				ID:      "message_handler",
				Name:    "Parse inbound weight message",
				Trigger: "event",
				Action:  "mqtt.on_message",
				Parse: &model.ParseConfig{
					Type:    model.ParseRegex,
					Pattern: `"weight"\s*:\s*([-+]?[0-9]*\.?[0-9]+)`,
					Group:   1,
				},
			},
			Output: map[string]any{
				"weight": "${message_handler.result}",
				"unit":   "kg",
			},
		},
	}

	for _, t := range []model.ProtocolTemplate{modbusScale, mqttScale} {
		s.nextTemplateID++
		t.ID = s.nextTemplateID
		s.templates[t.ID] = t
	}
}
