// Package mqttdrv implements driver.Driver over paho.mqtt.golang, adapted
// from the teacher's internal/messaging.MsgBroker connect/publish/subscribe
// wrapping. Unlike the shared broker the teacher uses for a whole edge
// process, each device runtime owns its own client here, matching
// original_source/backend/drivers/mqtt_driver.py's per-device connection.
package mqttdrv

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/model"
)

func init() {
	driver.Register(model.ProtocolMQTT, New)
}

type Driver struct {
	client  mqtt.Client
	handler driver.MessageHandler

	connectTimeout time.Duration
	publishTimeout time.Duration
}

func New(_ model.ProtocolType, params map[string]any) (driver.Driver, error) {
	brokerURL, _ := params["broker_url"].(string)
	if brokerURL == "" {
		brokerURL = "tcp://127.0.0.1:1883"
	}
	clientID := fmt.Sprintf("scalegate-%s", uuid.New().String()[:8])

	d := &Driver{connectTimeout: 5 * time.Second, publishTimeout: 5 * time.Second}

	opts := mqtt.NewClientOptions().AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.OnMessage = func(_ mqtt.Client, msg mqtt.Message) {
		if d.handler != nil {
			go d.handler(context.Background(), msg.Topic(), msg.Payload())
		}
	}
	d.client = mqtt.NewClient(opts)
	return d, nil
}

func (d *Driver) RegisterMessageHandler(h driver.MessageHandler) { d.handler = h }

func (d *Driver) Connect(ctx context.Context) error {
	if d.client.IsConnected() {
		return nil
	}
	token := d.client.Connect()
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()
	select {
	case <-done:
		if err := token.Error(); err != nil {
			return apperr.Wrap(apperr.ConnectFailed, "mqtt connect", err)
		}
		return nil
	case <-ctx.Done():
		d.client.Disconnect(250)
		return ctx.Err()
	}
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.client.IsConnected() {
		d.client.Disconnect(250)
	}
	return nil
}

func (d *Driver) IsConnected() bool { return d.client.IsConnected() }

func (d *Driver) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	switch action {
	case "mqtt.subscribe":
		topic, _ := params["topic"].(string)
		qos := byteQoS(params)
		token := d.client.Subscribe(topic, qos, nil)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return nil, apperr.Wrap(apperr.ActionError, "mqtt.subscribe", err)
			}
			return map[string]any{"ok": true}, nil
		case <-time.After(d.connectTimeout):
			return nil, apperr.New(apperr.Timeout, "mqtt.subscribe timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case "mqtt.publish":
		topic, _ := params["topic"].(string)
		payload, _ := params["payload"].(string)
		retain, _ := params["retain"].(bool)
		token := d.client.Publish(topic, byteQoS(params), retain, payload)
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				return nil, apperr.Wrap(apperr.ActionError, "mqtt.publish", err)
			}
			return map[string]any{"ok": true}, nil
		case <-time.After(d.publishTimeout):
			return nil, apperr.New(apperr.Timeout, "mqtt.publish timeout")
		case <-ctx.Done():
			return nil, ctx.Err()
		}

	case "mqtt.on_message":
		// Handled by the message-handler dispatch path, not invoked directly.
		return map[string]any{"ok": true}, nil

	default:
		return nil, apperr.New(apperr.Unsupported, fmt.Sprintf("unsupported mqtt action %q", action))
	}
}

func byteQoS(params map[string]any) byte {
	switch v := params["qos"].(type) {
	case int:
		return byte(v)
	case float64:
		return byte(v)
	default:
		return 1
	}
}
