// Package serialdrv implements driver.Driver over goburrow/serial for raw
// byte-oriented devices that don't speak Modbus, grounded on
// original_source/backend/drivers/serial_driver.py.
package serialdrv

import (
	"context"
	"fmt"
	"time"

	goserial "github.com/goburrow/serial"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/model"
)

func init() {
	driver.Register(model.ProtocolSerial, New)
}

type Driver struct {
	cfg     goserial.Config
	port    goserial.Port
	lastErr error
}

func New(_ model.ProtocolType, params map[string]any) (driver.Driver, error) {
	portName, _ := params["port_name"].(string)
	d := &Driver{
		cfg: goserial.Config{
			Address:  portName,
			BaudRate: intParam(params, "baud_rate", 9600),
			DataBits: intParam(params, "data_bits", 8),
			StopBits: intParam(params, "stop_bits", 1),
			Parity:   strParam(params, "parity", "N"),
			Timeout:  time.Duration(intParam(params, "timeout_ms", 1000)) * time.Millisecond,
		},
	}
	return d, nil
}

func (d *Driver) Connect(ctx context.Context) error {
	p, err := goserial.Open(&d.cfg)
	if err != nil {
		d.lastErr = err
		return apperr.Wrap(apperr.ConnectFailed, "serial connect", err)
	}
	d.port = p
	d.lastErr = nil
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.port != nil {
		err := d.port.Close()
		d.port = nil
		return err
	}
	return nil
}

func (d *Driver) IsConnected() bool { return d.port != nil }

func (d *Driver) RegisterMessageHandler(driver.MessageHandler) {}

// LastError surfaces the most recent connect failure, the way
// get_last_error() does on the Python driver.
func (d *Driver) LastError() error { return d.lastErr }

func (d *Driver) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	if d.port == nil {
		return nil, apperr.New(apperr.ConnectFailed, "serial port not open")
	}
	switch action {
	case "serial.send":
		data, _ := params["data"].(string)
		n, err := d.port.Write([]byte(data))
		if err != nil {
			return nil, apperr.Wrap(apperr.ActionError, "serial.send", err)
		}
		return map[string]any{"bytes_written": n}, nil

	case "serial.receive":
		maxBytes := intParam(params, "max_bytes", 256)
		buf := make([]byte, maxBytes)
		n, err := d.port.Read(buf)
		if err != nil {
			return nil, apperr.Wrap(apperr.ActionError, "serial.receive", err)
		}
		return map[string]any{"data": string(buf[:n])}, nil

	default:
		return nil, apperr.New(apperr.Unsupported, fmt.Sprintf("unsupported serial action %q", action))
	}
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func strParam(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}
