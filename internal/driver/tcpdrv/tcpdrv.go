// Package tcpdrv implements driver.Driver over a raw net.Conn for devices
// that speak a bespoke line/byte protocol directly on TCP, grounded on
// original_source/backend/drivers/tcp_driver.py.
package tcpdrv

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/model"
)

func init() {
	driver.Register(model.ProtocolTCP, New)
}

type Driver struct {
	addr    string
	timeout time.Duration
	conn    net.Conn
}

func New(_ model.ProtocolType, params map[string]any) (driver.Driver, error) {
	host, _ := params["host"].(string)
	port := intParam(params, "port", 9000)
	return &Driver{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: time.Duration(intParam(params, "timeout_ms", 2000)) * time.Millisecond,
	}, nil
}

func (d *Driver) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return apperr.Wrap(apperr.ConnectFailed, "tcp connect", err)
	}
	d.conn = conn
	return nil
}

func (d *Driver) Disconnect(ctx context.Context) error {
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

func (d *Driver) IsConnected() bool { return d.conn != nil }

func (d *Driver) RegisterMessageHandler(driver.MessageHandler) {}

func (d *Driver) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	if d.conn == nil {
		return nil, apperr.New(apperr.ConnectFailed, "tcp connection not open")
	}
	switch action {
	case "tcp.send":
		data, _ := params["data"].(string)
		d.conn.SetWriteDeadline(time.Now().Add(d.timeout))
		n, err := d.conn.Write([]byte(data))
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, apperr.Wrap(apperr.Timeout, "tcp.send", err)
			}
			return nil, apperr.Wrap(apperr.ActionError, "tcp.send", err)
		}
		return map[string]any{"bytes_written": n}, nil

	case "tcp.receive":
		maxBytes := intParam(params, "max_bytes", 256)
		d.conn.SetReadDeadline(time.Now().Add(d.timeout))
		buf := make([]byte, maxBytes)
		n, err := d.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, apperr.Wrap(apperr.Timeout, "tcp.receive", err)
			}
			return nil, apperr.Wrap(apperr.ActionError, "tcp.receive", err)
		}
		return map[string]any{"data": string(buf[:n])}, nil

	default:
		return nil, apperr.New(apperr.Unsupported, fmt.Sprintf("unsupported tcp action %q", action))
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
