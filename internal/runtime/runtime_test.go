package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/eventbus"
	"github.com/fisaks/scalegate/internal/model"
)

type fakeDriver struct {
	connectErr error
	results    map[string]any
	connected  bool
	handler    func(context.Context, string, []byte)
}

func (f *fakeDriver) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeDriver) Disconnect(ctx context.Context) error { f.connected = false; return nil }
func (f *fakeDriver) IsConnected() bool                    { return f.connected }
func (f *fakeDriver) RegisterMessageHandler(h driver.MessageHandler) {
	f.handler = h
}
func (f *fakeDriver) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	if r, ok := f.results[action]; ok {
		return r, nil
	}
	return nil, apperr.New(apperr.Unsupported, action)
}

func pollTemplate() model.Template {
	return model.Template{
		ProtocolType: model.ProtocolModbusTCP,
		Steps: []model.Step{
			{
				ID:      "read_weight",
				Trigger: model.TriggerPoll,
				Action:  "modbus.read_input_registers",
				Params:  map[string]any{"address": 0, "count": 2},
				Parse:   &model.ParseConfig{Type: model.ParseExpression, Expression: "registers[0]*65536+registers[1]"},
			},
		},
		Output: map[string]any{"weight": "${steps.read_weight.result}", "unit": "kg"},
	}
}

func TestRuntimeTransitionsToOnlineAfterSuccessfulPoll(t *testing.T) {
	drv := &fakeDriver{results: map[string]any{
		"modbus.read_input_registers": map[string]any{"registers": []any{0, 1500}},
	}}
	device := model.Device{ID: 1, DeviceCode: "SCALE-1", Name: "Scale", PollInterval: 0.05}
	bus := eventbus.New()
	rt := New(device, pollTemplate(), drv, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		return rt.Snapshot().Status == model.StatusOnline
	}, 2*time.Second, 10*time.Millisecond)

	snap := rt.Snapshot()
	require.NotNil(t, snap.Weight)
	assert.EqualValues(t, 1500, *snap.Weight)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, rt.Stop(stopCtx))
}

func TestRuntimeMarksErrorWhenConnectFails(t *testing.T) {
	drv := &fakeDriver{connectErr: apperr.New(apperr.ConnectFailed, "no hardware")}
	device := model.Device{ID: 2, DeviceCode: "SCALE-2", PollInterval: 0.05}
	bus := eventbus.New()
	rt := New(device, pollTemplate(), drv, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	require.Eventually(t, func() bool {
		return rt.Snapshot().Status == model.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, rt.Stop(stopCtx))
}

func TestExecuteManualStepServializedAgainstPollLoop(t *testing.T) {
	drv := &fakeDriver{results: map[string]any{
		"modbus.read_input_registers": map[string]any{"registers": []any{0, 1500}},
		"modbus.write_register":       map[string]any{"ok": true},
	}}
	tpl := pollTemplate()
	tpl.Steps = append(tpl.Steps, model.Step{
		ID: "zero", Trigger: model.TriggerManual, Action: "modbus.write_register",
		Params: map[string]any{"address": 0, "value": 0},
	})
	device := model.Device{ID: 3, DeviceCode: "SCALE-3", PollInterval: 0.05}
	bus := eventbus.New()
	rt := New(device, tpl, drv, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt.Start(ctx)

	callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
	defer callCancel()
	result, _, err := rt.ExecuteManual(callCtx, "zero", nil, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, rt.Stop(stopCtx))
}
