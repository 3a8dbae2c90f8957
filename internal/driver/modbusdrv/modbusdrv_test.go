package modbusdrv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/scalegate/internal/model"
)

func TestNewWithoutTransportRunsInSimulateMode(t *testing.T) {
	d, err := New(model.ProtocolModbusTCP, map[string]any{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, d.Connect(ctx))
	assert.True(t, d.IsConnected())

	result, err := d.ExecuteAction(ctx, "modbus.read_input_registers", map[string]any{"address": 0, "count": 2})
	require.NoError(t, err)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	regs, ok := m["registers"].([]int)
	require.True(t, ok)
	assert.Len(t, regs, 2)
}

func TestSimulateWriteActionReturnsOK(t *testing.T) {
	d, err := New(model.ProtocolModbusTCP, map[string]any{})
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))

	result, err := d.ExecuteAction(context.Background(), "modbus.write_register", map[string]any{"address": 0, "value": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
}

func TestUnsupportedActionReturnsError(t *testing.T) {
	d, err := New(model.ProtocolModbusTCP, map[string]any{})
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))

	_, err = d.ExecuteAction(context.Background(), "modbus.bogus_action", map[string]any{})
	assert.Error(t, err)
}
