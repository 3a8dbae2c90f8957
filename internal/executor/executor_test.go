package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/model"
)

type fakeDriver struct {
	results    map[string]any
	calls      []string
	paramsSeen []map[string]any
}

func (f *fakeDriver) Connect(ctx context.Context) error              { return nil }
func (f *fakeDriver) Disconnect(ctx context.Context) error           { return nil }
func (f *fakeDriver) IsConnected() bool                              { return true }
func (f *fakeDriver) RegisterMessageHandler(h driver.MessageHandler) {}

func (f *fakeDriver) ExecuteAction(ctx context.Context, action string, params map[string]any) (any, error) {
	f.calls = append(f.calls, action)
	f.paramsSeen = append(f.paramsSeen, params)
	if r, ok := f.results[action]; ok {
		return r, nil
	}
	return nil, apperr.New(apperr.Unsupported, action)
}

func modbusPollTemplate() model.Template {
	return model.Template{
		ProtocolType: model.ProtocolModbusTCP,
		Variables: []model.Variable{
			{Name: "address", Type: model.VarInt, Default: 0},
		},
		Steps: []model.Step{
			{
				ID:      "read_weight",
				Trigger: model.TriggerPoll,
				Action:  "modbus.read_input_registers",
				Params:  map[string]any{"address": "${address}", "count": 2},
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
	}
}

func TestRunPollStepsResolvesPlaceholderAndParses(t *testing.T) {
	drv := &fakeDriver{results: map[string]any{
		"modbus.read_input_registers": map[string]any{"registers": []any{0, 5000}},
	}}
	exec := New(modbusPollTemplate(), drv)

	execCtx, err := exec.RunPollSteps(context.Background(), map[string]any{
		"steps":   map[string]any{},
		"address": 10,
	})
	require.NoError(t, err)

	output := exec.RenderOutput(execCtx)
	assert.EqualValues(t, 5000, output["weight"])
	assert.Equal(t, "kg", output["unit"])
	assert.Equal(t, []string{"modbus.read_input_registers"}, drv.calls)
}

func TestRunManualStepRejectsPollTrigger(t *testing.T) {
	drv := &fakeDriver{}
	exec := New(modbusPollTemplate(), drv)
	_, _, err := exec.RunManualStep(context.Background(), "read_weight", nil, nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestRunManualStepRequiresAllowWriteForWriteActions(t *testing.T) {
	tpl := model.Template{
		Steps: []model.Step{
			{ID: "write_reg", Trigger: model.TriggerManual, Action: "modbus.write_register", Params: map[string]any{"address": 0, "value": 1}},
		},
		Output: map[string]any{"ok": "${steps.write_reg.result}"},
	}
	drv := &fakeDriver{results: map[string]any{"modbus.write_register": map[string]any{"ok": true}}}
	exec := New(tpl, drv)

	_, _, err := exec.RunManualStep(context.Background(), "write_reg", nil, nil, nil, false)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	result, output, err := exec.RunManualStep(context.Background(), "write_reg", nil, nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, result)
	assert.Equal(t, map[string]any{"ok": true}, output["ok"])
}

func TestRunManualStepMergesParamsOverride(t *testing.T) {
	tpl := model.Template{
		Steps: []model.Step{
			{ID: "write_reg", Trigger: model.TriggerManual, Action: "modbus.write_register", Params: map[string]any{"address": 0, "value": 1}},
		},
	}
	drv := &fakeDriver{results: map[string]any{"modbus.write_register": map[string]any{"ok": true}}}
	exec := New(tpl, drv)

	_, _, err := exec.RunManualStep(context.Background(), "write_reg", nil, map[string]any{"value": 99}, nil, true)
	require.NoError(t, err)
	require.Len(t, drv.paramsSeen, 1)
	assert.EqualValues(t, 99, drv.paramsSeen[0]["value"])
	assert.EqualValues(t, 0, drv.paramsSeen[0]["address"])
}

func TestResolveValuePreservesTypeForWholeStringPlaceholder(t *testing.T) {
	ctx := map[string]any{"steps": map[string]any{"a": model.StepResult{Result: 42}}}
	assert.EqualValues(t, 42, resolveValue("${steps.a.result}", ctx))
}

func TestResolveValueInterpolatesMixedStrings(t *testing.T) {
	ctx := map[string]any{"steps": map[string]any{"a": model.StepResult{Result: 42}}}
	assert.Equal(t, "value=42", resolveValue("value=${steps.a.result}", ctx))
}

func TestResolveValueMissingPathRendersEmptyString(t *testing.T) {
	ctx := map[string]any{"steps": map[string]any{}}
	assert.Equal(t, "value=", resolveValue("value=${steps.missing.result}", ctx))
}

func TestParseRegex(t *testing.T) {
	cfg := model.ParseConfig{Type: model.ParseRegex, Pattern: `"weight"\s*:\s*([-+]?[0-9]*\.?[0-9]+)`, Group: 1}
	result, err := parseResult(cfg, `{"weight": 12.5}`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "12.5", result)
}

func TestRunTransformBase64Decode(t *testing.T) {
	result, err := runTransform("transform.base64_decode", map[string]any{"input": "aGVsbG8="}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"bytes": "hello"}, result)
}
