// Package executor interprets a protocol template's step lists against a
// driver.Driver: placeholder resolution, the parse pipeline and output
// rendering. Grounded step-for-step on
// original_source/backend/services/protocol_executor.py.
package executor

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/exprlang"
	"github.com/fisaks/scalegate/internal/model"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Executor runs a single device's template against its driver. It is not
// safe for concurrent use from multiple goroutines — the runtime serializes
// all calls for a device through its single state-machine loop.
type Executor struct {
	Template model.Template
	Driver   driver.Driver
}

func New(tpl model.Template, d driver.Driver) *Executor {
	return &Executor{Template: tpl, Driver: d}
}

// newContext seeds the step-execution context with template variables,
// overridden by the device's own template_variables, plus an empty steps
// bucket.
func newContext(variables map[string]any) map[string]any {
	ctx := map[string]any{"steps": map[string]any{}}
	for k, v := range variables {
		ctx[k] = v
	}
	return ctx
}

func stepsBucket(ctx map[string]any) map[string]any {
	return ctx["steps"].(map[string]any)
}

// RunSetupSteps executes every setup_steps entry once, in order, recording
// each result under steps.<id>. An error aborts the remaining steps.
func (e *Executor) RunSetupSteps(ctx context.Context, variables map[string]any) (map[string]any, error) {
	execCtx := newContext(variables)
	for _, step := range e.Template.SetupSteps {
		result, err := e.executeOneStep(ctx, execCtx, step, false)
		if err != nil {
			return execCtx, err
		}
		stepsBucket(execCtx)[step.ID] = model.StepResult{Result: result}
	}
	return execCtx, nil
}

// RunPollSteps executes every poll-triggered step in template.Steps in
// order against a context seeded with prior results (normally the
// setup-step context), so poll steps can reference setup bindings.
func (e *Executor) RunPollSteps(ctx context.Context, seed map[string]any) (map[string]any, error) {
	execCtx := seed
	if execCtx == nil {
		execCtx = newContext(nil)
	}
	for _, step := range e.Template.Steps {
		if step.Trigger != model.TriggerPoll {
			continue
		}
		result, err := e.executeOneStep(ctx, execCtx, step, false)
		if err != nil {
			return execCtx, err
		}
		stepsBucket(execCtx)[step.ID] = model.StepResult{Result: result}
	}
	return execCtx, nil
}

// RunManualStep looks up a step by id among template.Steps and runs it with
// the manual-trigger gate: only steps declared trigger=="manual" may run
// here, and write actions additionally require allowWrite. paramsOverride is
// merged over the step's own resolved params (override wins, spec.md §4.2
// op3); previousSteps seeds context.steps so placeholders can reference
// earlier setup/poll results without mutating the runtime's own step
// history. Returns the raw step result plus template.Output rendered
// against the resulting context.
func (e *Executor) RunManualStep(ctx context.Context, stepID string, variables, paramsOverride, previousSteps map[string]any, allowWrite bool) (any, map[string]any, error) {
	step, ok := findStep(e.Template.Steps, stepID)
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, fmt.Sprintf("step %q not found", stepID))
	}
	if step.Trigger != model.TriggerManual {
		return nil, nil, apperr.New(apperr.Forbidden, fmt.Sprintf("step %q is not a manual step", stepID))
	}
	if model.IsWriteAction(step.Action) && !allowWrite {
		return nil, nil, apperr.New(apperr.Forbidden, fmt.Sprintf("step %q performs a write action; allow_write required", stepID))
	}
	execCtx := newContext(variables)
	for k, v := range previousSteps {
		stepsBucket(execCtx)[k] = v
	}
	result, err := e.executeOneStepWithOverride(ctx, execCtx, step, false, paramsOverride)
	if err != nil {
		return nil, nil, err
	}
	stepsBucket(execCtx)[step.ID] = model.StepResult{Result: result}
	output := e.RenderOutput(execCtx)
	return result, output, nil
}

// RunMessageHandler runs the template's message_handler step (if any)
// against an inbound payload, returning the parsed result.
func (e *Executor) RunMessageHandler(ctx context.Context, variables map[string]any, topic string, payload []byte) (any, error) {
	if e.Template.MessageHandler == nil {
		return nil, apperr.New(apperr.Unsupported, "template has no message_handler")
	}
	execCtx := newContext(variables)
	execCtx["payload"] = string(payload)
	execCtx["topic"] = topic
	return e.executeOneStep(ctx, execCtx, *e.Template.MessageHandler, true)
}

// RenderOutput resolves template.Output's placeholders against ctx.
func (e *Executor) RenderOutput(ctx map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range e.Template.Output {
		out[k] = resolveValue(v, ctx)
	}
	return out
}

// ExecuteOneStep runs step directly, without the trigger/write gating
// RunManualStep applies — used by the template-test endpoints where the
// caller has already decided the step is eligible to run.
func (e *Executor) ExecuteOneStep(ctx context.Context, execCtx map[string]any, step model.Step, skipDriver bool) (any, error) {
	return e.executeOneStep(ctx, execCtx, step, skipDriver)
}

func (e *Executor) executeOneStep(ctx context.Context, execCtx map[string]any, step model.Step, skipDriver bool) (any, error) {
	return e.executeOneStepWithOverride(ctx, execCtx, step, skipDriver, nil)
}

// executeOneStepWithOverride resolves step.Params against execCtx, then lets
// override win per key (spec.md §4.2 op3's params_override), before running
// the action and applying its parse config.
func (e *Executor) executeOneStepWithOverride(ctx context.Context, execCtx map[string]any, step model.Step, skipDriver bool, override map[string]any) (any, error) {
	resolvedParams := resolveParams(step.Params, execCtx)
	for k, v := range override {
		resolvedParams[k] = v
	}

	raw, err := e.runAction(ctx, step.Action, resolvedParams, execCtx, skipDriver)
	if err != nil {
		return nil, err
	}
	if step.Parse == nil {
		return raw, nil
	}
	return parseResult(*step.Parse, raw, execCtx)
}

func (e *Executor) runAction(ctx context.Context, action string, params map[string]any, execCtx map[string]any, skipDriver bool) (any, error) {
	switch {
	case action == "delay":
		ms := 0.0
		if v, ok := params["milliseconds"]; ok {
			ms, _ = toFloat(v)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]any{"delayed_ms": ms}, nil

	case strings.HasPrefix(action, "transform."):
		return runTransform(action, params, execCtx)

	case skipDriver:
		return execCtx["payload"], nil

	default:
		if e.Driver == nil {
			return nil, apperr.New(apperr.Unsupported, "no driver configured")
		}
		return e.Driver.ExecuteAction(ctx, action, params)
	}
}

func findStep(steps []model.Step, id string) (model.Step, bool) {
	for _, s := range steps {
		if s.ID == id {
			return s, true
		}
	}
	return model.Step{}, false
}

// --- placeholder resolution ---

// resolveValue resolves ${...} placeholders in v against ctx. A string that
// is ENTIRELY one placeholder preserves the bound value's native type;
// otherwise placeholders are interpolated into the surrounding string.
func resolveValue(v any, ctx map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		val, _ := getFromContext(ctx, path)
		return val
	}
	if len(matches) == 0 {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(m string) string {
		path := m[2 : len(m)-1]
		val, found := getFromContext(ctx, path)
		if !found || val == nil {
			return ""
		}
		return fmt.Sprintf("%v", val)
	})
}

// getFromContext walks a dot path (e.g. "steps.read_weight.result") through
// ctx, returning (nil, false) as soon as any segment is missing.
func getFromContext(ctx map[string]any, path string) (any, bool) {
	var cur any = ctx
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if sr, ok2 := cur.(model.StepResult); ok2 && part == "result" {
				cur = sr.Result
				continue
			}
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func resolveParams(params map[string]any, ctx map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveAny(v, ctx)
	}
	return out
}

func resolveAny(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return resolveValue(t, ctx)
	case map[string]any:
		return resolveParams(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = resolveAny(item, ctx)
		}
		return out
	default:
		return v
	}
}

// --- transform.* local steps (no driver round-trip) ---

func runTransform(action string, params map[string]any, ctx map[string]any) (any, error) {
	input, _ := params["input"]
	switch action {
	case "transform.base64_decode":
		s := asString(input)
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, apperr.Wrap(apperr.ActionError, "transform.base64_decode", err)
		}
		return map[string]any{"bytes": string(data)}, nil

	case "transform.hex_decode":
		s := asString(input)
		data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return nil, apperr.Wrap(apperr.ActionError, "transform.hex_decode", err)
		}
		return map[string]any{"bytes": string(data)}, nil

	case "transform.regex_extract":
		pattern, _ := params["pattern"].(string)
		group := intOr(params["group"], 0)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, "transform.regex_extract pattern", err)
		}
		m := re.FindStringSubmatch(asString(input))
		if m == nil || group >= len(m) {
			return nil, apperr.New(apperr.ActionError, "transform.regex_extract: no match")
		}
		return map[string]any{"value": m[group]}, nil

	case "transform.substring":
		s := asString(input)
		start := intOr(params["start"], 0)
		end := intOr(params["end"], len(s))
		if start < 0 {
			start = 0
		}
		if end > len(s) {
			end = len(s)
		}
		if start > end {
			start = end
		}
		return map[string]any{"value": s[start:end]}, nil

	case "transform.struct_parse":
		return structParse(params, input)

	default:
		return nil, apperr.New(apperr.Unsupported, fmt.Sprintf("unsupported transform action %q", action))
	}
}

// structParse decodes fixed-width binary fields, the Go analogue of
// Python's struct.unpack with a format string of single-char codes.
func structParse(params map[string]any, input any) (any, error) {
	format, _ := params["format"].(string)
	fields, _ := params["fields"].([]any)
	data := []byte(asString(input))

	results := map[string]any{}
	offset := 0
	for i, code := range format {
		name := fmt.Sprintf("field%d", i)
		if i < len(fields) {
			name, _ = fields[i].(string)
		}
		switch code {
		case 'B':
			if offset+1 > len(data) {
				return nil, apperr.New(apperr.ActionError, "transform.struct_parse: short buffer")
			}
			results[name] = int(data[offset])
			offset++
		case 'H':
			if offset+2 > len(data) {
				return nil, apperr.New(apperr.ActionError, "transform.struct_parse: short buffer")
			}
			results[name] = int(binary.BigEndian.Uint16(data[offset:]))
			offset += 2
		case 'I', 'L':
			if offset+4 > len(data) {
				return nil, apperr.New(apperr.ActionError, "transform.struct_parse: short buffer")
			}
			results[name] = int(binary.BigEndian.Uint32(data[offset:]))
			offset += 4
		case 'f':
			if offset+4 > len(data) {
				return nil, apperr.New(apperr.ActionError, "transform.struct_parse: short buffer")
			}
			bits := binary.BigEndian.Uint32(data[offset:])
			results[name] = math.Float32frombits(bits)
			offset += 4
		default:
			return nil, apperr.New(apperr.Unsupported, fmt.Sprintf("unsupported struct format code %q", string(code)))
		}
	}
	return results, nil
}

// --- parse pipeline (spec.md §4.2.1) ---

func parseResult(cfg model.ParseConfig, raw any, ctx map[string]any) (any, error) {
	switch cfg.Type {
	case model.ParseExpression:
		bindings := exprlang.Env{}
		for k, v := range ctx {
			bindings[k] = v
		}
		if m, ok := raw.(map[string]any); ok {
			for k, v := range m {
				bindings[k] = v
			}
		}
		return exprlang.Eval(cfg.Expression, bindings)

	case model.ParseRegex:
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, "parse.regex pattern", err)
		}
		payload := extractPayload(raw)
		m := re.FindStringSubmatch(payload)
		group := cfg.Group
		if group == 0 {
			group = 1
		}
		if m == nil || group >= len(m) {
			return nil, apperr.New(apperr.ActionError, "parse.regex: no match")
		}
		return m[group], nil

	case model.ParseSubstring:
		s := extractPayload(raw)
		start, end := cfg.Start, cfg.End
		if end == 0 || end > len(s) {
			end = len(s)
		}
		if start < 0 || start > end {
			start = 0
		}
		return s[start:end], nil

	case model.ParseStruct:
		return structParse(map[string]any{"format": cfg.Format, "fields": toAnySlice(cfg.Fields)}, extractPayload(raw))

	default:
		return raw, nil
	}
}

func extractPayload(raw any) string {
	switch t := raw.(type) {
	case string:
		return t
	case map[string]any:
		if p, ok := t["payload"]; ok {
			return fmt.Sprintf("%v", p)
		}
	}
	return fmt.Sprintf("%v", raw)
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

func intOr(v any, def int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
