// Package runtime implements the per-device state machine: connect with
// backoff, run setup once, then poll (or, for MQTT, idle waiting on inbound
// messages) until stopped. The goroutine-per-device shape with a select
// loop servicing both a timer and a command channel is adapted from the
// teacher's internal/poller.SerialBusPoller.poller; the connect/backoff/
// setup/poll state transitions are grounded on
// original_source/backend/services/device_manager.py's _run_runtime.
package runtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/eventbus"
	"github.com/fisaks/scalegate/internal/executor"
	"github.com/fisaks/scalegate/internal/logging"
	"github.com/fisaks/scalegate/internal/model"
)

const (
	backoffMin = 1 * time.Second
	backoffMax = 30 * time.Second
)

type manualRequest struct {
	stepID         string
	paramsOverride map[string]any
	allowWrite     bool
	resultCh       chan manualResult
}

type manualResult struct {
	value  any
	output map[string]any
	err    error
}

type inboundMessage struct {
	topic   string
	payload []byte
}

// Runtime owns one device's driver connection and executes its template
// on a dedicated goroutine. All mutation of its state happens on that
// goroutine; Snapshot reads are mutex-guarded for callers on other
// goroutines (the REST and WebSocket layers).
type Runtime struct {
	device   model.Device
	template model.Template
	drv      driver.Driver
	exec     *executor.Executor
	bus      *eventbus.Bus

	manualCh  chan manualRequest
	messageCh chan inboundMessage
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	mu    sync.Mutex
	state model.RuntimeState

	// lastSteps is the most recent setup/poll steps bucket, read only from
	// the state-machine goroutine (set at the end of each cycle, read by
	// handleManual on the same goroutine) so manual steps can reference
	// earlier step results without touching RuntimeState.step_results.
	lastSteps map[string]any
}

func New(device model.Device, template model.Template, drv driver.Driver, bus *eventbus.Bus) *Runtime {
	r := &Runtime{
		device:    device,
		template:  template,
		drv:       drv,
		exec:      executor.New(template, drv),
		bus:       bus,
		manualCh:  make(chan manualRequest),
		messageCh: make(chan inboundMessage, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		state: model.RuntimeState{
			DeviceID:   device.ID,
			DeviceCode: device.DeviceCode,
			DeviceName: device.Name,
			Status:     model.StatusOffline,
			Unit:       "kg",
			Timestamp:  time.Now(),
		},
	}
	drv.RegisterMessageHandler(func(_ context.Context, topic string, payload []byte) {
		select {
		case r.messageCh <- inboundMessage{topic: topic, payload: payload}:
		default:
			logging.Warn("device message dropped, handler busy", "device_code", device.DeviceCode)
		}
	})
	return r
}

// Start launches the state-machine goroutine. ctx cancellation is the
// primary shutdown path; Stop is used for a targeted per-device stop.
func (r *Runtime) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop requests shutdown and blocks until the goroutine has disconnected
// the driver and exited, or ctx expires first.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stopCh) })
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runtime) Snapshot() model.RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ExecuteManual runs a manual-triggered step on the runtime's own
// goroutine, serialized against its poll cycle, and returns the raw step
// result plus the rendered output (spec.md §4.2 op3).
func (r *Runtime) ExecuteManual(ctx context.Context, stepID string, paramsOverride map[string]any, allowWrite bool) (any, map[string]any, error) {
	req := manualRequest{stepID: stepID, paramsOverride: paramsOverride, allowWrite: allowWrite, resultCh: make(chan manualResult, 1)}
	select {
	case r.manualCh <- req:
	case <-r.doneCh:
		return nil, nil, apperr.New(apperr.NotFound, "device runtime is not running")
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	select {
	case res := <-req.resultCh:
		return res.value, res.output, res.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (r *Runtime) variables() map[string]any {
	vars := map[string]any{}
	for _, v := range r.template.Variables {
		vars[v.Name] = v.Default
	}
	for k, v := range r.device.TemplateVariables {
		vars[k] = v
	}
	return vars
}

func (r *Runtime) run(ctx context.Context) {
	defer close(r.doneCh)

	backoff := backoffMin
	connected := false
	var setupCtx map[string]any

	timer := time.NewTimer(0)
	defer timer.Stop()

	shutdown := func() {
		dctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.drv.Disconnect(dctx)
		r.markOffline("stopped")
	}

	for {
		select {
		case <-ctx.Done():
			shutdown()
			return
		case <-r.stopCh:
			shutdown()
			return
		case req := <-r.manualCh:
			r.handleManual(ctx, req)
			continue
		case msg := <-r.messageCh:
			r.handleMessage(ctx, msg)
			continue
		case <-timer.C:
		}

		pollInterval := r.pollInterval()

		if !connected {
			if err := r.drv.Connect(ctx); err != nil {
				r.markError(err)
				timer.Reset(backoff)
				backoff = bumpBackoff(backoff)
				continue
			}
			connected = true
			backoff = backoffMin

			sc, err := r.exec.RunSetupSteps(ctx, r.variables())
			if err != nil {
				r.markError(err)
				connected = false
				r.drv.Disconnect(ctx)
				timer.Reset(backoff)
				backoff = bumpBackoff(backoff)
				continue
			}
			setupCtx = sc
			r.lastSteps = extractSteps(setupCtx)
		}

		if r.template.ProtocolType == model.ProtocolMQTT {
			// MQTT devices are driven by inbound messages, not polling;
			// the only job of this tick is to keep the connection alive.
			r.markOnlineIdle()
			timer.Reset(pollInterval)
			continue
		}

		pollCtx, err := r.exec.RunPollSteps(ctx, cloneCtx(setupCtx))
		if err != nil {
			r.markError(err)
			timer.Reset(backoff)
			backoff = bumpBackoff(backoff)
			continue
		}
		backoff = backoffMin
		output := r.exec.RenderOutput(pollCtx)
		r.applyOutput(output)
		r.lastSteps = extractSteps(pollCtx)
		timer.Reset(pollInterval)
	}
}

func (r *Runtime) pollInterval() time.Duration {
	interval := r.device.PollInterval
	if interval <= 0 {
		interval = 1.0
	}
	return time.Duration(interval * float64(time.Second))
}

func bumpBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > backoffMax {
		next = backoffMax
	}
	if next < backoffMin {
		next = backoffMin
	}
	return next
}

// extractSteps pulls the "steps" bucket out of an executor context so it
// can be handed to a later manual-step call as previousSteps.
func extractSteps(ctx map[string]any) map[string]any {
	steps, _ := ctx["steps"].(map[string]any)
	out := make(map[string]any, len(steps))
	for k, v := range steps {
		out[k] = v
	}
	return out
}

func cloneCtx(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		if k == "steps" {
			stepsSrc, _ := v.(map[string]any)
			stepsCopy := make(map[string]any, len(stepsSrc))
			for sk, sv := range stepsSrc {
				stepsCopy[sk] = sv
			}
			out[k] = stepsCopy
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Runtime) handleManual(ctx context.Context, req manualRequest) {
	result, output, err := r.exec.RunManualStep(ctx, req.stepID, r.variables(), req.paramsOverride, r.lastSteps, req.allowWrite)
	req.resultCh <- manualResult{value: result, output: output, err: err}
}

func (r *Runtime) handleMessage(ctx context.Context, msg inboundMessage) {
	result, err := r.exec.RunMessageHandler(ctx, r.variables(), msg.topic, msg.payload)
	if err != nil {
		r.markError(err)
		return
	}
	execCtx := map[string]any{"message_handler": model.StepResult{Result: result}}
	output := r.exec.RenderOutput(execCtx)
	r.applyOutput(output)
}

func (r *Runtime) applyOutput(output map[string]any) {
	r.mu.Lock()
	r.state.Status = model.StatusOnline
	r.state.Timestamp = time.Now()
	r.state.Error = nil
	if w, ok := toFloat(output["weight"]); ok {
		r.state.Weight = &w
	}
	if unit, ok := output["unit"].(string); ok && unit != "" {
		r.state.Unit = unit
	}
	snapshot := r.state
	r.mu.Unlock()

	r.bus.Publish(snapshot.ToMessage())
}

func (r *Runtime) markOnlineIdle() {
	r.mu.Lock()
	r.state.Status = model.StatusOnline
	r.state.Timestamp = time.Now()
	r.state.Error = nil
	snapshot := r.state
	r.mu.Unlock()
	r.bus.Publish(snapshot.ToMessage())
}

func (r *Runtime) markOffline(reason string) {
	r.mu.Lock()
	r.state.Status = model.StatusOffline
	r.state.Timestamp = time.Now()
	r.state.Error = &reason
	snapshot := r.state
	r.mu.Unlock()
	r.bus.Publish(snapshot.ToMessage())
}

func (r *Runtime) markError(err error) {
	msg := err.Error()
	logging.Warn("device runtime error", "device_code", r.device.DeviceCode, "error", msg, "kind", apperr.KindOf(err))
	r.mu.Lock()
	r.state.Status = model.StatusError
	r.state.Timestamp = time.Now()
	r.state.Error = &msg
	snapshot := r.state
	r.mu.Unlock()
	r.bus.Publish(snapshot.ToMessage())
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
