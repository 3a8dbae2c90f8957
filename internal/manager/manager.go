// Package manager owns the live table of device runtimes: starting,
// stopping, reloading and removing them as the store's Device/ProtocolTemplate
// rows change, and routing manual-step execution and subscriptions through
// to the right Runtime. Grounded on
// original_source/backend/services/device_manager.py's DeviceManager,
// with the mutex-guarded map adapted from the teacher's
// internal/poller.busPollers table (never held across driver I/O).
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/eventbus"
	"github.com/fisaks/scalegate/internal/logging"
	"github.com/fisaks/scalegate/internal/model"
	"github.com/fisaks/scalegate/internal/runtime"
	"github.com/fisaks/scalegate/internal/store"
)

// Manager is safe for concurrent use from REST handlers and from its own
// background startup pass.
type Manager struct {
	store *store.Store
	bus   *eventbus.Bus
	ctx   context.Context
	stop  context.CancelFunc

	mu       sync.Mutex
	runtimes map[int64]*runtime.Runtime
}

func New(st *store.Store, bus *eventbus.Bus) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    st,
		bus:      bus,
		ctx:      ctx,
		stop:     cancel,
		runtimes: make(map[int64]*runtime.Runtime),
	}
}

// Startup starts a runtime for every enabled device in the store.
func (m *Manager) Startup() {
	for _, d := range m.store.ListDevices() {
		if !d.Enabled {
			continue
		}
		if err := m.StartDevice(d.ID); err != nil {
			logging.Error("failed to start device", "device_code", d.DeviceCode, "error", err)
		}
	}
}

// Shutdown stops every running device runtime, waiting up to 5s each.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]int64, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.stopRuntime(id)
	}
	m.stop()
}

// StartDevice (re)builds and starts the runtime for a device by id,
// stopping any existing runtime first — the reload path and the initial
// start path are the same operation.
func (m *Manager) StartDevice(deviceID int64) error {
	m.stopRuntime(deviceID)

	device, ok := m.store.GetDevice(deviceID)
	if !ok {
		return apperr.New(apperr.NotFound, "device not found")
	}
	if !device.Enabled {
		return nil
	}
	tpl, ok := m.store.GetProtocolTemplate(device.ProtocolTemplateID)
	if !ok {
		return apperr.New(apperr.NotFound, "protocol template not found")
	}

	drv, err := driver.Build(tpl.ProtocolType, mergeParams(device.ConnectionParams))
	if err != nil {
		return err
	}

	rt := runtime.New(device, tpl.Template, drv, m.bus)
	rt.Start(m.ctx)

	m.mu.Lock()
	m.runtimes[deviceID] = rt
	m.mu.Unlock()
	return nil
}

func mergeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// StopDevice stops a device's runtime without removing it from the store —
// used for the enable/disable toggle.
func (m *Manager) StopDevice(deviceID int64) {
	m.stopRuntime(deviceID)
}

func (m *Manager) stopRuntime(deviceID int64) {
	m.mu.Lock()
	rt, ok := m.runtimes[deviceID]
	if ok {
		delete(m.runtimes, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Stop(ctx); err != nil {
		logging.Warn("runtime stop did not complete cleanly", "device_id", deviceID, "error", err)
	}
}

// ReloadDevice restarts the runtime after a device or its template changed.
func (m *Manager) ReloadDevice(deviceID int64) error {
	return m.StartDevice(deviceID)
}

// RemoveDevice stops and forgets a device's runtime entirely.
func (m *Manager) RemoveDevice(deviceID int64) {
	m.stopRuntime(deviceID)
}

// ExecuteManualStep runs a manual-triggered step against the device's live
// runtime. Devices with no running runtime (disabled, or never started)
// cannot execute manual steps. paramsOverride is merged over the step's own
// resolved params (spec.md §4.2 op3); the result's rendered output is
// returned alongside the raw step result.
func (m *Manager) ExecuteManualStep(ctx context.Context, deviceID int64, stepID string, paramsOverride map[string]any, allowWrite bool) (any, map[string]any, error) {
	m.mu.Lock()
	rt, ok := m.runtimes[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, apperr.New(apperr.NotFound, "device has no running runtime")
	}
	return rt.ExecuteManual(ctx, stepID, paramsOverride, allowWrite)
}

// RuntimeSnapshot returns the live state for a device, synthesizing an
// offline snapshot if no runtime is currently running for it.
func (m *Manager) RuntimeSnapshot(device model.Device) model.RuntimeState {
	m.mu.Lock()
	rt, ok := m.runtimes[device.ID]
	m.mu.Unlock()
	if ok {
		return rt.Snapshot()
	}
	return model.RuntimeState{
		DeviceID:   device.ID,
		DeviceCode: device.DeviceCode,
		DeviceName: device.Name,
		Status:     model.StatusOffline,
		Unit:       "kg",
		Timestamp:  time.Now(),
	}
}

func (m *Manager) Subscribe() chan model.EventMessage  { return m.bus.Subscribe() }
func (m *Manager) Unsubscribe(ch chan model.EventMessage) { m.bus.Unsubscribe(ch) }
