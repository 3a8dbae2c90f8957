// Package store is the in-memory stand-in for the gateway's relational
// persistence layer (out of scope per spec.md's Non-goals): protocol
// templates and devices, with the same uniqueness and device_code rules
// the original implementation enforced at the database layer in
// original_source/backend/database/models.py.
package store

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/model"
)

var deviceCodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9_-]{0,63}$`)

// NormalizeDeviceCode upper-cases and trims code, then validates it against
// the gateway's device_code grammar.
func NormalizeDeviceCode(code string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(code))
	if !deviceCodePattern.MatchString(normalized) {
		return "", apperr.New(apperr.Validation, "device_code must match ^[A-Z0-9][A-Z0-9_-]{0,63}$")
	}
	return normalized, nil
}

func defaultDeviceCode(id int64) string {
	return fmt.Sprintf("DEV-%06d", id)
}

// validateTemplate refuses a template that binds a write action to a poll
// trigger: polling runs unattended on the backoff timer, so a step that
// writes must only ever fire from a manual RPC with its allow_write gate
// (spec.md §4.2, property 5, S4).
func validateTemplate(t model.Template) error {
	for _, st := range t.Steps {
		if st.Trigger == model.TriggerPoll && model.IsWriteAction(st.Action) {
			return apperr.New(apperr.Validation, "step "+st.ID+" binds a write action to a poll trigger")
		}
	}
	return nil
}

// Store holds protocol templates and devices behind a single mutex. It is
// not meant to scale past the single-process gateway it backs.
type Store struct {
	mu sync.Mutex

	nextTemplateID int64
	templates      map[int64]model.ProtocolTemplate

	nextDeviceID int64
	devices      map[int64]model.Device
}

func New() *Store {
	s := &Store{
		templates: make(map[int64]model.ProtocolTemplate),
		devices:   make(map[int64]model.Device),
	}
	s.seedSystemTemplates()
	return s
}

// --- protocol templates ---

func (s *Store) ListProtocolTemplates() []model.ProtocolTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProtocolTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	return out
}

func (s *Store) GetProtocolTemplate(id int64) (model.ProtocolTemplate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	return t, ok
}

func (s *Store) GetProtocolTemplateByName(name string) (model.ProtocolTemplate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.templates {
		if t.Name == name {
			return t, true
		}
	}
	return model.ProtocolTemplate{}, false
}

func (s *Store) CreateProtocolTemplate(t model.ProtocolTemplate) (model.ProtocolTemplate, error) {
	if err := validateTemplate(t.Template); err != nil {
		return model.ProtocolTemplate{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.templates {
		if existing.Name == t.Name {
			return model.ProtocolTemplate{}, apperr.New(apperr.Conflict, "a protocol template named "+t.Name+" already exists")
		}
	}
	s.nextTemplateID++
	t.ID = s.nextTemplateID
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.templates[t.ID] = t
	return t, nil
}

func (s *Store) UpdateProtocolTemplate(id int64, mutate func(*model.ProtocolTemplate) error) (model.ProtocolTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return model.ProtocolTemplate{}, apperr.New(apperr.NotFound, "protocol template not found")
	}
	if err := mutate(&t); err != nil {
		return model.ProtocolTemplate{}, err
	}
	for otherID, existing := range s.templates {
		if otherID != id && existing.Name == t.Name {
			return model.ProtocolTemplate{}, apperr.New(apperr.Conflict, "a protocol template named "+t.Name+" already exists")
		}
	}
	if err := validateTemplate(t.Template); err != nil {
		return model.ProtocolTemplate{}, err
	}
	t.UpdatedAt = time.Now()
	s.templates[id] = t
	return t, nil
}

// DeleteProtocolTemplate refuses to delete a system template or one still
// referenced by a device.
func (s *Store) DeleteProtocolTemplate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return apperr.New(apperr.NotFound, "protocol template not found")
	}
	if t.IsSystem {
		return apperr.New(apperr.Forbidden, "system templates cannot be deleted")
	}
	for _, d := range s.devices {
		if d.ProtocolTemplateID == id {
			return apperr.New(apperr.Conflict, "protocol template is in use by a device")
		}
	}
	delete(s.templates, id)
	return nil
}

// --- devices ---

func (s *Store) ListDevices() []model.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *Store) GetDevice(id int64) (model.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	return d, ok
}

func (s *Store) GetDeviceByCode(code string) (model.Device, bool) {
	normalized, err := NormalizeDeviceCode(code)
	if err != nil {
		return model.Device{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.DeviceCode == normalized {
			return d, true
		}
	}
	return model.Device{}, false
}

func (s *Store) CreateDevice(d model.Device) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.templates[d.ProtocolTemplateID]; !ok {
		return model.Device{}, apperr.New(apperr.NotFound, "protocol template not found")
	}

	s.nextDeviceID++
	d.ID = s.nextDeviceID

	if strings.TrimSpace(d.DeviceCode) == "" {
		d.DeviceCode = defaultDeviceCode(d.ID)
	} else {
		normalized, err := NormalizeDeviceCode(d.DeviceCode)
		if err != nil {
			return model.Device{}, err
		}
		d.DeviceCode = normalized
	}

	for _, existing := range s.devices {
		if existing.DeviceCode == d.DeviceCode {
			return model.Device{}, apperr.New(apperr.Conflict, "device_code "+d.DeviceCode+" already exists")
		}
		if existing.Name == d.Name {
			return model.Device{}, apperr.New(apperr.Conflict, "a device named "+d.Name+" already exists")
		}
	}

	now := time.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.devices[d.ID] = d
	return d, nil
}

func (s *Store) UpdateDevice(id int64, mutate func(*model.Device) error) (model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return model.Device{}, apperr.New(apperr.NotFound, "device not found")
	}
	if d.ProtocolTemplateID != 0 {
		if _, ok := s.templates[d.ProtocolTemplateID]; !ok {
			return model.Device{}, apperr.New(apperr.NotFound, "protocol template not found")
		}
	}
	if err := mutate(&d); err != nil {
		return model.Device{}, err
	}
	normalized, err := NormalizeDeviceCode(d.DeviceCode)
	if err != nil {
		return model.Device{}, err
	}
	d.DeviceCode = normalized
	for otherID, existing := range s.devices {
		if otherID == id {
			continue
		}
		if existing.DeviceCode == d.DeviceCode {
			return model.Device{}, apperr.New(apperr.Conflict, "device_code "+d.DeviceCode+" already exists")
		}
		if existing.Name == d.Name {
			return model.Device{}, apperr.New(apperr.Conflict, "a device named "+d.Name+" already exists")
		}
	}
	d.UpdatedAt = time.Now()
	s.devices[id] = d
	return d, nil
}

func (s *Store) DeleteDevice(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[id]; !ok {
		return apperr.New(apperr.NotFound, "device not found")
	}
	delete(s.devices, id)
	return nil
}

func (s *Store) SetDeviceEnabled(id int64, enabled bool) (model.Device, error) {
	return s.UpdateDevice(id, func(d *model.Device) error {
		d.Enabled = enabled
		return nil
	})
}
