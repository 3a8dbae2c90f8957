package restapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/model"
)

type deviceRequest struct {
	DeviceCode         string         `json:"device_code"`
	Name               string         `json:"name"`
	ProtocolTemplateID int64          `json:"protocol_template_id"`
	ConnectionParams   map[string]any `json:"connection_params"`
	TemplateVariables  map[string]any `json:"template_variables"`
	PollInterval       float64        `json:"poll_interval"`
	Enabled            *bool          `json:"enabled"`
}

type devicePayload struct {
	model.Device
	Runtime model.RuntimeState `json:"runtime"`
}

func (s *Server) devicePayload(d model.Device) devicePayload {
	return devicePayload{Device: d, Runtime: s.manager.RuntimeSnapshot(d)}
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.store.ListDevices()
	out := make([]devicePayload, 0, len(devices))
	for _, d := range devices {
		out = append(out, s.devicePayload(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	d := model.Device{
		DeviceCode:         req.DeviceCode,
		Name:               req.Name,
		ProtocolTemplateID: req.ProtocolTemplateID,
		ConnectionParams:   req.ConnectionParams,
		TemplateVariables:  req.TemplateVariables,
		PollInterval:       req.PollInterval,
		Enabled:            enabled,
	}
	created, err := s.store.CreateDevice(d)
	if err != nil {
		writeError(w, err)
		return
	}
	if created.Enabled {
		if err := s.manager.StartDevice(created.ID); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, s.devicePayload(created))
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.deviceFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.devicePayload(d))
}

func (s *Server) getDeviceByCode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.GetDeviceByCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	writeJSON(w, http.StatusOK, s.devicePayload(d))
}

func (s *Server) updateDevice(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.doUpdateDevice(w, r, id)
}

func (s *Server) updateDeviceByCode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.GetDeviceByCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	s.doUpdateDevice(w, r, d.ID)
}

func (s *Server) doUpdateDevice(w http.ResponseWriter, r *http.Request, id int64) {
	var req deviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.UpdateDevice(id, func(d *model.Device) error {
		if req.DeviceCode != "" {
			d.DeviceCode = req.DeviceCode
		}
		if req.Name != "" {
			d.Name = req.Name
		}
		if req.ProtocolTemplateID != 0 {
			d.ProtocolTemplateID = req.ProtocolTemplateID
		}
		if req.ConnectionParams != nil {
			d.ConnectionParams = req.ConnectionParams
		}
		if req.TemplateVariables != nil {
			d.TemplateVariables = req.TemplateVariables
		}
		if req.PollInterval != 0 {
			d.PollInterval = req.PollInterval
		}
		if req.Enabled != nil {
			d.Enabled = *req.Enabled
		}
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if updated.Enabled {
		if err := s.manager.ReloadDevice(updated.ID); err != nil {
			writeError(w, err)
			return
		}
	} else {
		s.manager.StopDevice(updated.ID)
	}
	writeJSON(w, http.StatusOK, s.devicePayload(updated))
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.doDeleteDevice(w, id)
}

func (s *Server) deleteDeviceByCode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.GetDeviceByCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	s.doDeleteDevice(w, d.ID)
}

func (s *Server) doDeleteDevice(w http.ResponseWriter, id int64) {
	if err := s.store.DeleteDevice(id); err != nil {
		writeError(w, err)
		return
	}
	s.manager.RemoveDevice(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enableDevice(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.doSetEnabled(w, id, true)
}

func (s *Server) disableDevice(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.doSetEnabled(w, id, false)
}

func (s *Server) enableDeviceByCode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.GetDeviceByCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	s.doSetEnabled(w, d.ID, true)
}

func (s *Server) disableDeviceByCode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.GetDeviceByCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	s.doSetEnabled(w, d.ID, false)
}

func (s *Server) doSetEnabled(w http.ResponseWriter, id int64, enabled bool) {
	updated, err := s.store.SetDeviceEnabled(id, enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	if enabled {
		err = s.manager.StartDevice(id)
	} else {
		s.manager.StopDevice(id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.devicePayload(updated))
}

func (s *Server) executeStep(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	s.doExecuteStep(w, r, id)
}

func (s *Server) executeStepByCode(w http.ResponseWriter, r *http.Request) {
	d, ok := s.store.GetDeviceByCode(mux.Vars(r)["code"])
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	s.doExecuteStep(w, r, d.ID)
}

func (s *Server) doExecuteStep(w http.ResponseWriter, r *http.Request, deviceID int64) {
	d, ok := s.store.GetDevice(deviceID)
	if !ok {
		writeError(w, apperr.New(apperr.NotFound, "device not found"))
		return
	}
	if !d.Enabled {
		writeError(w, apperr.New(apperr.Validation, "device is disabled"))
		return
	}
	var req struct {
		StepID     string         `json:"step_id"`
		AllowWrite bool           `json:"allow_write"`
		Params     map[string]any `json:"params"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, output, err := s.manager.ExecuteManualStep(r.Context(), deviceID, req.StepID, req.Params, req.AllowWrite)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"step_id": req.StepID, "result": result, "output": output})
}

func (s *Server) deviceFromPath(r *http.Request) (model.Device, error) {
	id, err := idFromPath(r)
	if err != nil {
		return model.Device{}, err
	}
	d, ok := s.store.GetDevice(id)
	if !ok {
		return model.Device{}, apperr.New(apperr.NotFound, "device not found")
	}
	return d, nil
}
