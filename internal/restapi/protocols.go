package restapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/driver"
	"github.com/fisaks/scalegate/internal/executor"
	"github.com/fisaks/scalegate/internal/model"
)

type protocolCreateRequest struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ProtocolType model.ProtocolType `json:"protocol_type"`
	Template     model.Template `json:"template"`
}

func (s *Server) listProtocols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.ListProtocolTemplates())
}

func (s *Server) createProtocol(w http.ResponseWriter, r *http.Request) {
	var req protocolCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	t := model.ProtocolTemplate{
		Name:         req.Name,
		Description:  req.Description,
		ProtocolType: req.ProtocolType,
		Template:     req.Template,
	}
	created, err := s.store.CreateProtocolTemplate(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// importProtocol accepts a full exported template document (as returned by
// exportProtocol) and re-creates it under a fresh id — the import half of
// protocols.py's import/export pair.
func (s *Server) importProtocol(w http.ResponseWriter, r *http.Request) {
	var t model.ProtocolTemplate
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, err)
		return
	}
	t.IsSystem = false
	created, err := s.store.CreateProtocolTemplate(t)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getProtocol(w http.ResponseWriter, r *http.Request) {
	t, err := s.protocolFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) exportProtocol(w http.ResponseWriter, r *http.Request) {
	t, err := s.protocolFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) updateProtocol(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req protocolCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.UpdateProtocolTemplate(id, func(t *model.ProtocolTemplate) error {
		if req.Name != "" {
			t.Name = req.Name
		}
		t.Description = req.Description
		if req.ProtocolType != "" {
			t.ProtocolType = req.ProtocolType
		}
		t.Template = req.Template
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) deleteProtocol(w http.ResponseWriter, r *http.Request) {
	id, err := idFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteProtocolTemplate(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// testProtocol connects a throwaway driver, runs setup once and — for
// non-MQTT templates — one poll cycle, then disconnects. Grounded on
// protocols.py's test_protocol endpoint.
func (s *Server) testProtocol(w http.ResponseWriter, r *http.Request) {
	t, err := s.protocolFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		ConnectionParams  map[string]any `json:"connection_params"`
		TemplateVariables map[string]any `json:"template_variables"`
	}
	_ = decodeJSON(r, &req)

	drv, err := driver.Build(t.ProtocolType, req.ConnectionParams)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	defer drv.Disconnect(ctx)

	if err := drv.Connect(ctx); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}

	exec := executor.New(t.Template, drv)
	variables := mergeVariables(t.Template, req.TemplateVariables)

	setupCtx, err := exec.RunSetupSteps(ctx, variables)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	if t.ProtocolType == model.ProtocolMQTT {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "steps": setupCtx["steps"]})
		return
	}
	pollCtx, err := exec.RunPollSteps(ctx, setupCtx)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	output := exec.RenderOutput(pollCtx)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "steps": pollCtx["steps"], "output": output})
}

// testStep locates a single step (by its context — setup, poll or event)
// and runs it in isolation. A write action without allow_write is refused
// with 403, per spec.md's write-operation policy rather than the original
// implementation's soft ok:false response.
func (s *Server) testStep(w http.ResponseWriter, r *http.Request) {
	t, err := s.protocolFromPath(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		StepID      string         `json:"step_id"`
		StepContext string         `json:"step_context"`
		AllowWrite  bool           `json:"allow_write"`
		TestPayload string         `json:"test_payload"`
		ConnectionParams map[string]any `json:"connection_params"`
		TemplateVariables map[string]any `json:"template_variables"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	step, found := findStepInTemplate(t.Template, req.StepID, req.StepContext)
	if !found {
		writeError(w, apperr.New(apperr.NotFound, "step not found"))
		return
	}
	if model.IsWriteAction(step.Action) && !req.AllowWrite {
		writeError(w, apperr.New(apperr.Forbidden, "step performs a write action; allow_write required"))
		return
	}

	variables := mergeVariables(t.Template, req.TemplateVariables)
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if req.StepContext == "event" {
		exec := executor.New(t.Template, nil)
		execCtx := map[string]any{"steps": map[string]any{}, "payload": req.TestPayload}
		for k, v := range variables {
			execCtx[k] = v
		}
		result, err := exec.ExecuteOneStep(ctx, execCtx, step, true)
		if err != nil {
			writeError(w, err)
			return
		}
		execCtx["message_handler"] = model.StepResult{Result: result}
		output := exec.RenderOutput(execCtx)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "step_id": step.ID, "action": step.Action, "step_result": result, "rendered_output": output})
		return
	}

	drv, err := driver.Build(t.ProtocolType, req.ConnectionParams)
	if err != nil {
		writeError(w, err)
		return
	}
	defer drv.Disconnect(ctx)
	if err := drv.Connect(ctx); err != nil {
		writeError(w, err)
		return
	}

	exec := executor.New(t.Template, drv)
	execCtx := map[string]any{"steps": map[string]any{}}
	for k, v := range variables {
		execCtx[k] = v
	}
	result, err := exec.ExecuteOneStep(ctx, execCtx, step, false)
	if err != nil {
		writeError(w, err)
		return
	}
	execCtx["steps"].(map[string]any)[step.ID] = model.StepResult{Result: result}
	output := exec.RenderOutput(execCtx)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "step_id": step.ID, "action": step.Action, "step_result": result, "rendered_output": output})
}

// findStepInTemplate searches setup_steps / poll-triggered steps /
// message_handler depending on step_context, per
// protocols.py::find_step_in_template.
func findStepInTemplate(t model.Template, stepID, stepContext string) (model.Step, bool) {
	switch stepContext {
	case "setup":
		for _, st := range t.SetupSteps {
			if st.ID == stepID {
				return st, true
			}
		}
	case "event":
		if t.MessageHandler != nil && t.MessageHandler.ID == stepID {
			return *t.MessageHandler, true
		}
	default: // "poll"
		for _, st := range t.Steps {
			if st.ID == stepID && st.Trigger == model.TriggerPoll {
				return st, true
			}
		}
	}
	return model.Step{}, false
}

func mergeVariables(t model.Template, overrides map[string]any) map[string]any {
	vars := map[string]any{}
	for _, v := range t.Variables {
		vars[v.Name] = v.Default
	}
	for k, v := range overrides {
		vars[k] = v
	}
	return vars
}

func (s *Server) protocolFromPath(r *http.Request) (model.ProtocolTemplate, error) {
	id, err := idFromPath(r)
	if err != nil {
		return model.ProtocolTemplate{}, err
	}
	t, ok := s.store.GetProtocolTemplate(id)
	if !ok {
		return model.ProtocolTemplate{}, apperr.New(apperr.NotFound, "protocol template not found")
	}
	return t, nil
}

func idFromPath(r *http.Request) (int64, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apperr.Wrap(apperr.Validation, "invalid id", err)
	}
	return id, nil
}
