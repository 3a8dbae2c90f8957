package restapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/scalegate/internal/eventbus"
	"github.com/fisaks/scalegate/internal/manager"
	"github.com/fisaks/scalegate/internal/store"

	_ "github.com/fisaks/scalegate/internal/driver/modbusdrv"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	st := store.New()
	bus := eventbus.New()
	mgr := manager.New(st, bus)
	t.Cleanup(mgr.Shutdown)

	s := NewServer(st, mgr, "test-key")
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHealthEndpointRequiresNoAuth(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProtocolsListRequiresAPIKey(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/protocols")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtocolsListWithAPIKey(t *testing.T) {
	_, ts := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/protocols", nil)
	req.Header.Set("X-API-Key", "test-key")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var templates []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&templates))
	assert.Len(t, templates, 2)
}

func TestCreateDeviceReturnsCreated(t *testing.T) {
	s, ts := newTestServer(t)
	templates := s.store.ListProtocolTemplates()
	var modbusTemplateID int64
	for _, tpl := range templates {
		if tpl.ProtocolType == "modbus_tcp" {
			modbusTemplateID = tpl.ID
		}
	}
	require.NotZero(t, modbusTemplateID)

	body, _ := json.Marshal(map[string]any{
		"device_code":          "SCALE-TEST",
		"name":                 "Test Scale",
		"protocol_template_id": modbusTemplateID,
		"connection_params":    map[string]any{},
		"poll_interval":        1.0,
		"enabled":              true,
	})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/devices", bytes.NewReader(body))
	req.Header.Set("X-API-Key", "test-key")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestRequireAPIKeyAcceptsQueryParam(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/protocols?api_key=test-key")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
