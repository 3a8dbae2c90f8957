package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/scalegate/internal/apperr"
	"github.com/fisaks/scalegate/internal/model"
)

func TestNewSeedsSystemTemplates(t *testing.T) {
	s := New()
	templates := s.ListProtocolTemplates()
	require.Len(t, templates, 2)
	for _, tpl := range templates {
		assert.True(t, tpl.IsSystem)
	}
}

func TestNormalizeDeviceCode(t *testing.T) {
	code, err := NormalizeDeviceCode(" scale-01 ")
	require.NoError(t, err)
	assert.Equal(t, "SCALE-01", code)

	_, err = NormalizeDeviceCode("bad code!")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestCreateDeviceDefaultsDeviceCode(t *testing.T) {
	s := New()
	tpl := s.ListProtocolTemplates()[0]

	d, err := s.CreateDevice(model.Device{Name: "Scale A", ProtocolTemplateID: tpl.ID, Enabled: true})
	require.NoError(t, err)
	assert.Regexp(t, `^DEV-\d{6}$`, d.DeviceCode)
}

func TestCreateDeviceRejectsDuplicateCode(t *testing.T) {
	s := New()
	tpl := s.ListProtocolTemplates()[0]

	_, err := s.CreateDevice(model.Device{DeviceCode: "SCALE-1", Name: "Scale A", ProtocolTemplateID: tpl.ID})
	require.NoError(t, err)

	_, err = s.CreateDevice(model.Device{DeviceCode: "scale-1", Name: "Scale B", ProtocolTemplateID: tpl.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestDeleteProtocolTemplateRefusesSystemTemplate(t *testing.T) {
	s := New()
	tpl := s.ListProtocolTemplates()[0]

	err := s.DeleteProtocolTemplate(tpl.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestDeleteProtocolTemplateRefusesWhenInUse(t *testing.T) {
	s := New()
	custom, err := s.CreateProtocolTemplate(model.ProtocolTemplate{Name: "Custom"})
	require.NoError(t, err)

	_, err = s.CreateDevice(model.Device{DeviceCode: "SCALE-2", Name: "Scale C", ProtocolTemplateID: custom.ID})
	require.NoError(t, err)

	err = s.DeleteProtocolTemplate(custom.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}
