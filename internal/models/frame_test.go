package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	raw := []byte(`{
		"protocol": "reef-link/1",
		"module_id": "heater-01",
		"submodule_id": "probe-a",
		"type": "status",
		"sent_at": "2026-03-01T12:00:00Z",
		"payload": {"sensors": {"temp_c": 25.4}}
	}`)

	frame, err := ParseFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, frame.Protocol)
	assert.Equal(t, "heater-01", frame.ModuleID)
	assert.Equal(t, "probe-a", frame.SubmoduleID)
	assert.Equal(t, FrameTypeStatus, frame.Type)
	assert.NotEmpty(t, frame.Payload)
}

func TestParseFrame_Malformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing module_id", `{"type":"status"}`},
		{"missing type", `{"module_id":"heater-01"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFrame([]byte(tc.raw))
			assert.Error(t, err)
		})
	}
}

func TestParseControlPayload(t *testing.T) {
	payload, err := ParseControlPayload(json.RawMessage(`{
		"command": "set_param",
		"name": "setpoint_c",
		"value": 25.5
	}`))
	require.NoError(t, err)
	assert.Equal(t, CommandSetParam, payload.Command)
	assert.Equal(t, "setpoint_c", payload.Name)

	_, err = ParseControlPayload(json.RawMessage(`{"name":"setpoint_c"}`))
	assert.Error(t, err, "command is required")
}

func TestControlPayload_PairsNormalization(t *testing.T) {
	// 单参数形态
	single := &ControlPayload{Name: "setpoint_c", Value: 25.5}
	pairs := single.Pairs()
	require.Len(t, pairs, 1)
	assert.Equal(t, 25.5, pairs["setpoint_c"])

	// 批量形态
	batch := &ControlPayload{Params: map[string]interface{}{
		"setpoint_c":      25.5,
		"probe_timeout_s": 30.0,
	}}
	assert.Len(t, batch.Pairs(), 2)

	// 混合形态：单参数字段覆盖批量里的同名项
	mixed := &ControlPayload{
		Name:   "setpoint_c",
		Value:  26.0,
		Params: map[string]interface{}{"setpoint_c": 25.5},
	}
	assert.Equal(t, 26.0, mixed.Pairs()["setpoint_c"])
}
