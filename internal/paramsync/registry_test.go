package paramsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ResolveAlias(t *testing.T) {
	r := NewRegistry()

	// 别名与规范名解析到同一定义
	direct := r.Resolve("probe_timeout_s")
	aliased := r.Resolve("alarm.probe_timeout_s")
	require.NotNil(t, direct)
	assert.Same(t, direct, aliased)

	assert.Same(t, r.Resolve("max_heater_on_min"), r.Resolve("heater_timeout_min"))
	assert.Same(t, r.Resolve("max_heater_on_min"), r.Resolve("alarm.max_heater_on_min"))
}

func TestRegistry_UnknownParameter(t *testing.T) {
	r := NewRegistry()

	assert.Nil(t, r.Resolve("bogus_param"))
	assert.False(t, r.Known("bogus_param"))
	assert.True(t, r.Known("setpoint_c"))
}

func TestParamDef_Clamp(t *testing.T) {
	r := NewRegistry()
	def := r.Resolve("setpoint_c")
	require.NotNil(t, def)

	assert.Equal(t, 10.0, def.Clamp(5))
	assert.Equal(t, 40.0, def.Clamp(55))
	assert.Equal(t, 25.0, def.Clamp(25))
}

func TestRegistry_SpoolRanges(t *testing.T) {
	r := NewRegistry()

	def := r.Resolve("spool_length_mm")
	require.NotNil(t, def)
	assert.Equal(t, 10000.0, def.Min)
	assert.Equal(t, 200000.0, def.Max)

	def = r.Resolve("ato_tank_capacity_ml")
	require.NotNil(t, def)
	assert.Equal(t, 5000.0, def.Min)
	assert.Equal(t, 50000.0, def.Max)
}
