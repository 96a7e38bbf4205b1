package paramsync

// ParamDef 参数定义（类型固定为数值，范围强制收敛）
type ParamDef struct {
	Name string
	Min  float64
	Max  float64
}

// Clamp 将值收敛到 [Min, Max]
func (d *ParamDef) Clamp(value float64) float64 {
	if value < d.Min {
		return d.Min
	}
	if value > d.Max {
		return d.Max
	}
	return value
}

// Registry 参数注册表
// name → 定义，alias → 规范名；校验前先过别名表
type Registry struct {
	defs    map[string]*ParamDef
	aliases map[string]string
}

// NewRegistry 创建带默认参数表的注册表
func NewRegistry() *Registry {
	r := &Registry{
		defs:    make(map[string]*ParamDef),
		aliases: make(map[string]string),
	}

	// 加热模组
	r.register("setpoint_c", 10, 40)
	r.register("setpoint_min_c", 10, 40)
	r.register("setpoint_max_c", 10, 40)
	r.register("probe_tolerance_c", 0.1, 3)
	r.register("probe_timeout_s", 5, 300, "alarm.probe_timeout_s")
	r.register("runaway_delta_c", 0.5, 10)
	r.register("max_heater_on_min", 1, 120, "alarm.max_heater_on_min", "heater_timeout_min")
	r.register("stuck_relay_delta_c", 0.1, 5)
	r.register("stuck_relay_window_s", 10, 600)
	r.register("hysteresis_span_c", 0.1, 5)
	r.register("hysteresis_half_c", 0.05, 2.5)

	// 滤棉辊模组
	r.register("spool_length_mm", 10000, 200000)
	r.register("spool_core_diameter_mm", 12, 80)
	r.register("spool_media_thickness_um", 40, 400)

	// 补水模组
	r.register("ato_mode", 0, 2)
	r.register("ato_tank_capacity_ml", 5000, 50000)
	r.register("ato_tank_level_ml", 0, 50000)
	r.register("pump_timeout_ms", 60000, 600000)

	return r
}

func (r *Registry) register(name string, min, max float64, aliases ...string) {
	r.defs[name] = &ParamDef{Name: name, Min: min, Max: max}
	for _, alias := range aliases {
		r.aliases[alias] = name
	}
}

// Resolve 解析参数名（含别名），未知参数返回 nil
func (r *Registry) Resolve(name string) *ParamDef {
	if canonical, ok := r.aliases[name]; ok {
		name = canonical
	}
	return r.defs[name]
}

// Known 参数名（含别名）是否已注册
func (r *Registry) Known(name string) bool {
	return r.Resolve(name) != nil
}
