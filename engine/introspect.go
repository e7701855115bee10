package engine

// StepInfo describes a step for discovery clients.
type StepInfo struct {
	Name        string         `json:"name"`
	Version     int            `json:"version"`
	Method      string         `json:"method"`
	StatusCodes map[string]int `json:"status_codes,omitempty"`
}

// PluginInfo describes a plugin for discovery clients.
type PluginInfo struct {
	Name  string     `json:"name"`
	Steps []StepInfo `json:"steps"`
}

// IntrospectionData is the engine's discoverable surface: which plugins
// are registered and which steps they expose. It contains no secrets
// and no configuration values.
type IntrospectionData struct {
	Plugins []PluginInfo `json:"plugins"`
}

// GetIntrospectionData returns the registered plugins and their steps
// in registration order.
func (e *Engine) GetIntrospectionData() IntrospectionData {
	e.mu.RLock()
	defer e.mu.RUnlock()

	data := IntrospectionData{Plugins: make([]PluginInfo, 0, len(e.order))}
	for _, name := range e.order {
		p := e.plugins[name]
		info := PluginInfo{Name: p.Name, Steps: make([]StepInfo, 0, len(p.Steps))}
		for _, s := range p.Steps {
			version := s.Version
			if version == 0 {
				version = 1
			}
			method := s.Method
			if method == "" {
				method = "POST"
			}
			info.Steps = append(info.Steps, StepInfo{
				Name:        s.Name,
				Version:     version,
				Method:      method,
				StatusCodes: s.StatusCodes,
			})
		}
		data.Plugins = append(data.Plugins, info)
	}
	return data
}
