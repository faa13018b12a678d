package duetboard

// Tools returns the temperature points to monitor.
//
// With a configured tool count or bed, the result is "1".."n" followed by
// "bed". Otherwise the tools are the sorted keys of the "temperature"
// object of the last heat payload; before the first successful heat fetch
// the result is empty.
func (p *Printer) Tools() []Tool {
	if p.toolCount > 0 || p.bed {
		tools := make([]Tool, 0, p.toolCount+1)
		for i := 1; i <= p.toolCount; i++ {
			tools = append(tools, ToolNumber(i))
		}
		if p.bed {
			tools = append(tools, BedTool)
		}
		return tools
	}
	return p.discoverTools()
}

func (p *Printer) discoverTools() []Tool {
	p.mu.RLock()
	payload := p.entries[EndpointHeat].payload
	p.mu.RUnlock()

	if payload.IsZero() {
		return []Tool{}
	}
	temps, err := payload.Lookup("temperature")
	if err != nil {
		return []Tool{}
	}
	keys, err := temps.Keys()
	if err != nil {
		p.logger.Debug("heat payload temperature is not an object", "error", err)
		return []Tool{}
	}
	tools := make([]Tool, len(keys))
	for i, k := range keys {
		tools[i] = Tool(k)
	}
	return tools
}
