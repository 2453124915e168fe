package tools

// Layer is one allow/deny filter. A nil Allow imposes no restriction;
// Deny always wins within the layer.
type Layer struct {
	Allow []string `yaml:"allow,omitempty" json:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty" json:"deny,omitempty"`
}

// apply filters names through the layer: intersect with the allowlist
// when present, then subtract the denylist.
func (l Layer) apply(names []string) []string {
	out := names
	if l.Allow != nil {
		allowed := make(map[string]bool, len(l.Allow))
		for _, name := range l.Allow {
			allowed[name] = true
		}
		filtered := make([]string, 0, len(out))
		for _, name := range out {
			if allowed[name] {
				filtered = append(filtered, name)
			}
		}
		out = filtered
	}
	if len(l.Deny) > 0 {
		denied := make(map[string]bool, len(l.Deny))
		for _, name := range l.Deny {
			denied[name] = true
		}
		filtered := make([]string, 0, len(out))
		for _, name := range out {
			if !denied[name] {
				filtered = append(filtered, name)
			}
		}
		out = filtered
	}
	return out
}

// Policy is the layered tool filter: global rules first, then the
// channel's, then the agent's.
type Policy struct {
	Global   Layer            `yaml:"global" json:"global"`
	Channels map[string]Layer `yaml:"channels,omitempty" json:"channels,omitempty"`
	Agents   map[string]Layer `yaml:"agents,omitempty" json:"agents,omitempty"`
}

// Apply filters a set of visible tool names for a call on the given
// channel by the given agent.
func (p *Policy) Apply(names []string, channel, agent string) []string {
	if p == nil {
		return names
	}
	out := p.Global.apply(names)
	if layer, ok := p.Channels[channel]; ok {
		out = layer.apply(out)
	}
	if layer, ok := p.Agents[agent]; ok {
		out = layer.apply(out)
	}
	return out
}
