package daemon

import (
	"strings"

	"github.com/harun/scoop/internal/config"
	"github.com/harun/scoop/pkg/agent"
	"github.com/harun/scoop/pkg/hooks"
)

func authProfiles(profiles []config.ProfileConfig) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: strings.ToLower(strings.TrimSpace(p.Provider)),
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return out
}

func scriptHooks(entries []config.HookConfig) []hooks.ScriptHook {
	out := make([]hooks.ScriptHook, 0, len(entries))
	for _, e := range entries {
		out = append(out, hooks.ScriptHook{
			ID:      strings.TrimSpace(e.ID),
			Event:   strings.TrimSpace(e.Event),
			Script:  strings.TrimSpace(e.Script),
			Timeout: e.Timeout,
			Enabled: e.Enabled,
		})
	}
	return out
}
