package capability

import (
	"github.com/petrelhq/petrel/internal/skills"
	"github.com/petrelhq/petrel/pkg/models"
)

// FromSkill converts a skill descriptor into a catalog capability and
// its readiness probe. enabled reflects config overrides; extraEnv is
// the override-provided environment that can satisfy auth requirements.
func FromSkill(s *skills.Skill, enabled bool, extraEnv map[string]string) (*models.Capability, Probe) {
	c := &models.Capability{
		Name:         s.Name,
		Kind:         models.KindSkill,
		Description:  s.Description,
		Level:        2,
		Instructions: s.Instructions,
	}
	if s.Group != "" {
		c.Tags = []string{s.Group}
	}

	meta := s.Metadata
	if meta != nil {
		c.OSFilter = append([]string(nil), meta.OS...)
		if meta.Always {
			c.Level = 1
		}
	}

	if !enabled {
		return c, StaticProbe(models.StatusUnavailable, "disabled in config")
	}
	if meta == nil || meta.Requires == nil {
		return c, nil
	}

	var probes []Probe
	req := meta.Requires
	if len(req.Bins) > 0 {
		probes = append(probes, BinaryProbe(req.Bins...))
	}
	if len(req.AnyBins) > 0 {
		probes = append(probes, AnyBinaryProbe(req.AnyBins...))
	}
	if len(req.Env) > 0 {
		probes = append(probes, EnvProbe(req.Env, extraEnv))
	}
	if len(probes) == 0 {
		return c, nil
	}
	return c, AllOf(probes...)
}

// SyncSkills mirrors the manager's discovered skills into the static
// layer, replacing entries from the previous sync. Wire it to the
// manager's reload hook so hot reloads re-register.
func (r *Registry) SyncSkills(mgr *skills.Manager) {
	discovered := mgr.ListAll()

	r.mu.Lock()
	for name := range r.skillCaps {
		delete(r.static, name)
		r.cache.invalidate(name)
	}
	r.skillCaps = make(map[string]struct{}, len(discovered))
	for _, s := range discovered {
		c, probe := FromSkill(s, mgr.Enabled(s.Name), mgr.EnvFor(s.Name))
		r.static[c.Name] = &entry{capability: c, probe: probe}
		r.skillCaps[c.Name] = struct{}{}
		r.cache.invalidate(c.Name)
	}
	r.mu.Unlock()

	r.logger.Info("synced skill capabilities", "count", len(discovered))
}
