package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Enabled:    s.cfg.Enabled,
		Running:    s.c != nil,
		Timezone:   s.loc.String(),
		Tick:       s.cfg.Tick,
		MaxCatchUp: s.cfg.MaxCatchUp,
		LastTick:   s.lastTick,
		Jobs:       make([]JobInfo, 0, len(s.state)),
	}
	for id, st := range s.state {
		snap.Jobs = append(snap.Jobs, JobInfo{
			ID:        id,
			Name:      st.name,
			Cron:      st.cron,
			Watermark: st.watermark,
			Next:      st.next,
			Error:     st.lastErr,
		})
	}
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].ID < snap.Jobs[j].ID })
	return snap
}
