package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.locationLocked()
	s.mu.Unlock()

	now := time.Now().In(loc)
	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		if it.Next.IsZero() {
			if sched, err := s.parser.Parse(d.spec); err == nil {
				it.Next = sched.Next(now)
			}
		}
		items = append(items, it)
	}
	return Snapshot{Running: c != nil, Timezone: loc.String(), Schedules: items}
}
