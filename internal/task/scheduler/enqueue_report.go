package scheduler

import (
	"time"

	logx "qcron/pkg/logx"
)

const warnThrottle = time.Minute

// warnThrottled logs at most one warning per key and minute. Broken stored
// jobs and a stopped engine are seen on every tick.
func (s *Service) warnThrottled(key, msg string, fields ...logx.Field) {
	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		s.warnMu.Unlock()
		s.log.Debug(msg, fields...)
		return
	}
	s.lastWarn[key] = now
	s.warnMu.Unlock()
	s.log.Warn(msg, fields...)
}
