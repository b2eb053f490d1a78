package scheduler

import (
	"sort"
	"time"
)

type QueueStatus struct {
	DeviceID string `json:"device_id"`
	Queued   int    `json:"queued"`
	High     int    `json:"high"`
	Normal   int    `json:"normal"`
	Low      int    `json:"low"`
	Mode     Mode   `json:"mode"`
	// UntilWindow is nil when the next window is unknown or already open.
	UntilWindow *time.Duration `json:"until_window,omitempty"`
	LastUpdate  time.Time      `json:"last_update"`
}

// WindowOpen reports whether the device said it is accepting commands.
func (q QueueStatus) WindowOpen() bool { return q.Mode == ModeCmd }

// Status reports queue depth and schedule for a device the scheduler knows
// about, either through queued commands or schedule metadata.
func (s *Scheduler) Status(deviceID string) (QueueStatus, bool) {
	d := s.lockDevice(deviceID, false)
	if d == nil {
		return QueueStatus{}, false
	}
	defer d.mu.Unlock()
	return d.status(s.clock.Now()), true
}

// Statuses returns the status of every known device sorted by identity.
func (s *Scheduler) Statuses() []QueueStatus {
	s.mu.Lock()
	ids := make([]string, 0, len(s.devices))
	for id := range s.devices {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	out := make([]QueueStatus, 0, len(ids))
	for _, id := range ids {
		if st, ok := s.Status(id); ok {
			out = append(out, st)
		}
	}
	return out
}

func (d *device) status(now time.Time) QueueStatus {
	st := QueueStatus{
		DeviceID: d.id,
		High:     len(d.lanes[High]),
		Normal:   len(d.lanes[Normal]),
		Low:      len(d.lanes[Low]),
		Mode:     d.mode(),
	}
	st.Queued = st.High + st.Normal + st.Low
	if d.sched == nil {
		return st
	}
	st.LastUpdate = d.sched.updated
	if d.sched.mode == ModeData && !d.sched.opensAt.IsZero() {
		if rem := d.sched.opensAt.Sub(now); rem > 0 {
			st.UntilWindow = &rem
		}
	}
	return st
}
