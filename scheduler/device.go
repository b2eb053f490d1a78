package scheduler

import (
	"sync"
	"time"

	"github.com/mbocsi/fieldhub/proto"
)

type device struct {
	mu sync.Mutex
	id string

	sched *schedule            // nil while the mode is Unknown
	lanes [Critical][]*Command // indexed by Low, Normal, High

	window            uint64 // count of Cmd windows observed
	flushed           uint64 // last window a flush was started for
	flushing          bool
	imminentAnnounced bool
	removed           bool
}

type schedule struct {
	mode         Mode
	cmdIn        time.Duration
	cmdDur       time.Duration
	updated      time.Time
	windowOpened time.Time // first telemetry of the current Cmd window
	opensAt      time.Time // zero unless a countdown was reported in Data mode
}

func newSchedule(meta *proto.Schedule, now time.Time) *schedule {
	sc := &schedule{
		mode:    ModeData,
		cmdIn:   time.Duration(meta.CmdIn) * time.Second,
		cmdDur:  time.Duration(meta.CmdDur) * time.Second,
		updated: now,
	}
	if sc.cmdDur <= 0 {
		sc.cmdDur = proto.DefaultWindowSeconds * time.Second
	}
	if meta.Mode == proto.ModeCmd {
		sc.mode = ModeCmd
	} else if sc.cmdIn > 0 {
		sc.opensAt = now.Add(sc.cmdIn)
	}
	return sc
}

func (d *device) mode() Mode {
	if d.sched == nil {
		return ModeUnknown
	}
	return d.sched.mode
}

func (d *device) queued() int {
	n := 0
	for _, lane := range d.lanes {
		n += len(lane)
	}
	return n
}

// inWindow reports whether window is still the device's open Cmd window.
func (d *device) inWindow(window uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sched != nil && d.sched.mode == ModeCmd && d.window == window
}

// evict drops the oldest commands of the lowest non-empty lane until the
// queue fits in max.
func (d *device) evict(max int) []*Command {
	var out []*Command
	for d.queued() > max {
		for _, p := range []Priority{Low, Normal, High} {
			if len(d.lanes[p]) > 0 {
				out = append(out, d.lanes[p][0])
				d.lanes[p] = d.lanes[p][1:]
				break
			}
		}
	}
	return out
}

// drain empties every lane in High, Normal, Low order, separating out
// commands whose max age has passed.
func (d *device) drain(now time.Time) (batch, expired []*Command) {
	for _, p := range lanes {
		for _, c := range d.lanes[p] {
			if c.expired(now) {
				expired = append(expired, c)
				continue
			}
			batch = append(batch, c)
		}
		d.lanes[p] = nil
	}
	return batch, expired
}

// prepend puts cmds back at the front of their lanes, ahead of anything
// queued since, keeping their relative order.
func (d *device) prepend(cmds []*Command) {
	var byLane [Critical][]*Command
	for _, c := range cmds {
		byLane[c.Priority] = append(byLane[c.Priority], c)
	}
	for p := range byLane {
		if len(byLane[p]) == 0 {
			continue
		}
		d.lanes[p] = append(byLane[p], d.lanes[p]...)
	}
}
