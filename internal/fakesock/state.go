package fakesock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// SlotState is a snapshot of an open slot of the registry.
type SlotState struct {
	FD        int  `json:"fd"                  yaml:"fd"`
	Peer      int  `json:"peer"                yaml:"peer"`
	Listening bool `json:"listening,omitempty" yaml:"listening,omitempty"`
	Pending   int  `json:"pending"             yaml:"pending"`
	Buffered  int  `json:"buffered"            yaml:"buffered"`
}

func (st SlotState) String() string {
	switch {
	case st.Listening:
		return fmt.Sprintf("#%d listening", st.FD)
	case st.Peer != none:
		return fmt.Sprintf("#%d <=> #%d", st.FD, st.Peer)
	default:
		return fmt.Sprintf("#%d", st.FD)
	}
}

// state returns the snapshot of the slot at index i, and false if the slot
// has no open descriptor. The slot mutex must be held.
func (s *slot) state(i int) (SlotState, bool) {
	for k, fd := range s.fd {
		if fd != none && fd != 2*i+k {
			panic(fmt.Sprintf("BUG: descriptor #%d found in slot %d", fd, i))
		}
	}
	st := SlotState{
		FD:        s.fd[0],
		Peer:      s.fd[1],
		Listening: s.listening,
		Pending:   s.connecting,
		Buffered:  s.inbox[0].len() + s.inbox[1].len(),
	}
	switch {
	case s.fd[0] != none:
		return st, true
	case s.fd[1] != none:
		st.FD, st.Peer = s.fd[1], none
		return st, true
	default:
		return st, false
	}
}

// State returns a snapshot of every open slot, in slot order.
func (r *Registry) State() []SlotState {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.state()
}

func (r *Registry) state() []SlotState {
	states := make([]SlotState, 0, len(r.slots))
	for i, s := range r.slots {
		s.mutex.Lock()
		st, ok := s.state(i)
		s.mutex.Unlock()
		if ok {
			states = append(states, st)
		}
	}
	return states
}

// DumpState logs one line per open slot.
func (r *Registry) DumpState() {
	r.dumpState(slog.LevelInfo)
}

// dumpState must be called without holding the registry mutex.
func (r *Registry) dumpState(level slog.Level) {
	ctx := context.Background()
	logger := r.log()
	if !logger.Enabled(ctx, level) {
		return
	}
	states := r.State()
	logger.Log(ctx, level, "open sockets:")
	for _, st := range states {
		logger.Log(ctx, level, "  "+st.String())
	}
}

// Stats is a snapshot of the activity of a registry.
type Stats struct {
	Slots        int               `json:"slots"         yaml:"slots"`
	Open         int               `json:"open"          yaml:"open"`
	Listening    int               `json:"listening"     yaml:"listening"`
	Pending      int               `json:"pending"       yaml:"pending"`
	Created      uint64            `json:"created"       yaml:"created"`
	Handshakes   uint64            `json:"handshakes"    yaml:"handshakes"`
	BytesRead    uint64            `json:"bytes_read"    yaml:"bytes_read"`
	BytesWritten uint64            `json:"bytes_written" yaml:"bytes_written"`
	Errors       map[string]uint64 `json:"errors"        yaml:"errors"`
}

type counters struct {
	created      atomic.Uint64
	handshakes   atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64

	mutex  sync.Mutex
	errors map[string]uint64
}

func (c *counters) fail(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.errors == nil {
		c.errors = make(map[string]uint64)
	}
	c.errors[errnoName(err)]++
}

// Stats returns the current statistics of the registry.
func (r *Registry) Stats() Stats {
	stats := Stats{
		Created:      r.stats.created.Load(),
		Handshakes:   r.stats.handshakes.Load(),
		BytesRead:    r.stats.bytesRead.Load(),
		BytesWritten: r.stats.bytesWritten.Load(),
		Errors:       make(map[string]uint64),
	}

	r.stats.mutex.Lock()
	for name, count := range r.stats.errors {
		stats.Errors[name] = count
	}
	r.stats.mutex.Unlock()

	r.mutex.Lock()
	defer r.mutex.Unlock()
	stats.Slots = len(r.slots)
	for _, s := range r.slots {
		s.mutex.Lock()
		for _, fd := range s.fd {
			if fd != none {
				stats.Open++
			}
		}
		if s.listening {
			stats.Listening++
		}
		if s.connecting != none {
			stats.Pending++
		}
		s.mutex.Unlock()
	}
	return stats
}
