// Package fdpoll implements a small single-threaded readiness reactor: a
// bounded table of file-descriptor interests with flag-merge semantics, and
// a level-triggered blocking wait built on poll(2).
//
// The reactor carries no channel or protocol state of its own; callers
// rebuild or merge interest sets as their bookkeeping requires and invoke
// Wait to block until any registered fd is ready.
package fdpoll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Flags describes fd readiness interest or readiness results.
type Flags uint8

const (
	// Read indicates the fd is (or should be watched for becoming) readable.
	Read Flags = 1 << iota

	// Write indicates the fd is (or should be watched for becoming) writable.
	Write

	// PeerClosed indicates the peer closed its end, or an error condition on
	// the fd. It is always reported when it occurs, whether requested or not.
	PeerClosed
)

// ErrTooManyWatches indicates an attempt to add interest in a new fd to an
// InterestSet that is already at capacity. Removing interest never fails.
var ErrTooManyWatches = errors.New("too many fds to watch")

func (f Flags) String() string {
	s := ""
	if f&Read != 0 {
		s += "r"
	}
	if f&Write != 0 {
		s += "w"
	}
	if f&PeerClosed != 0 {
		s += "c"
	}
	if s == "" {
		s = "-"
	}
	return s
}

// events converts interest flags to poll(2) event bits. PeerClosed needs no
// request bit; POLLHUP and POLLERR are always delivered by the kernel.
func (f Flags) events() int16 {
	var ev int16
	if f&Read != 0 {
		ev |= unix.POLLIN
	}
	if f&Write != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// flagsFromEvents converts poll(2) revents bits to Flags.
func flagsFromEvents(ev int16) Flags {
	var f Flags
	if ev&(unix.POLLIN|unix.POLLPRI) != 0 {
		f |= Read
	}
	if ev&unix.POLLOUT != 0 {
		f |= Write
	}
	if ev&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		f |= PeerClosed
	}
	return f
}

// Interest is one fd's entry in an InterestSet.
type Interest struct {
	Fd    int
	Flags Flags
}

// Event is one ready fd reported by Poller.Wait, with the readiness flags
// translated from the kernel's revents.
type Event struct {
	Fd    int
	Flags Flags
}

// InterestSet is a bounded, ordered table of fd interests. Watching a fd
// that is already present merges flags into the existing entry; an entry
// whose flags drop to zero is removed. Order of first insertion is
// preserved, which fixes the service order of Poller.Wait results.
type InterestSet struct {
	max     int
	entries []Interest
}

// NewInterestSet returns an empty InterestSet holding at most max entries.
func NewInterestSet(max int) *InterestSet {
	return &InterestSet{max: max}
}

// Len returns the number of fds currently in the set.
func (s *InterestSet) Len() int {
	return len(s.entries)
}

// Entries returns the interest table in insertion order. The returned slice
// is borrowed; it is invalidated by any mutation of the set.
func (s *InterestSet) Entries() []Interest {
	return s.entries
}

// Clear removes every entry, keeping capacity.
func (s *InterestSet) Clear() {
	s.entries = s.entries[:0]
}

// Watch merges readiness interest for fd: enable bits are added, disable
// bits removed. A fd not yet present is appended; an entry left with zero
// flags is dropped. Adding interest beyond the set's capacity fails with
// ErrTooManyWatches, but a call that only removes interest always succeeds,
// so disabling can never fail.
func (s *InterestSet) Watch(fd int, enable, disable Flags) error {
	for i := range s.entries {
		if s.entries[i].Fd == fd {
			s.entries[i].Flags = (s.entries[i].Flags | enable) &^ disable
			if s.entries[i].Flags == 0 {
				s.entries = append(s.entries[:i], s.entries[i+1:]...)
			}
			return nil
		}
	}
	newFlags := enable &^ disable
	if newFlags == 0 {
		return nil
	}
	if len(s.entries) >= s.max {
		return fmt.Errorf("fd %d would exceed %d watches: %w", fd, s.max, ErrTooManyWatches)
	}
	s.entries = append(s.entries, Interest{Fd: fd, Flags: newFlags})
	return nil
}

// FlagsFor returns the current interest flags for fd, or zero if the fd is
// not in the set.
func (s *InterestSet) FlagsFor(fd int) Flags {
	for i := range s.entries {
		if s.entries[i].Fd == fd {
			return s.entries[i].Flags
		}
	}
	return 0
}

// MergeInto merges every entry of s into dst, combining flags for fds
// watched by both. It fails with ErrTooManyWatches if dst runs out of room.
func (s *InterestSet) MergeInto(dst *InterestSet) error {
	for i := range s.entries {
		if err := dst.Watch(s.entries[i].Fd, s.entries[i].Flags, 0); err != nil {
			return err
		}
	}
	return nil
}

// Poller owns an InterestSet and waits for readiness on it.
type Poller struct {
	set     *InterestSet
	pollFds []unix.PollFd
	ready   []Event
}

// NewPoller returns a Poller whose interest table holds at most max fds.
func NewPoller(max int) *Poller {
	return &Poller{
		set:     NewInterestSet(max),
		pollFds: make([]unix.PollFd, 0, max),
		ready:   make([]Event, 0, max),
	}
}

// Set returns the Poller's interest table for registration and merging.
func (p *Poller) Set() *InterestSet {
	return p.set
}

// Watch merges readiness interest for fd into the Poller's table, with
// InterestSet.Watch semantics.
func (p *Poller) Watch(fd int, enable, disable Flags) error {
	return p.set.Watch(fd, enable, disable)
}

// Clear removes all interests.
func (p *Poller) Clear() {
	p.set.Clear()
}

// Wait blocks until at least one registered fd is ready, with no timeout.
// A wait interrupted by a signal is retried unchanged. Ready fds are
// returned in interest-table order with their translated readiness flags;
// fds that are not ready are omitted. The returned slice is reused by the
// next Wait call.
func (p *Poller) Wait() ([]Event, error) {
	p.pollFds = p.pollFds[:0]
	for _, ent := range p.set.entries {
		p.pollFds = append(p.pollFds, unix.PollFd{
			Fd:     int32(ent.Fd),
			Events: ent.Flags.events(),
		})
	}

	for {
		n, err := unix.Poll(p.pollFds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("poll failed: %w", err)
		}
		if n > 0 {
			break
		}
	}

	p.ready = p.ready[:0]
	for i := range p.pollFds {
		if p.pollFds[i].Revents != 0 {
			p.ready = append(p.ready, Event{
				Fd:    int(p.pollFds[i].Fd),
				Flags: flagsFromEvents(p.pollFds[i].Revents),
			})
		}
	}
	return p.ready, nil
}
