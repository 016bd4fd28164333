package epoll

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"

	"github.com/embervm/ember/internal/debug"
)

var mgrDbg = debug.WithSource("epoll-manager")

// ErrUnknownSubscriber is returned when an ID does not name a live
// subscriber, including one that was already removed.
var ErrUnknownSubscriber = errors.New("epoll: unknown subscriber")

// SubscriberID is a registration handle returned by AddSubscriber. The
// zero value never names a live subscriber.
type SubscriberID uint64

// EventSet is a bitmask of epoll readiness conditions.
type EventSet uint32

const (
	EventIn  EventSet = unix.EPOLLIN
	EventOut EventSet = unix.EPOLLOUT
	EventErr EventSet = unix.EPOLLERR
	EventHup EventSet = unix.EPOLLHUP
)

// Event is one readiness notification delivered to a subscriber.
type Event struct {
	Fd     int
	Data   uint32
	Events EventSet
}

// Subscriber handles readiness events on the manager's pump goroutine.
// Init and Process are never invoked concurrently with each other for the
// same subscriber; all per-subscriber state may be touched without locks.
type Subscriber interface {
	// Init registers the subscriber's file descriptors. It runs once,
	// during AddSubscriber.
	Init(ops *EventOps)

	// Process handles one readiness event on the pump goroutine.
	Process(ev Event, ops *EventOps)
}

type fdEntry struct {
	owner SubscriberID
	data  uint32
}

type subscriberState struct {
	sub Subscriber
	fds map[int]struct{}
}

// Manager multiplexes readiness for all devices of one sandbox over a
// single epoll descriptor drained by one dedicated goroutine. The pump
// suspends only in epoll_wait; it performs no blocking I/O of its own.
type Manager struct {
	epfd int
	wake eventfd.Eventfd

	mu     sync.Mutex
	nextID SubscriberID
	subs   map[SubscriberID]*subscriberState
	fds    map[int]fdEntry
	closed bool

	// Held by the pump around each Process call; RemoveSubscriber takes
	// it to wait out an in-flight dispatch.
	dispatchMu sync.Mutex

	done chan struct{}
}

// NewManager creates the shared event loop and starts its pump goroutine.
func NewManager() (*Manager, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create: %w", err)
	}
	wake, err := eventfd.Create()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll: create wake eventfd: %w", err)
	}

	m := &Manager{
		epfd: epfd,
		wake: wake,
		subs: make(map[SubscriberID]*subscriberState),
		fds:  make(map[int]fdEntry),
		done: make(chan struct{}),
	}
	if err := m.epollCtl(unix.EPOLL_CTL_ADD, wake.FD(), unix.EPOLLIN); err != nil {
		wake.Close()
		unix.Close(epfd)
		return nil, err
	}
	go m.run()
	return m, nil
}

// AddSubscriber registers sub with the event loop and runs its Init. The
// returned ID is the only legitimate way to deregister it later.
func (m *Manager) AddSubscriber(sub Subscriber) SubscriberID {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs[id] = &subscriberState{sub: sub, fds: make(map[int]struct{})}
	m.mu.Unlock()

	sub.Init(&EventOps{mgr: m, id: id})
	return id
}

// RemoveSubscriber deregisters every descriptor the subscriber registered
// and returns the subscriber. It does not return until any in-flight
// Process call on the pump goroutine has completed, so the caller may
// close the subscriber's descriptors afterward. For that reason it must
// not be called from within Process. Removing an unknown or
// already-removed ID returns ErrUnknownSubscriber.
func (m *Manager) RemoveSubscriber(id SubscriberID) (Subscriber, error) {
	m.mu.Lock()
	state, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownSubscriber
	}
	delete(m.subs, id)
	fds := make([]int, 0, len(state.fds))
	for fd := range state.fds {
		delete(m.fds, fd)
		fds = append(fds, fd)
	}
	m.mu.Unlock()

	for _, fd := range fds {
		if err := m.epollCtl(unix.EPOLL_CTL_DEL, fd, 0); err != nil {
			mgrDbg.Writef("remove subscriber %d: drop fd %d: %v", id, fd, err)
		}
	}

	// The pump cannot look this subscriber up anymore; wait out a
	// dispatch that was already past the lookup.
	m.dispatchMu.Lock()
	m.dispatchMu.Unlock()

	return state.sub, nil
}

// Kick wakes the pump goroutine so it re-reads subscription state.
func (m *Manager) Kick() {
	_ = m.wake.Notify()
}

// Close shuts the pump down and releases the epoll descriptor. Subscribers
// are not notified; callers remove their devices first.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	_ = m.wake.Notify()
	<-m.done

	m.wake.Close()
	return unix.Close(m.epfd)
}

func (m *Manager) run() {
	defer close(m.done)

	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(m.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			mgrDbg.Writef("epoll_wait: %v", err)
			return
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == m.wake.FD() {
				_, _ = m.wake.Read()
				m.mu.Lock()
				closed := m.closed
				m.mu.Unlock()
				if closed {
					return
				}
				continue
			}

			// The lookup happens under dispatchMu so a removal either
			// sees the subscriber gone or waits for this Process call.
			m.dispatchMu.Lock()
			m.mu.Lock()
			entry, ok := m.fds[fd]
			var sub Subscriber
			var id SubscriberID
			if ok {
				if state, live := m.subs[entry.owner]; live {
					sub = state.sub
					id = entry.owner
				}
			}
			m.mu.Unlock()

			// A stale event for a just-removed fd is dropped here.
			if sub == nil {
				m.dispatchMu.Unlock()
				continue
			}
			sub.Process(Event{
				Fd:     fd,
				Data:   entry.data,
				Events: EventSet(events[i].Events),
			}, &EventOps{mgr: m, id: id})
			m.dispatchMu.Unlock()
		}
	}
}

func (m *Manager) epollCtl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll: ctl op=%d fd=%d: %w", op, fd, err)
	}
	return nil
}

// EventOps registers and drops descriptors on behalf of one subscriber.
type EventOps struct {
	mgr *Manager
	id  SubscriberID
}

// Add starts delivering events matching evset for fd to this subscriber.
// data comes back verbatim in Event.Data so the subscriber can tell its
// descriptors apart without a lookup of its own.
func (o *EventOps) Add(fd int, data uint32, evset EventSet) error {
	m := o.mgr
	m.mu.Lock()
	state, ok := m.subs[o.id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSubscriber
	}
	if _, dup := m.fds[fd]; dup {
		m.mu.Unlock()
		return fmt.Errorf("epoll: fd %d already registered", fd)
	}
	m.fds[fd] = fdEntry{owner: o.id, data: data}
	state.fds[fd] = struct{}{}
	m.mu.Unlock()

	if err := m.epollCtl(unix.EPOLL_CTL_ADD, fd, uint32(evset)); err != nil {
		m.mu.Lock()
		delete(m.fds, fd)
		delete(state.fds, fd)
		m.mu.Unlock()
		return err
	}
	return nil
}

// Modify changes the readiness conditions watched for fd.
func (o *EventOps) Modify(fd int, data uint32, evset EventSet) error {
	m := o.mgr
	m.mu.Lock()
	entry, ok := m.fds[fd]
	if !ok || entry.owner != o.id {
		m.mu.Unlock()
		return fmt.Errorf("epoll: fd %d not registered by this subscriber", fd)
	}
	m.fds[fd] = fdEntry{owner: o.id, data: data}
	m.mu.Unlock()

	return m.epollCtl(unix.EPOLL_CTL_MOD, fd, uint32(evset))
}

// Delete stops watching fd.
func (o *EventOps) Delete(fd int) error {
	m := o.mgr
	m.mu.Lock()
	entry, ok := m.fds[fd]
	if !ok || entry.owner != o.id {
		m.mu.Unlock()
		return fmt.Errorf("epoll: fd %d not registered by this subscriber", fd)
	}
	delete(m.fds, fd)
	if state, live := m.subs[o.id]; live {
		delete(state.fds, fd)
	}
	m.mu.Unlock()

	return m.epollCtl(unix.EPOLL_CTL_DEL, fd, 0)
}
