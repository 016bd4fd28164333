package epoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// pipeSubscriber records events delivered for the read end of a pipe.
type pipeSubscriber struct {
	fd     int
	data   uint32
	events chan Event
}

func (s *pipeSubscriber) Init(ops *EventOps) {
	if err := ops.Add(s.fd, s.data, EventIn); err != nil {
		panic(err)
	}
}

func (s *pipeSubscriber) Process(ev Event, ops *EventOps) {
	var buf [64]byte
	unix.Read(ev.Fd, buf[:])
	s.events <- ev
}

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestManagerDeliversEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	r, w := newPipe(t)
	sub := &pipeSubscriber{fd: r, data: 7, events: make(chan Event, 1)}
	id := m.AddSubscriber(sub)
	require.NotZero(t, id)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case ev := <-sub.events:
		require.Equal(t, r, ev.Fd)
		require.Equal(t, uint32(7), ev.Data)
		require.NotZero(t, ev.Events&EventIn)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestManagerRemoveSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	r, w := newPipe(t)
	sub := &pipeSubscriber{fd: r, events: make(chan Event, 4)}
	id := m.AddSubscriber(sub)

	got, err := m.RemoveSubscriber(id)
	require.NoError(t, err)
	require.Same(t, sub, got)

	// The fd is off the epoll set now; writes must not reach Process.
	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	select {
	case <-sub.events:
		t.Fatal("event delivered after removal")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = m.RemoveSubscriber(id)
	require.ErrorIs(t, err, ErrUnknownSubscriber)
}

// blockingSubscriber parks inside Process until released, so tests can
// observe an in-flight dispatch.
type blockingSubscriber struct {
	fd      int
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSubscriber) Init(ops *EventOps) {
	if err := ops.Add(s.fd, 0, EventIn); err != nil {
		panic(err)
	}
}

func (s *blockingSubscriber) Process(ev Event, ops *EventOps) {
	var buf [64]byte
	unix.Read(ev.Fd, buf[:])
	s.entered <- struct{}{}
	<-s.release
}

func TestManagerRemoveWaitsForInflightProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	r, w := newPipe(t)
	sub := &blockingSubscriber{
		fd:      r,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	id := m.AddSubscriber(sub)

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)
	<-sub.entered

	removed := make(chan struct{})
	go func() {
		if _, rerr := m.RemoveSubscriber(id); rerr != nil {
			t.Errorf("RemoveSubscriber: %v", rerr)
		}
		close(removed)
	}()

	// Process is still parked; removal must not complete under it.
	select {
	case <-removed:
		t.Fatal("RemoveSubscriber returned while Process was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(sub.release)
	select {
	case <-removed:
	case <-time.After(2 * time.Second):
		t.Fatal("RemoveSubscriber did not return after Process finished")
	}
}

func TestManagerDuplicateFdRejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	r, _ := newPipe(t)

	errs := make(chan error, 1)
	first := &pipeSubscriber{fd: r, events: make(chan Event, 1)}
	m.AddSubscriber(first)
	m.AddSubscriber(subscriberFunc(func(ops *EventOps) {
		errs <- ops.Add(r, 0, EventIn)
	}))
	require.Error(t, <-errs)
}

// subscriberFunc adapts an Init func for registration-only tests.
type subscriberFunc func(ops *EventOps)

func (f subscriberFunc) Init(ops *EventOps)              { f(ops) }
func (f subscriberFunc) Process(ev Event, ops *EventOps) {}

func TestManagerCloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewManager()
	require.NoError(t, err)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestManagerEventfdSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, err := NewManager()
	require.NoError(t, err)
	defer m.Close()

	ev, err := eventfd.Create()
	require.NoError(t, err)
	defer ev.Close()

	fired := make(chan struct{}, 1)
	m.AddSubscriber(&eventfdSubscriber{ev: ev, fired: fired})

	require.NoError(t, ev.Notify())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("eventfd event not delivered")
	}
}

type eventfdSubscriber struct {
	ev    eventfd.Eventfd
	fired chan struct{}
}

func (s *eventfdSubscriber) Init(ops *EventOps) {
	if err := ops.Add(s.ev.FD(), 0, EventIn); err != nil {
		panic(err)
	}
}

func (s *eventfdSubscriber) Process(ev Event, ops *EventOps) {
	s.ev.Read()
	select {
	case s.fired <- struct{}{}:
	default:
	}
}
