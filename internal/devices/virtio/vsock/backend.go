package vsock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Stream is one nonblocking host byte stream belonging to a connection.
// Reads and writes never block; callers see unix.EAGAIN when the socket
// has nothing to give or no room to take.
type Stream interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	CloseWrite() error
	Close() error
}

// Backend produces host streams for the muxer. Fd is the listener the
// muxer polls for host-initiated connections; Connect dials the host
// service behind a guest-requested port.
type Backend interface {
	Fd() int
	Accept() (Stream, error)
	Connect(port uint32) (Stream, error)
	Close() error
}

// fdStream is a Stream over a raw nonblocking descriptor.
type fdStream struct {
	fd int
}

// NewFdStream wraps an already-nonblocking descriptor.
func NewFdStream(fd int) Stream { return &fdStream{fd: fd} }

func (s *fdStream) Fd() int { return s.fd }

func (s *fdStream) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *fdStream) Write(p []byte) (int, error) {
	n, err := unix.Write(s.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

func (s *fdStream) CloseWrite() error {
	return unix.Shutdown(s.fd, unix.SHUT_WR)
}

func (s *fdStream) Close() error {
	return unix.Close(s.fd)
}

// UnixBackend serves vsock connections over unix domain sockets the way
// firecracker lays them out: a single listener at Path accepts
// host-initiated connections (the host then writes a "CONNECT <port>\n"
// handshake line), and guest-initiated connections to port N dial the
// socket at "<Path>_<N>".
type UnixBackend struct {
	path string
	fd   int
}

var _ Backend = (*UnixBackend)(nil)

// NewUnixBackend binds and listens on path. A stale socket file from a
// previous run is removed first.
func NewUnixBackend(path string) (*UnixBackend, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("vsock: remove stale socket %s: %w", path, err)
	}
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock: socket: %w", err)
	}
	addr := &unix.SockaddrUnix{Name: path}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: bind %s: %w", path, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: listen %s: %w", path, err)
	}
	return &UnixBackend{path: path, fd: fd}, nil
}

func (b *UnixBackend) Fd() int { return b.fd }

// Accept takes one pending host connection. unix.EAGAIN means none are
// waiting.
func (b *UnixBackend) Accept() (Stream, error) {
	nfd, _, err := unix.Accept4(b.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return NewFdStream(nfd), nil
}

// Connect dials the per-port socket for a guest-initiated connection.
func (b *UnixBackend) Connect(port uint32) (Stream, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock: socket: %w", err)
	}
	target := fmt.Sprintf("%s_%d", b.path, port)
	err = unix.Connect(fd, &unix.SockaddrUnix{Name: target})
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: connect %s: %w", target, err)
	}
	return NewFdStream(fd), nil
}

func (b *UnixBackend) Close() error {
	err := unix.Close(b.fd)
	os.Remove(b.path)
	return err
}
