// The MIT License (MIT)
//
// # Copyright (c) 2023 ndist
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package tcpio provides the fd-level socket operations of the relay:
// a non-blocking IPv4 listen socket, accept, classified send/recv, and
// the per-second throughput statistics ring.
package tcpio

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.StandardLogger()

// listenBacklog is the listen(2) queue length.
const listenBacklog = 511

// ErrAgain reports that a non-blocking operation could not make progress
// and should be retried on the next readiness event. Interrupted calls
// are folded into the same classification.
var ErrAgain = errors.New("tcpio: operation would block")

// Sock is the minimal set of socket calls the connection layer performs.
// The production implementation is RealSock; tests substitute a fake to
// script partial writes and scripted reads.
type Sock interface {
	// Send writes p to fd. It may accept fewer bytes than len(p).
	// A nil error with n < len(p) is a partial write. ErrAgain means
	// nothing was accepted; any other error is fatal for the socket.
	Send(fd int, p []byte) (int, error)

	// Recv reads into p. n == 0 with a nil error means the peer closed
	// the connection. ErrAgain means no data is available; any other
	// error is fatal for the socket.
	Recv(fd int, p []byte) (int, error)

	// Close closes the socket.
	Close(fd int)
}

// RealSock performs the calls against the kernel.
type RealSock struct{}

func (RealSock) Send(fd int, p []byte) (int, error) {
	if fd < 0 {
		return 0, errors.New("tcpio: send on closed socket")
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, ErrAgain
		}
		return 0, err
	}
	return n, nil
}

func (RealSock) Recv(fd int, p []byte) (int, error) {
	if fd < 0 {
		return 0, errors.New("tcpio: recv on closed socket")
	}
	n, err := unix.Read(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return 0, ErrAgain
		}
		// A reset or aborted connection reads like an orderly close.
		if err == unix.ECONNRESET || err == unix.ECONNABORTED || err == unix.ESHUTDOWN {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

func (RealSock) Close(fd int) {
	CloseSocket(fd)
}

// CloseSocket closes a TCP socket without lingering; close returns at
// once and the kernel completes the shutdown in the background.
func CloseSocket(fd int) {
	if fd < 0 {
		return
	}
	linger := &unix.Linger{Onoff: 0, Linger: 0}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
		log.Tracef("setsockopt SO_LINGER on socket %d failed: %v", fd, err)
	}
	unix.Close(fd)
}

// CreateListenSocket opens an IPv4 TCP socket bound to INADDR_ANY on the
// given port and starts listening. With reUse set, SO_REUSEADDR is set
// before the bind. The socket is non-blocking.
func CreateListenSocket(port uint16, reUse bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket(AF_INET, SOCK_STREAM)")
	}

	if reUse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			log.Errorf("setsockopt SO_REUSEADDR on socket %d failed: %v", fd, err)
		}
	}

	addr := &unix.SockaddrInet4{Port: int(port)}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind(socket, port %d)", port)
	}

	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen(socket)")
	}

	log.Infof("TCPSOCKET %d bound to port %d, listen queue length %d", fd, port, listenBacklog)
	return fd, nil
}

// LocalPort reports the port a socket is bound to. Useful when the
// listen socket was created with port 0.
func LocalPort(fd int) (uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Wrap(err, "getsockname")
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, errors.New("tcpio: listen socket is not AF_INET")
	}
	return uint16(in4.Port), nil
}

// Accept takes one pending connection off the listen socket. The
// returned ip and port are in host order, addr is the dotted decimal
// form. ErrAgain is returned when no connection is pending or the call
// was interrupted.
func Accept(listenFd int) (fd int, ip uint32, port uint16, addr string, err error) {
	nfd, sa, aerr := unix.Accept(listenFd)
	if aerr != nil {
		switch aerr {
		case unix.EAGAIN, unix.EINTR,
			unix.ECONNRESET, unix.ETIMEDOUT, unix.EHOSTUNREACH, unix.ECONNABORTED:
			return -1, 0, 0, "", ErrAgain
		}
		return -1, 0, 0, "", errors.Wrapf(aerr, "accept(listenSocket %d)", listenFd)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(nfd)
		return -1, 0, 0, "", errors.New("tcpio: accepted socket is not AF_INET")
	}
	ip = uint32(in4.Addr[0])<<24 | uint32(in4.Addr[1])<<16 | uint32(in4.Addr[2])<<8 | uint32(in4.Addr[3])
	port = uint16(in4.Port)
	return nfd, ip, port, InetNtoa(ip), nil
}

// SetNonblocking switches a socket between blocking and non-blocking mode.
func SetNonblocking(fd int, nonBlocking bool) error {
	return errors.Wrapf(unix.SetNonblock(fd, nonBlocking), "set nonblock on socket %d", fd)
}

// InetNtoa renders a host-order IPv4 address in dotted decimal.
func InetNtoa(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
