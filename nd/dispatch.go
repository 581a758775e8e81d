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

// Package nd implements the scene relay: connection and scene
// registries, the request dispatcher and the poll-driven event loop.
//
// The whole package runs on one goroutine. Every connection and scene
// mutation happens inside the event loop turn that observed its
// triggering event, so no locks are needed and the scratch buffers on
// the server can be reused between requests.
package nd

import (
	"encoding/binary"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ndist/ndserver/tcpio"
)

var log = logrus.StandardLogger()

// periodicInterval is how often the loop logs its counters, dumps the
// throughput ring and sweeps idle connections.
const periodicInterval = 60 * time.Second

// pollTimeout caps one readiness wait.
const pollTimeout = 100 // milliseconds

// Server owns every process-wide resource of the relay: the registries,
// the id sequences, the statistics ring and the scratch buffers. It is
// driven by exactly one goroutine; only Stop may be called from others.
type Server struct {
	port     uint16
	listenFd int

	sock  tcpio.Sock
	stats *tcpio.Stats

	conns       map[int]*Conn
	scenesByURL map[string]*Scene
	scenesByID  map[string]*Scene

	// id sequences; pre-incremented, so the first issued ids are
	// 0x10001 (connection, request) and 0x20001 (scene)
	connSeq    uint32
	sceneSeq   uint32
	requestSeq uint32

	connsAdded   uint64
	connsRemoved uint64
	connsTotal   uint64
	scenesTotal  uint64

	// scratch, reused between requests under the single-owner rule
	args        []string
	sendScratch []byte

	now    func() time.Time
	randID func() uint32

	doWork atomic.Bool

	self *process.Process
}

// New creates a server that will listen on the given TCP port. Port 0
// picks an ephemeral port; see Port.
func New(port uint16) *Server {
	s := &Server{
		port:        port,
		listenFd:    -1,
		sock:        tcpio.RealSock{},
		stats:       tcpio.NewStats(),
		conns:       make(map[int]*Conn),
		scenesByURL: make(map[string]*Scene),
		scenesByID:  make(map[string]*Scene),
		connSeq:     0x10000,
		sceneSeq:    0x20000,
		requestSeq:  0x10000,
		sendScratch: make([]byte, 0, ReceiveBufferLength+1),
		now:         time.Now,
		randID:      rand.Uint32,
	}
	s.doWork.Store(true)
	if self, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.self = self
	}
	return s
}

// Port returns the port the listen socket is bound to.
func (s *Server) Port() uint16 {
	return s.port
}

// Listen creates the listen socket.
func (s *Server) Listen() error {
	fd, err := tcpio.CreateListenSocket(s.port, true)
	if err != nil {
		return err
	}
	s.listenFd = fd
	if s.port == 0 {
		if port, err := tcpio.LocalPort(fd); err == nil {
			s.port = port
		}
	}
	log.Tracef("S %d listening socket", fd)
	return nil
}

// Stop makes the loop exit at its next turn. Safe to call from signal
// handlers and other goroutines.
func (s *Server) Stop() {
	s.doWork.Store(false)
}

// Loop waits for incoming connections and packets and handles them
// until Stop is called. One iteration: the periodic pass when due, a
// readiness wait over the listen socket and every connection socket,
// then one accept, the writable flushes and the readable dispatches.
// Closing a connection invalidates the readiness sets being walked, so
// any close breaks out of the current phase and the loop re-polls.
func (s *Server) Loop() {
	lastPeriodic := s.now()

	for s.doWork.Load() {
		now := s.now()
		if now.Sub(lastPeriodic) >= periodicInterval {
			lastPeriodic = now
			s.periodic()
		}

		fds := make([]unix.PollFd, 0, len(s.conns)+1)
		fds = append(fds, unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN})
		for fd, c := range s.conns {
			events := int16(unix.POLLIN)
			if c.pendingSend() {
				events |= unix.POLLOUT
			}
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: events})
		}

		nReady, err := unix.Poll(fds, pollTimeout)
		if !s.doWork.Load() {
			break
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Errorf("poll failed over %d sockets: %v", len(fds), err)
			break
		}
		if nReady == 0 {
			// Keep the statistics ring fresh across idle seconds.
			s.stats.CountRead(-1)
			s.stats.CountSent(-1)
			continue
		}

		// New connections on the listen socket.
		if fds[0].Revents != 0 {
			nReady--
			if c := s.acceptConn(); c != nil {
				log.Infof("S %d %s:%d, N %d", c.fd, c.clientAddr, c.clientPort, s.NumConnections())
			}
		}

		// Flush pending residues on writable sockets.
		for i := 1; nReady > 0 && i < len(fds); i++ {
			if fds[i].Revents&unix.POLLOUT == 0 {
				continue
			}
			nReady--
			c := s.findConn(int(fds[i].Fd))
			if c == nil {
				log.Errorf("write event on unknown socket %d", fds[i].Fd)
				break
			}
			if s.send(c, nil) != nil {
				s.closeConn(c)
				nReady = 0
				break
			}
		}

		// Read and dispatch on readable sockets.
		for i := 1; nReady > 0 && i < len(fds); i++ {
			if fds[i].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
				continue
			}
			nReady--
			c := s.findConn(int(fds[i].Fd))
			if c == nil {
				log.Errorf("read event on unknown socket %d", fds[i].Fd)
				break
			}
			c.lastReceiveTime = s.now()
			if s.dispatchPacket(c) {
				break
			}
		}
	}
}

// Shutdown closes every connection, every scene and the listen socket.
func (s *Server) Shutdown() {
	for len(s.conns) > 0 {
		for _, c := range s.conns {
			s.closeConn(c)
			break
		}
	}
	for len(s.scenesByURL) > 0 {
		for _, sc := range s.scenesByURL {
			s.closeScene(sc)
			break
		}
	}
	if s.listenFd >= 0 {
		log.Infof("S %d listening socket closed", s.listenFd)
		tcpio.CloseSocket(s.listenFd)
		s.listenFd = -1
	}
}

// periodic logs the connection counters and throughput and sweeps idle
// connections.
func (s *Server) periodic() {
	n := s.NumConnections()
	log.Infof("C %d A %d D %d T %d S %d",
		n, s.connsAdded, s.connsRemoved, s.connsTotal, s.scenesTotal)

	if n > 0 || s.connsAdded > 0 || s.connsRemoved > 0 {
		s.connsAdded = 0
		s.connsRemoved = 0
		s.stats.Log()
	}
	if s.self != nil {
		if mem, err := s.self.MemoryInfo(); err == nil {
			log.Infof("M RSS %d", mem.RSS)
		}
	}
	s.checkIdleConnections()
}

// acceptConn takes one pending connection, makes it non-blocking,
// assigns its id and registers it.
func (s *Server) acceptConn() *Conn {
	fd, ip, port, addr, err := tcpio.Accept(s.listenFd)
	if err != nil {
		if err != tcpio.ErrAgain {
			log.Errorf("accept error on socket %d: %v", s.listenFd, err)
		}
		return nil
	}

	now := s.now()
	c := &Conn{
		fd:              fd,
		clientIP:        ip,
		clientPort:      port,
		clientAddr:      addr,
		startTime:       now,
		lastReceiveTime: now,
	}
	s.connSeq++
	c.id = hexID(s.connSeq)

	if err := tcpio.SetNonblocking(fd, true); err != nil {
		log.Errorf("failed to set socket %d to non blocking: %v", fd, err)
		s.closeConn(c)
		return nil
	}

	s.addConn(c)
	s.connsTotal++
	return c
}

// dispatchPacket reads from a readable connection and handles a packet
// when one completed. It reports whether the loop must re-poll: true
// after any fully processed packet or any close, false when the packet
// is still incomplete.
func (s *Server) dispatchPacket(c *Conn) bool {
	rc, err := s.readPacket(c)
	if err != nil {
		return true
	}
	if rc == 0 {
		return false
	}

	if c.packetLength <= DataOffset {
		log.Errorf("%d %s:%d not enough TCP data %d", c.fd, c.clientAddr, c.clientPort, c.packetLength)
		s.closeConn(c)
		return true
	}

	// The forward address is parroted from every packet header.
	c.forwardIP = binary.BigEndian.Uint32(c.receiveBuf[4:8])
	c.forwardPort = binary.BigEndian.Uint16(c.receiveBuf[8:10])
	if c.forwardAddr == "" {
		c.forwardAddr = tcpio.InetNtoa(c.forwardIP)
		log.Tracef("%d %s:%d forward internet address %s:%d",
			c.fd, c.clientAddr, c.clientPort, c.forwardAddr, c.forwardPort)
	}

	dataLength := c.packetLength - DataOffset
	if dataLength <= 3 { // shortest payload is the RQ or AN tag
		log.Errorf("%d %s:%d not enough data %d", c.fd, c.clientAddr, c.clientPort, dataLength)
		s.closeConn(c)
		return true
	}

	tag0, tag1, tag2 := c.receiveBuf[DataOffset], c.receiveBuf[DataOffset+1], c.receiveBuf[DataOffset+2]
	if tag2 != 0 {
		log.Errorf("%d %s:%d bad third byte %d", c.fd, c.clientAddr, c.clientPort, tag2)
		s.closeConn(c)
		return true
	}

	switch {
	case tag0 == 'R' && tag1 == 'Q':
		log.Infof("< %s:%d %d %s", c.clientAddr, c.clientPort, c.packetLength,
			printable(c.receiveBuf[DataOffset:c.packetLength]))
		if s.handleRequest(c) != nil {
			s.closeConn(c)
		}
	case tag0 == 'A' && tag1 == 'N':
		// Our own acknowledgements echoed back; log and ignore.
		log.Infof("< %s:%d %d %s", c.clientAddr, c.clientPort, c.packetLength,
			printable(c.receiveBuf[DataOffset:c.packetLength]))
	default:
		log.Errorf("%d %s:%d bad first two bytes %d %d", c.fd, c.clientAddr, c.clientPort, tag0, tag1)
		s.closeConn(c)
	}
	return true
}
