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

package nd

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/ndist/ndserver/tcpio"
)

const (
	// DataOffset is where the NUL-delimited argument payload begins.
	DataOffset = 10
	// IDLength is the length of connection, client, scene and request ids.
	IDLength = 8
	// ReceiveBufferLength caps the size of one framed packet, terminator
	// included.
	ReceiveBufferLength = 8 * 1024

	protocolNumber = 1
	requestCode    = 10

	// timeoutInterval is the idle limit after which a silent client is
	// considered crashed. A PING probe goes out after a quarter of it.
	timeoutInterval = 3 * time.Minute
)

var (
	errPeerClosed   = errors.New("nd: connection closed by peer")
	errConnClosed   = errors.New("nd: connection closed")
	errSendOverflow = errors.New("nd: send buffer overflow")
)

// Conn is one live TCP session. All fields are owned by the event loop.
type Conn struct {
	fd        int
	id        string
	clientID  string
	requestID string

	protocolNumber byte
	requestCode    byte

	clientIP   uint32
	clientPort uint16
	clientAddr string

	// client declared values
	nnm string
	scn string
	scu string

	// forward address parroted from every incoming packet header
	forwardIP   uint32
	forwardPort uint16
	forwardAddr string

	startTime       time.Time
	lastReceiveTime time.Time
	lastSendTime    time.Time

	// non-blocking packet assembly
	receiveBuf    [ReceiveBufferLength]byte
	packetLength  int
	bytesRead     int
	bytesExpected int

	// residue of a partial send; unsent bytes are [sendStart, sendLen)
	sendBuf   []byte
	sendStart int
	sendLen   int

	packetsReceived uint64
	bytesReceived   uint64
	packetsSent     uint64
	bytesSent       uint64
}

func (c *Conn) pendingSend() bool {
	return c.sendBuf != nil && c.sendLen-c.sendStart > 0
}

func hexID(n uint32) string {
	return fmt.Sprintf("%0*x", IDLength, n)
}

// updateRequestID stamps the connection with the next id from the
// process-wide request id sequence.
func (s *Server) updateRequestID(c *Conn) {
	s.requestSeq++
	c.requestID = hexID(s.requestSeq)
}

// send writes some bytes on the connection.
//
// If a packet cannot be sent completely, its tail is buffered. If there
// is already buffered data that cannot be drained, the entire new packet
// is dropped; the relay prefers losing a frame over queueing without
// bound, and any burst stays FIFO because the residue always drains
// before new frames go out.
//
// A nil return means the packet was handled (sent, buffered or dropped).
// A non-nil return is a fatal socket error; the caller closes the
// connection.
func (s *Server) send(c *Conn, p []byte) error {
	if c.fd < 0 {
		return nil
	}

	if length := c.sendLen - c.sendStart; c.sendBuf != nil && length > 0 {
		rc, err := s.sock.Send(c.fd, c.sendBuf[c.sendStart:c.sendLen])
		log.Tracef("%d %s:%d sent %d of %d buffered", c.fd, c.clientAddr, c.clientPort, rc, length)

		if rc > 0 {
			c.lastSendTime = s.now()
			c.bytesSent += uint64(rc)
		}
		switch {
		case err == tcpio.ErrAgain:
			log.Tracef("%d %s TCP send would block", c.fd, c.clientAddr)
			return nil
		case err != nil:
			log.Errorf("%d %s:%d TCP send failed: %v", c.fd, c.clientAddr, c.clientPort, err)
			return err
		case rc == length:
			c.sendBuf = nil
			c.sendLen = 0
			c.sendStart = 0
			c.packetsSent++
			s.stats.CountSent(rc)
			// The buffered packet went out; the new one is dropped.
			return nil
		default:
			c.sendStart += rc
			// Buffer still not empty, drop the packet we'd send now.
			return nil
		}
	}

	if len(p) == 0 {
		return nil
	}

	rc, err := s.sock.Send(c.fd, p)
	log.Tracef("%d %s:%d sent %d of %d", c.fd, c.clientAddr, c.clientPort, rc, len(p))

	if rc > 0 {
		c.lastSendTime = s.now()
		c.bytesSent += uint64(rc)
	}
	switch {
	case err == tcpio.ErrAgain:
		log.Tracef("%d %s:%d TCP send would block", c.fd, c.clientAddr, c.clientPort)
		return nil
	case err != nil:
		log.Errorf("%d %s:%d TCP send failed: %v", c.fd, c.clientAddr, c.clientPort, err)
		return err
	case rc == len(p):
		c.packetsSent++
		s.stats.CountSent(rc)
		return nil
	default:
		// Buffer the bytes that were not sent.
		c.sendBuf = append([]byte(nil), p[rc:]...)
		c.sendStart = 0
		c.sendLen = len(p) - rc
		log.Tracef("%d %s:%d buffered %d bytes", c.fd, c.clientAddr, c.clientPort, c.sendLen)
		return nil
	}
}

// sendArguments frames the arguments as one packet and sends it. The
// header echoes the forward address last seen from the connection.
func (s *Server) sendArguments(c *Conn, args []string) error {
	buf := s.sendScratch[:0]
	buf = append(buf, 0, 0) // length, filled in below
	buf = append(buf, protocolNumber, requestCode)
	buf = binary.BigEndian.AppendUint32(buf, c.forwardIP)
	buf = binary.BigEndian.AppendUint16(buf, c.forwardPort)

	for _, arg := range args {
		if len(buf)+len(arg)+1 >= ReceiveBufferLength-1 {
			log.Errorf("%d %s:%d TCP send buffer overflow %d",
				c.fd, c.clientAddr, c.clientPort, len(buf)+len(arg)+1)
			return errSendOverflow
		}
		buf = append(buf, arg...)
		buf = append(buf, 0)
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)-2))
	s.sendScratch = buf[:0]

	outputLength := len(buf)
	if outputLength > 64+DataOffset {
		outputLength = 64 + DataOffset
	}
	log.Infof("> %s:%d %d %s", c.clientAddr, c.clientPort, len(buf), printable(buf[DataOffset:outputLength]))

	return s.send(c, buf)
}

// readSome receives up to n more bytes into the packet assembly buffer.
//
// rc > 0: bytes received; rc == 0 with nil error: try again later.
// A non-nil error means the connection has been closed.
func (s *Server) readSome(c *Conn, n int) (int, error) {
	if c.fd < 0 {
		return 0, nil
	}

	rc, err := s.sock.Recv(c.fd, c.receiveBuf[c.bytesRead:c.bytesRead+n])
	if err != nil {
		if err == tcpio.ErrAgain {
			return 0, nil
		}
		log.Errorf("%d %s:%d TCP receive failed: %v", c.fd, c.clientAddr, c.clientPort, err)
		s.closeConn(c)
		return 0, err
	}
	if rc == 0 {
		log.Tracef("%d %s:%d closed by foreign host, now %d",
			c.fd, c.clientAddr, c.clientPort, s.NumConnections())
		s.closeConn(c)
		return 0, errPeerClosed
	}
	c.bytesRead += rc
	c.bytesReceived += uint64(rc)
	return rc, nil
}

// readPacket assembles one framed packet from the socket.
//
// rc > 0: a complete packet of rc bytes sits in the receive buffer;
// rc == 0 with nil error: incomplete, retry on the next readiness event.
// A non-nil error means the connection has been closed.
func (s *Server) readPacket(c *Conn) (int, error) {
	c.packetLength = 0

	var bytesMissing int
	if c.bytesExpected != 0 {
		bytesMissing = c.bytesExpected - c.bytesRead
	} else {
		bytesMissing = 4 - c.bytesRead
	}
	if bytesMissing < 0 {
		log.Errorf("%d %s:%d missing bytes is negative %d, bytes read %d",
			c.fd, c.clientAddr, c.clientPort, bytesMissing, c.bytesRead)
		s.closeConn(c)
		return 0, errConnClosed
	}
	if c.bytesRead+bytesMissing >= ReceiveBufferLength-1 {
		log.Errorf("%d %s:%d bytes read plus missing bytes too large %d, bytes read %d",
			c.fd, c.clientAddr, c.clientPort, c.bytesRead+bytesMissing, c.bytesRead)
		s.closeConn(c)
		return 0, errConnClosed
	}

	rc, err := s.readSome(c, bytesMissing)
	if err != nil {
		return 0, err
	}
	if rc == 0 {
		return 0, nil
	}

	if c.bytesExpected == 0 {
		if c.bytesRead < 4 {
			// Not even the length field yet, wait for more data.
			return 0, nil
		}

		payloadLen := binary.BigEndian.Uint16(c.receiveBuf[0:2])

		// Clients always send the protocol number followed by 10.
		c.protocolNumber = c.receiveBuf[2]
		if c.protocolNumber != protocolNumber {
			log.Errorf("%d %s:%d bad protocol number %d", c.fd, c.clientAddr, c.clientPort, c.protocolNumber)
			s.closeConn(c)
			return 0, errConnClosed
		}
		c.requestCode = c.receiveBuf[3]
		if c.requestCode != requestCode {
			log.Errorf("%d %s:%d bad request code %d", c.fd, c.clientAddr, c.clientPort, c.requestCode)
			s.closeConn(c)
			return 0, errConnClosed
		}

		c.bytesExpected = 2 + int(payloadLen)
		if c.bytesExpected >= ReceiveBufferLength-1 {
			log.Errorf("%d %s:%d packet too large %d, bytes read %d",
				c.fd, c.clientAddr, c.clientPort, c.bytesExpected, c.bytesRead)
			s.closeConn(c)
			return 0, errConnClosed
		}

		bytesMissing = c.bytesExpected - c.bytesRead
		if bytesMissing < 0 {
			log.Errorf("%d %s:%d missing bytes is negative %d, bytes read %d",
				c.fd, c.clientAddr, c.clientPort, bytesMissing, c.bytesRead)
			s.closeConn(c)
			return 0, errConnClosed
		}

		rc, err = s.readSome(c, bytesMissing)
		if err != nil {
			return 0, err
		}
		if rc == 0 {
			return 0, nil
		}
	}

	if c.bytesRead < c.bytesExpected {
		return 0, nil
	}

	c.packetsReceived++
	c.receiveBuf[c.bytesRead] = 0
	c.packetLength = c.bytesRead
	s.stats.CountRead(c.packetLength)

	c.bytesRead = 0
	c.bytesExpected = 0
	return c.packetLength, nil
}

// parseArguments splits the payload of the assembled packet into the
// scratch argument vector. Consecutive NULs yield empty strings.
func (s *Server) parseArguments(c *Conn) []string {
	args := s.args[:0]
	start := DataOffset
	for offset := DataOffset; offset < c.packetLength; offset++ {
		if c.receiveBuf[offset] == 0 {
			args = append(args, string(c.receiveBuf[start:offset]))
			start = offset + 1
		}
	}
	s.args = args
	return args
}

// closeConn tears a connection down: detach from its scene, remove from
// the registry, shut the socket, and destroy the scene when it became
// empty.
func (s *Server) closeConn(c *Conn) {
	if c.fd < 0 {
		return
	}

	var scene *Scene
	if c.scu != "" {
		if scene = s.findScene(c.scu); scene != nil {
			delete(scene.members, c.fd)
		}
	}

	fd := c.fd
	s.removeConn(fd)
	s.sock.Close(fd)
	c.fd = -1

	log.Infof("L DEL CONN ID %s CLID %s", orUnknown(c.id), orUnknown(c.clientID))
	log.Infof("S %d %s:%d D %d PR %d BR %d PS %d BS %d, N %d",
		fd, c.clientAddr, c.clientPort,
		int64(s.now().Sub(c.startTime)/time.Second),
		c.packetsReceived, c.bytesReceived, c.packetsSent, c.bytesSent,
		s.NumConnections())

	if scene != nil && len(scene.members) == 0 {
		s.closeScene(scene)
	}
}

// checkIdleConnections probes quiet connections with a PING and reaps
// the ones that stayed silent past the timeout. The sweep restarts from
// the top after every close because a close invalidates the iteration.
func (s *Server) checkIdleConnections() {
	for s.NumConnections() > 0 {
		connTimeout := false
		now := s.now()
		for _, c := range s.conns {
			if now.Sub(c.lastReceiveTime) > timeoutInterval/4 &&
				now.Sub(c.lastSendTime) > timeoutInterval/4 {
				s.updateRequestID(c)
				s.sendArguments(c, []string{"RQ", c.requestID, c.id, "PING"})
				c.lastSendTime = s.now()
			}
			if now.Sub(c.lastReceiveTime) > timeoutInterval {
				log.Infof("S %d %s:%d idle timeout", c.fd, c.clientAddr, c.clientPort)
				s.closeConn(c)
				connTimeout = true
				break
			}
		}
		if !connTimeout {
			break
		}
	}
}

func orUnknown(v string) string {
	if v == "" {
		return "?"
	}
	return v
}

// printable blanks control bytes for the packet trace lines.
func printable(p []byte) string {
	out := make([]byte, len(p))
	for i, b := range p {
		if b < ' ' {
			out[i] = ' '
		} else {
			out[i] = b
		}
	}
	return string(out)
}
