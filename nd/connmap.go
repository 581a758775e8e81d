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

// The connection registry maps socket descriptors to their Connection.
// It is owned by the event loop.

// NumConnections returns the number of live connections.
func (s *Server) NumConnections() int {
	return len(s.conns)
}

// findConn resolves a socket descriptor to its connection, or nil.
func (s *Server) findConn(fd int) *Conn {
	return s.conns[fd]
}

// addConn registers a connection under its socket descriptor. A stale
// connection occupying the same descriptor is closed first.
func (s *Server) addConn(c *Conn) {
	if old := s.conns[c.fd]; old != nil {
		log.Infof("connection for socket %d already existed in map", c.fd)
		s.closeConn(old)
	}
	s.conns[c.fd] = c
	s.connsAdded++
}

// removeConn drops the registry entry for a socket descriptor.
func (s *Server) removeConn(fd int) {
	if fd < 0 {
		return
	}
	if _, ok := s.conns[fd]; !ok {
		return
	}
	delete(s.conns, fd)
	s.connsRemoved++
}
