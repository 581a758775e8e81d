package nd

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/ndist/ndserver/tcpio"
)

// fakeSock scripts the socket layer: inbound bytes are queued per
// descriptor, outbound bytes are captured, and the per-call send budget
// simulates partial and blocked writes.
type fakeSock struct {
	in      map[int][]byte
	out     map[int][]byte
	budget  int // bytes accepted per Send call; -1 unlimited, 0 blocks
	sendErr map[int]error
	eof     map[int]bool
	closed  map[int]bool
}

func newFakeSock() *fakeSock {
	return &fakeSock{
		in:      make(map[int][]byte),
		out:     make(map[int][]byte),
		budget:  -1,
		sendErr: make(map[int]error),
		eof:     make(map[int]bool),
		closed:  make(map[int]bool),
	}
}

func (f *fakeSock) Send(fd int, p []byte) (int, error) {
	if err := f.sendErr[fd]; err != nil {
		return 0, err
	}
	n := len(p)
	if f.budget >= 0 && n > f.budget {
		n = f.budget
	}
	if n == 0 {
		return 0, tcpio.ErrAgain
	}
	f.out[fd] = append(f.out[fd], p[:n]...)
	return n, nil
}

func (f *fakeSock) Recv(fd int, p []byte) (int, error) {
	buf := f.in[fd]
	if len(buf) == 0 || len(p) == 0 {
		if f.eof[fd] {
			return 0, nil
		}
		return 0, tcpio.ErrAgain
	}
	n := copy(p, buf)
	f.in[fd] = buf[n:]
	return n, nil
}

func (f *fakeSock) Close(fd int) {
	f.closed[fd] = true
}

func newTestServer(fs *fakeSock) (*Server, func(time.Duration)) {
	s := New(0)
	s.sock = fs
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }
	var seed uint32 = 0x5eed0000
	s.randID = func() uint32 { seed++; return seed }
	return s, func(d time.Duration) { now = now.Add(d) }
}

func newTestConn(s *Server, fd int) *Conn {
	now := s.now()
	c := &Conn{
		fd:              fd,
		clientAddr:      "127.0.0.1",
		clientPort:      uint16(40000 + fd),
		startTime:       now,
		lastReceiveTime: now,
		lastSendTime:    now,
	}
	s.connSeq++
	c.id = hexID(s.connSeq)
	s.addConn(c)
	return c
}

// buildFrame frames NUL-delimited arguments behind the 10 byte header.
func buildFrame(args ...string) []byte {
	var payload []byte
	for _, a := range args {
		payload = append(payload, a...)
		payload = append(payload, 0)
	}
	frame := make([]byte, DataOffset+len(payload))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(frame)-2))
	frame[2] = protocolNumber
	frame[3] = requestCode
	copy(frame[DataOffset:], payload)
	return frame
}

// decodeFrames splits captured outbound bytes back into argument lists.
func decodeFrames(t *testing.T, b []byte) [][]string {
	t.Helper()
	var frames [][]string
	for len(b) > 0 {
		if len(b) < DataOffset {
			t.Fatalf("truncated frame header: % x", b)
		}
		total := int(binary.BigEndian.Uint16(b[0:2])) + 2
		if len(b) < total {
			t.Fatalf("truncated frame: want %d bytes, have %d", total, len(b))
		}
		payload := b[DataOffset:total]
		var args []string
		start := 0
		for i := range payload {
			if payload[i] == 0 {
				args = append(args, string(payload[start:i]))
				start = i + 1
			}
		}
		frames = append(frames, args)
		b = b[total:]
	}
	return frames
}

func TestHexID(t *testing.T) {
	if got := hexID(0x10001); got != "00010001" {
		t.Fatalf("hexID(0x10001) = %q", got)
	}
	if got := hexID(0); got != "00000000" {
		t.Fatalf("hexID(0) = %q", got)
	}
}

func TestSendPartialWriteBuffersResidue(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	frame := buildFrame("AN", "1", c.id, "OK")

	fs.budget = DataOffset + 2
	if err := s.send(c, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !c.pendingSend() {
		t.Fatalf("expected buffered residue after partial write")
	}
	if len(fs.out[5]) != DataOffset+2 {
		t.Fatalf("accepted %d bytes, want %d", len(fs.out[5]), DataOffset+2)
	}

	fs.budget = -1
	if err := s.send(c, nil); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if c.pendingSend() {
		t.Fatalf("residue not drained")
	}

	frames := decodeFrames(t, fs.out[5])
	if len(frames) != 1 || frames[0][3] != "OK" {
		t.Fatalf("unexpected frames on the wire: %v", frames)
	}
}

func TestSendDropsFramesWhileResiduePending(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	first := buildFrame("AN", "1", c.id, "FIRST")
	dropped := buildFrame("AN", "2", c.id, "DROPPED")
	third := buildFrame("AN", "3", c.id, "THIRD")

	fs.budget = DataOffset
	if err := s.send(c, first); err != nil {
		t.Fatalf("send first: %v", err)
	}

	// The residue blocks, so the new frame is dropped whole.
	fs.budget = 0
	if err := s.send(c, dropped); err != nil {
		t.Fatalf("send while pending: %v", err)
	}

	fs.budget = -1
	if err := s.send(c, nil); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := s.send(c, third); err != nil {
		t.Fatalf("send third: %v", err)
	}

	frames := decodeFrames(t, fs.out[5])
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %v", frames)
	}
	if frames[0][3] != "FIRST" || frames[1][3] != "THIRD" {
		t.Fatalf("wrong frames survived: %v", frames)
	}
}

func TestSendFatalErrorPropagates(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	fs.sendErr[5] = tcpio.ErrAgain
	if err := s.send(c, buildFrame("AN", "1", c.id, "OK")); err != nil {
		t.Fatalf("would-block must not be fatal: %v", err)
	}

	fs.sendErr[5] = errConnClosed
	if err := s.send(c, buildFrame("AN", "2", c.id, "OK")); err == nil {
		t.Fatalf("expected fatal send error")
	}
}

func TestReadPacketAcrossFragments(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	frame := buildFrame("RQ", "1", "0", "PING")

	fs.in[5] = frame[:3]
	rc, err := s.readPacket(c)
	if err != nil || rc != 0 {
		t.Fatalf("fragment 1: rc %d err %v", rc, err)
	}

	fs.in[5] = frame[3:7]
	rc, err = s.readPacket(c)
	if err != nil || rc != 0 {
		t.Fatalf("fragment 2: rc %d err %v", rc, err)
	}

	fs.in[5] = frame[7:]
	rc, err = s.readPacket(c)
	if err != nil {
		t.Fatalf("fragment 3: %v", err)
	}
	if rc != len(frame) {
		t.Fatalf("assembled %d bytes, want %d", rc, len(frame))
	}

	args := s.parseArguments(c)
	want := []string{"RQ", "1", "0", "PING"}
	if len(args) != len(want) {
		t.Fatalf("parsed %v", args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("parsed %v, want %v", args, want)
		}
	}
}

func TestReadPacketBadProtocolCloses(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	frame := buildFrame("RQ", "1", "0", "PING")
	frame[2] = 9
	fs.in[5] = frame

	if _, err := s.readPacket(c); err == nil {
		t.Fatalf("expected close on bad protocol number")
	}
	if c.fd != -1 || s.NumConnections() != 0 {
		t.Fatalf("connection not torn down")
	}
	if !fs.closed[5] {
		t.Fatalf("socket not closed")
	}
}

func TestReadPacketOversizedCloses(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(ReceiveBufferLength-3)) // total 8191
	hdr[2] = protocolNumber
	hdr[3] = requestCode
	fs.in[5] = hdr[:]

	if _, err := s.readPacket(c); err == nil {
		t.Fatalf("expected close on oversized packet")
	}
	if s.NumConnections() != 0 {
		t.Fatalf("connection survived oversized packet")
	}
}

func TestReadPacketPeerCloseCloses(t *testing.T) {
	fs := newFakeSock()
	s, _ := newTestServer(fs)
	c := newTestConn(s, 5)

	fs.eof[5] = true
	if _, err := s.readPacket(c); err == nil {
		t.Fatalf("expected error on peer close")
	}
	if s.NumConnections() != 0 {
		t.Fatalf("connection survived peer close")
	}
}

func TestIdlePing(t *testing.T) {
	fs := newFakeSock()
	s, advance := newTestServer(fs)
	c := newTestConn(s, 5)

	advance(46 * time.Second)
	s.checkIdleConnections()

	frames := decodeFrames(t, fs.out[5])
	if len(frames) != 1 || frames[0][0] != "RQ" || frames[0][3] != "PING" {
		t.Fatalf("expected a PING probe, got %v", frames)
	}
	if frames[0][2] != c.id {
		t.Fatalf("PING addressed to %q, want %q", frames[0][2], c.id)
	}
	if s.NumConnections() != 1 {
		t.Fatalf("connection was closed too early")
	}

	// The probe refreshed the send time, so no second probe goes out.
	s.checkIdleConnections()
	if frames := decodeFrames(t, fs.out[5]); len(frames) != 1 {
		t.Fatalf("unexpected second probe: %v", frames)
	}
}

func TestIdleTimeoutClosesAndDestroysScene(t *testing.T) {
	fs := newFakeSock()
	s, advance := newTestServer(fs)
	c := newTestConn(s, 5)

	fs.in[5] = buildFrame("RQ", "1", "0", "ENTER",
		"NNM", "alice", "SCU", "www.example.com/scene.json", "SCN", "scene")
	if !s.dispatchPacket(c) {
		t.Fatalf("ENTER not dispatched")
	}
	if s.NumScenes() != 1 {
		t.Fatalf("scene not created")
	}

	advance(181 * time.Second)
	s.checkIdleConnections()

	if s.NumConnections() != 0 {
		t.Fatalf("idle connection survived the timeout")
	}
	if s.NumScenes() != 0 {
		t.Fatalf("empty scene survived its last member")
	}
}
