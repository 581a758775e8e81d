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

import "github.com/pkg/errors"

var errMalformedRequest = errors.New("nd: malformed request")

// handleRequest dispatches one RQ packet. The first four tokens are
// always {tag, packetId, connId, command}.
//
// A nil return keeps the connection open; a non-nil return is
// connection-fatal and makes the caller close it.
func (s *Server) handleRequest(c *Conn) error {
	args := s.parseArguments(c)

	if len(args) < 4 {
		return errMalformedRequest
	}
	if args[0] != "RQ" {
		return errMalformedRequest
	}
	if args[1] == "" || args[2] == "" || args[3] == "" {
		return errMalformedRequest
	}

	switch args[3] {
	case "SET":
		return s.handleSet(c, args)
	case "ENTER":
		return s.handleEnter(c, args)
	case "PING":
		return s.sendArguments(c, []string{"AN", args[1], args[2], "PONG"})
	case "BYE":
		return s.handleBye(c, args)
	}
	return nil
}

// handleSet acknowledges the sender and fans the key/value pair out to
// every member of the sender's scene, the sender included. Validation
// failures log and no-op; the connection stays open.
func (s *Server) handleSet(c *Conn, args []string) error {
	var scene *Scene
	if c.scu != "" {
		scene = s.findScene(c.scu)
	}
	if scene == nil {
		return nil
	}

	var key, value, scid string
	var haveKey, haveValue bool
	for i := 4; i < len(args); i++ {
		switch {
		case args[i] == "SCID" && i < len(args)-1:
			i++
			scid = args[i]
		case args[i] == "CHID" && i < len(args)-1:
			// Channel ids are not relayed.
			i++
		case i < len(args)-1:
			key = args[i]
			i++
			value = args[i]
			haveKey, haveValue = true, true
		}
	}

	if scid == "" {
		log.Errorf("missing SCID in RQ SET")
		return nil
	}
	if scid != scene.id {
		log.Errorf("bad SCID '%s' in RQ SET", scid)
		return nil
	}
	if !haveKey {
		log.Errorf("missing key in RQ SET")
		return nil
	}
	if key == "" {
		log.Errorf("empty key in RQ SET")
		return nil
	}
	if !haveValue {
		log.Errorf("missing value in RQ SET")
		return nil
	}

	if err := s.sendArguments(c, []string{"AN", args[1], args[2], "OK"}); err != nil {
		return err
	}

	for fd := range scene.members {
		peer := s.findConn(fd)
		if peer == nil {
			continue
		}
		s.updateRequestID(peer)
		err := s.sendArguments(peer, []string{
			"RQ", peer.requestID, peer.id, "SET", "SCID", scid, key, value,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// handleEnter joins the connection to the scene named by its SCU,
// creating the scene on first use, and replies with the assigned client
// and scene ids. A connection that already entered a scene ignores
// further ENTERs until a BYE rebinds it.
func (s *Server) handleEnter(c *Conn, args []string) error {
	if c.scu != "" {
		return nil
	}

	c.nnm, c.scn, c.scu = "", "", ""
	for i := 4; i < len(args)-1; i++ {
		switch args[i] {
		case "NNM":
			i++
			c.nnm = args[i]
		case "SCU":
			i++
			c.scu = args[i]
		case "SCN":
			i++
			c.scn = args[i]
		}
	}

	if err := requireLeadingLetter("NNM", c.nnm); err != nil {
		return err
	}
	if err := requireLeadingLetter("SCN", c.scn); err != nil {
		return err
	}
	if err := requireLeadingLetter("SCU", c.scu); err != nil {
		return err
	}

	c.clientID = hexID(s.randID())
	log.Infof("L NEW CONN ID %s CLID %s", c.id, c.clientID)

	scene := s.findScene(c.scu)
	if scene == nil {
		scene = s.createScene(c)
		log.Infof("L NEW SCEN ID %s SCU %s SCN %s", scene.id, scene.sceneURL, scene.sceneName)
	} else {
		scene.members[c.fd] = struct{}{}
	}

	return s.sendArguments(c, []string{
		"AN", args[1], c.id, "HI",
		"CLID", c.clientID,
		"SCID", scene.id,
		"NNM", c.nnm,
	})
}

// handleBye detaches the connection from its scene so a later ENTER can
// rebind it. The CLID must match; otherwise the request is ignored.
// The connection itself stays open.
func (s *Server) handleBye(c *Conn, args []string) error {
	var scene *Scene
	if c.scu != "" {
		scene = s.findScene(c.scu)
	}
	if scene == nil {
		return nil
	}

	var clid string
	for i := 4; i < len(args)-1; i++ {
		if args[i] == "CLID" {
			i++
			clid = args[i]
		}
	}
	if clid == "" || clid != c.clientID {
		return nil
	}

	err := s.sendArguments(c, []string{"AN", args[1], args[2]})

	delete(scene.members, c.fd)
	c.scu = ""
	c.forwardAddr = ""
	if len(scene.members) == 0 {
		s.closeScene(scene)
	}
	return err
}

func requireLeadingLetter(name, value string) error {
	if value == "" {
		log.Errorf("%s missing in RQ ENTER", name)
		return errors.Errorf("nd: %s missing in ENTER", name)
	}
	ch := value[0]
	if !(ch >= 'a' && ch <= 'z') && !(ch >= 'A' && ch <= 'Z') {
		log.Errorf("%s '%s' does not start with a letter in RQ ENTER", name, value)
		return errors.Errorf("nd: %s does not start with a letter", name)
	}
	return nil
}
