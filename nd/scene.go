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

// Scene is a pub/sub topic. Members are socket descriptors, resolved
// back to connections through the connection registry; neither side
// owns the other.
type Scene struct {
	id        string
	sceneURL  string
	sceneName string
	members   map[int]struct{}
}

// NumMembers returns the number of connections in the scene.
func (sc *Scene) NumMembers() int {
	if sc == nil {
		return 0
	}
	return len(sc.members)
}

// NumScenes returns the number of open scenes.
func (s *Server) NumScenes() int {
	return len(s.scenesByURL)
}

// findScene looks a scene up by its URL, or nil.
func (s *Server) findScene(sceneURL string) *Scene {
	return s.scenesByURL[sceneURL]
}

// getScene looks a scene up by its id, or nil.
func (s *Server) getScene(sceneID string) *Scene {
	return s.scenesByID[sceneID]
}

// createScene makes a new scene from the connection's declared values
// and joins the connection to it. A scene is registered under both its
// URL and its id, or not at all.
func (s *Server) createScene(c *Conn) *Scene {
	s.sceneSeq++
	sc := &Scene{
		id:        hexID(s.sceneSeq),
		sceneURL:  c.scu,
		sceneName: c.scn,
		members:   map[int]struct{}{c.fd: {}},
	}
	s.scenesByID[sc.id] = sc
	s.scenesByURL[sc.sceneURL] = sc
	s.scenesTotal++
	return sc
}

// closeScene unregisters a scene from both maps.
func (s *Server) closeScene(sc *Scene) {
	log.Infof("L DEL SCEN ID %s SCU %s SCN %s",
		orUnknown(sc.id), orUnknown(sc.sceneURL), orUnknown(sc.sceneName))
	delete(s.scenesByID, sc.id)
	delete(s.scenesByURL, sc.sceneURL)
}
