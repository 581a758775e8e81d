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

// Package proc bootstraps the server process: the working directory
// layout, the per-instance lock file and the log file, wired into
// logrus.
package proc

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// maxInstances bounds the lock file slots tried per server name.
const maxInstances = 512

// Process holds the per-process bootstrap state.
type Process struct {
	// Name is the instance name, "<name>-<port>".
	Name string

	rootDir  string
	lockPath string
	lockFd   int
	logPath  string
	logFile  *os.File
	debug    bool
	trace    bool
}

// Init prepares the process environment. The root directory must exist
// and contain log/ and status/ subdirectories; the lock file in status/
// pins this instance, and logging goes to log/<Name>.log, mirrored to
// stderr when debug is set.
func Init(name string, port uint16, rootDir string, trace, debug bool) (*Process, error) {
	p := &Process{
		Name:    fmt.Sprintf("%s-%d", name, port),
		rootDir: rootDir,
		lockFd:  -1,
		debug:   debug,
		trace:   trace,
	}

	if rootDir == "" {
		return nil, errors.New("proc: no root directory given")
	}
	for _, dir := range []string{rootDir, filepath.Join(rootDir, "log"), filepath.Join(rootDir, "status")} {
		info, err := os.Stat(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "proc: cannot access directory %s", dir)
		}
		if !info.IsDir() {
			return nil, errors.Errorf("proc: %s is not a directory", dir)
		}
	}

	if err := p.lockInstance(); err != nil {
		return nil, err
	}
	if err := p.openLog(); err != nil {
		p.unlock()
		return nil, err
	}

	level := logrus.InfoLevel
	if trace {
		level = logrus.TraceLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		DisableColors:   true,
	})
	p.wireOutput()
	return p, nil
}

// lockInstance claims the first free lock file slot for the instance
// name and writes the pid into it. Slots let several instances of the
// same server run from one root directory.
func (p *Process) lockInstance() error {
	statusDir := filepath.Join(p.rootDir, "status")
	for slot := 1; slot <= maxInstances; slot++ {
		path := filepath.Join(statusDir, fmt.Sprintf("%s.%d", p.Name, slot))
		fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
		if err != nil {
			return errors.Wrapf(err, "proc: cannot open lock file %s", path)
		}
		if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
			unix.Close(fd)
			if err == unix.EWOULDBLOCK {
				continue
			}
			return errors.Wrapf(err, "proc: cannot lock file %s", path)
		}
		unix.Ftruncate(fd, 0)
		pid := strconv.Itoa(os.Getpid()) + "\n"
		unix.Write(fd, []byte(pid))
		p.lockFd = fd
		p.lockPath = path
		return nil
	}
	return errors.Errorf("proc: all %d lock file slots for %s are taken", maxInstances, p.Name)
}

// unlock clears the pid from the lock file and releases the slot. The
// file itself stays so slot numbers remain stable across restarts.
func (p *Process) unlock() {
	if p.lockFd >= 0 {
		unix.Ftruncate(p.lockFd, 0)
		unix.Close(p.lockFd)
		p.lockFd = -1
	}
	p.lockPath = ""
}

func (p *Process) openLog() error {
	path := filepath.Join(p.rootDir, "log", p.Name+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "proc: cannot open log file %s", path)
	}
	p.logPath = path
	p.logFile = f
	return nil
}

func (p *Process) wireOutput() {
	var out io.Writer = p.logFile
	if p.debug {
		out = io.MultiWriter(p.logFile, os.Stderr)
	}
	logrus.SetOutput(out)
}

// ReopenLog closes and reopens the log file, for rotation on SIGHUP.
func (p *Process) ReopenLog() error {
	old := p.logFile
	if err := p.openLog(); err != nil {
		return err
	}
	p.wireOutput()
	if old != nil {
		old.Close()
	}
	logrus.Infof(">> Log file %s reopened", p.logPath)
	return nil
}

// ToggleTrace flips between Info and Trace log levels and returns
// whether tracing is now on.
func (p *Process) ToggleTrace() bool {
	p.trace = !p.trace
	if p.trace {
		logrus.SetLevel(logrus.TraceLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
	return p.trace
}

// LogPath returns the path of the current log file.
func (p *Process) LogPath() string {
	return p.logPath
}

// Exit releases the lock file and the log file.
func (p *Process) Exit() {
	p.unlock()
	if p.logFile != nil {
		logrus.SetOutput(os.Stderr)
		p.logFile.Close()
		p.logFile = nil
	}
}
