//go:build linux || darwin || freebsd

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

package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ndist/ndserver/nd"
	"github.com/ndist/ndserver/proc"
)

// wireSignals installs the signal handlers: SIGTERM and SIGINT stop the
// event loop, SIGUSR2 toggles trace logging, SIGHUP reopens the log
// file after rotation, and SIGCHLD reaps exited children.
func wireSignals(srv *nd.Server, pr *proc.Process) {
	signal.Ignore(syscall.SIGPIPE)

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR2, syscall.SIGHUP, syscall.SIGCHLD)

	go func() {
		for sig := range ch {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logrus.Infof(">> Received %v, stopping", sig)
				srv.Stop()
			case syscall.SIGUSR2:
				logrus.Infof(">> Trace logging %v", pr.ToggleTrace())
			case syscall.SIGHUP:
				if err := pr.ReopenLog(); err != nil {
					logrus.Errorf("cannot reopen log file: %v", err)
				}
			case syscall.SIGCHLD:
				reapChildren()
			}
		}
	}()
}

// reapChildren collects every exited child without blocking.
func reapChildren() {
	for {
		pid, err := unix.Wait4(-1, nil, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
