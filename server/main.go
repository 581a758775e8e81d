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
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/ndist/ndserver/nd"
	"github.com/ndist/ndserver/proc"
)

// Exit codes of the server process.
const (
	exitOK          = 0
	exitInitFailure = 101
	exitBadUsage    = 102
	exitBindFailure = 104
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "ndserver"
	myApp.Usage = "scene relay server"
	myApp.Version = VERSION
	myApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "p, port",
			Value: 0,
			Usage: "TCP port to listen on, required",
		},
		cli.StringFlag{
			Name:   "ROOTDIR, rootdir",
			Value:  "",
			Usage:  "working directory, must contain log/ and status/",
			EnvVar: "ROOTDIR",
		},
		cli.BoolFlag{
			Name:   "TRACE, trace",
			Usage:  "log at trace level",
			EnvVar: "TRACE",
		},
		cli.BoolFlag{
			Name:  "D, debug",
			Usage: "mirror the log to stderr",
		},
		cli.StringFlag{
			Name:  "c",
			Value: "",
			Usage: "config from json file, which will override the command from shell",
		},
	}
	myApp.Action = func(c *cli.Context) error {
		config := Config{
			Port:    uint16(c.Int("p")),
			RootDir: c.String("ROOTDIR"),
			Trace:   c.Bool("TRACE"),
			Debug:   c.Bool("D"),
		}
		if path := c.String("c"); path != "" {
			if err := parseJSONConfig(&config, path); err != nil {
				color.Red("%v", err)
				os.Exit(exitInitFailure)
			}
		}

		if config.Port == 0 {
			fmt.Fprintf(os.Stderr, "%s: no port given, use -p <port>\n", myApp.Name)
			cli.ShowAppHelp(c)
			os.Exit(exitBadUsage)
		}

		pr, err := proc.Init(myApp.Name, config.Port, config.RootDir, config.Trace, config.Debug)
		if err != nil {
			color.Red("%v", err)
			os.Exit(exitInitFailure)
		}

		logrus.Infof(">> %s %s started", pr.Name, VERSION)
		logrus.Infof(">> %s", strings.Join(os.Args, " "))

		srv := nd.New(config.Port)
		if err := srv.Listen(); err != nil {
			logrus.Errorf("cannot listen on port %d: %v", config.Port, err)
			color.Red("%v", err)
			pr.Exit()
			os.Exit(exitBindFailure)
		}
		logrus.Infof(">> Listening on port %d", srv.Port())

		wireSignals(srv, pr)
		srv.Loop()
		srv.Shutdown()

		logrus.Infof(">> Going down!")
		pr.Exit()
		os.Exit(exitOK)
		return nil
	}
	myApp.Run(os.Args)
}
