// Copyright 2024 The chamberd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command chamberd runs the chamber relay server: server [<port> [<origins>]].
// port defaults to 8080; origins is a comma-separated Origin allow-list,
// empty meaning any Origin is accepted (spec.md section 6, "CLI").
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/relaywire/chamberd/server"
)

const defaultPort = 8080

func main() {
	port := defaultPort
	var origins []string

	if len(os.Args) > 1 {
		p, err := strconv.Atoi(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "chamberd: invalid port %q\n", os.Args[1])
			os.Exit(1)
		}
		port = p
	}
	if len(os.Args) > 2 {
		for _, o := range strings.Split(os.Args[2], ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				origins = append(origins, o)
			}
		}
	}

	logger := server.NewLogger("chamberd")
	limits := server.DefaultLimits()
	directory := server.NewChamberDirectory("/", origins, limits, logger)

	ln := server.NewListener(fmt.Sprintf(":%d", port), directory, logger, limits.MaxFramePayload)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan error, 1)

	go func() { done <- ln.ListenAndServe() }()

	select {
	case err := <-done:
		if err != nil {
			logger.Errorf("%s", server.Wrapf(err, "listener exited"))
			os.Exit(1)
		}
	case <-sig:
		server.Noticef(logger, "shutting down")
		ln.Shutdown()
	}
}
