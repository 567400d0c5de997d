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

package server

import "github.com/pion/logging"

// Logger is the leveled logging interface threaded through Listener,
// ChamberDirectory, Chamber and Connection. It is an alias over
// pion/logging.LeveledLogger so call sites read Noticef/Warnf/Errorf the
// way the upstream relay this package is derived from does, without this
// repo owning its own logger implementation.
type Logger = logging.LeveledLogger

var loggerFactory = logging.NewDefaultLoggerFactory()

// NewLogger returns a named leveled logger. name typically identifies the
// component ("listener", "chamber", "conn") the way nats-server scopes its
// own log lines by subsystem.
func NewLogger(name string) Logger {
	return loggerFactory.NewLogger(name)
}

// Noticef is a convenience wrapper matching the teacher's s.Noticef calls;
// pion/logging has no "Notice" level, so it is mapped onto Info.
func Noticef(l Logger, format string, args ...interface{}) {
	l.Infof(format, args...)
}
