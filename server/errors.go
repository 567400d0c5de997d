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

import (
	"fmt"

	"github.com/pkg/errors"
)

// Close status codes from spec section 6/7.
const (
	StatusNormalClosure    = 1000
	StatusGoingAway        = 1001
	StatusProtocolError    = 1002
	StatusInternalError    = 1011
	StatusTryAgainLater    = 1013
	StatusHeaderTooLarge   = 4000
	statusNoStatusReceived = 1005
)

// closeError carries a close status code and human-readable reason through
// the frame-stream error paths. Connection.fail turns one of these into a
// close frame (post-upgrade); before the upgrade, Connection.failHandshake
// answers any error that is not an httpError, a closeError included, with
// HTTP 500.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return fmt.Sprintf("close %d: %s", e.code, e.reason)
}

func protocolError(format string, args ...interface{}) error {
	return &closeError{code: StatusProtocolError, reason: fmt.Sprintf(format, args...)}
}

func internalError(reason string) error {
	return &closeError{code: StatusInternalError, reason: reason}
}

// asCloseError extracts the close status/reason carried by err, defaulting
// to an internal-error status for anything this package did not construct
// as a closeError itself (matching the teacher's practice of mapping
// unexpected errors to wsCloseStatusInternalSrvError).
func asCloseError(err error) (int, string) {
	var ce *closeError
	if errors.As(err, &ce) {
		return ce.code, ce.reason
	}
	return StatusInternalError, err.Error()
}

// httpError is a pre-upgrade failure, mapped to an HTTP status response
// instead of a close frame.
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.message)
}

func badRequest(format string, args ...interface{}) error {
	return &httpError{status: 400, message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...interface{}) error {
	return &httpError{status: 403, message: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...interface{}) error {
	return &httpError{status: 404, message: fmt.Sprintf(format, args...)}
}

// Wrapf annotates err with a call-site message using pkg/errors, preserving
// the original error (and closeError/httpError type) for errors.As further
// up the stack.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}
