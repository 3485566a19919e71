// Copyright 2026 The Replikit Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package errkind gives the error taxonomy of the sync engine concrete,
// matchable Go error types, in the spirit of the teacher's
// types.LeaseBusyError / IsLeaseBusy pairing.
package errkind

import "github.com/pkg/errors"

// Kind enumerates the dispositions described in spec.md §7.
type Kind int

const (
	KindUnknown Kind = iota
	KindConfig
	KindConnectFailure
	KindDDLFailure
	KindTriggerConflict
	KindPushFailure
	KindOriginUnsupported
	KindReplicationSetupFailure
	KindApplyFailureMissingTable
	KindApplyFailureOther
	KindTimeout
	KindShutdownRaised
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "ConfigError"
	case KindConnectFailure:
		return "ConnectFailure"
	case KindDDLFailure:
		return "DDLFailure"
	case KindTriggerConflict:
		return "TriggerConflict"
	case KindPushFailure:
		return "PushFailure"
	case KindOriginUnsupported:
		return "OriginUnsupported"
	case KindReplicationSetupFailure:
		return "ReplicationSetupFailure"
	case KindApplyFailureMissingTable:
		return "ApplyFailure(missing table)"
	case KindApplyFailureOther:
		return "ApplyFailure(other)"
	case KindTimeout:
		return "Timeout"
	case KindShutdownRaised:
		return "ShutdownRaised"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so that callers can
// switch on disposition without string-matching messages.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps err with the given Kind. A nil err is allowed: the
// resulting Error's message is just the Kind's name and it unwraps to
// nil.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, cause: err}
}

// Of returns the Kind carried by err, or KindUnknown if err does not
// wrap an *Error.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
