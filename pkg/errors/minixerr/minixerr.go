// Copyright 2025 The gVisor Authors.
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

// Package minixerr contains the error values returned by grant and safe-map
// kernel calls, exported as *errors.Error pointers so that they can be
// compared by identity, in the same way as unix.Errno constants.
package minixerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"

	"github.com/Stichting-MINIX-Research-Foundation/minix-sub154/pkg/errors"
)

var noError *errors.Error = nil

// Kernel call errors. The errno numbers follow the host so that
// unix.Errno(EPERM.Errno()) == unix.EPERM.
var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	ENOENT = errors.New(unix.ENOENT, "no such grant")
	ESRCH  = errors.New(unix.ESRCH, "no such process")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")

	// ECALLDENIED is returned when a process issues a kernel call it is not
	// privileged to make, e.g. a forked child before it has been allowed to
	// run.
	ECALLDENIED = errors.New(unix.EACCES, "kernel call denied")
)

// Class is the category of a kernel call failure.
type Class int

// Failure classes.
const (
	// ClassNone is the class of a nil error.
	ClassNone Class = iota

	// ClassValidation covers malformed requests: bad lengths, bad
	// permission combinations, unknown endpoints and bad addresses.
	ClassValidation

	// ClassAuthorization covers well-formed requests the caller is not
	// allowed to make.
	ClassAuthorization

	// ClassNotFound covers unknown or already destroyed grants and
	// mappings.
	ClassNotFound

	// ClassExhaustion covers resource exhaustion.
	ClassExhaustion

	// ClassOther covers errors that are not kernel call errors.
	ClassOther
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassAuthorization:
		return "authorization"
	case ClassNotFound:
		return "not-found"
	case ClassExhaustion:
		return "exhaustion"
	default:
		return "other"
	}
}

// Classify returns the failure class of err.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var e *errors.Error
	if !goerrors.As(err, &e) {
		return ClassOther
	}
	switch e {
	case EINVAL, ESRCH, EFAULT:
		return ClassValidation
	case EPERM, ECALLDENIED:
		return ClassAuthorization
	case ENOENT:
		return ClassNotFound
	case ENOMEM, EBUSY:
		return ClassExhaustion
	default:
		return ClassOther
	}
}

// Equals compares a minixerr to a given error.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		err = noError
	}
	return e == err || unixErr == err
}
