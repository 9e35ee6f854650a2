// Copyright 2026 The gVisor Authors.
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

// Package linuxerr contains the error codes returned by the buffer object
// subsystem, exported as *errors.Error pointers. This allows for fast
// comparison and return operations comparable to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/drmgem/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since their types differ they do not compare equal directly;
// use Equals, or errors.Is against the unix.Errno.
var (
	noError   *errors.Error = nil
	EPERM                   = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                  = errors.New(unix.ENOENT, "no such file or directory")
	EIO                     = errors.New(unix.EIO, "I/O error")
	EAGAIN                  = errors.New(unix.EAGAIN, "try again")
	ENOMEM                  = errors.New(unix.ENOMEM, "out of memory")
	EFAULT                  = errors.New(unix.EFAULT, "bad address")
	EBUSY                   = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                  = errors.New(unix.EEXIST, "file exists")
	ENODEV                  = errors.New(unix.ENODEV, "no such device")
	EINVAL                  = errors.New(unix.EINVAL, "invalid argument")
	ENOSPC                  = errors.New(unix.ENOSPC, "no space left on device")
	ERANGE                  = errors.New(unix.ERANGE, "math result not representable")
	ETIMEDOUT               = errors.New(unix.ETIMEDOUT, "connection timed out")
	EOPNOTSUPP              = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")
)

var errnoMap = map[unix.Errno]*errors.Error{
	unix.EPERM:      EPERM,
	unix.ENOENT:     ENOENT,
	unix.EIO:        EIO,
	unix.EAGAIN:     EAGAIN,
	unix.ENOMEM:     ENOMEM,
	unix.EFAULT:     EFAULT,
	unix.EBUSY:      EBUSY,
	unix.EEXIST:     EEXIST,
	unix.ENODEV:     ENODEV,
	unix.EINVAL:     EINVAL,
	unix.ENOSPC:     ENOSPC,
	unix.ERANGE:     ERANGE,
	unix.ETIMEDOUT:  ETIMEDOUT,
	unix.EOPNOTSUPP: EOPNOTSUPP,
}

// ErrorFromUnix returns the *errors.Error for the given unix.Errno, or a new
// one if the errno has no predefined value. 0 maps to nil.
func ErrorFromUnix(err unix.Errno) *errors.Error {
	if err == 0 {
		return noError
	}
	if e, ok := errnoMap[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToUnix converts an *errors.Error to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	if e == noError {
		return 0
	}
	return e.Errno()
}

// Equals compares an *errors.Error to any error, including errors that wrap
// it with fmt.Errorf("...: %w", ...). A nil e is equal only to a nil err.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	if e == noError {
		return false
	}
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno() == e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == e.Errno()
	}
	return false
}

// ErrnoOf extracts the errno carried by err. It returns (0, false) for errors
// that carry no errno.
func ErrnoOf(err error) (unix.Errno, bool) {
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno(), true
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}
