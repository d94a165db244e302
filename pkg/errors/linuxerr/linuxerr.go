// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	stderrors "errors"

	"golang.org/x/sys/unix"
	"ksentry.dev/ksentry/pkg/errors"
)

// The errors used by the task core. Each is semantically identical to the
// unix.Errno of the same name; e.Errno() returns that number.
var (
	EPERM   = errors.New(unix.EPERM, "operation not permitted")
	ENOENT  = errors.New(unix.ENOENT, "no such file or directory")
	ESRCH   = errors.New(unix.ESRCH, "no such process")
	ENOEXEC = errors.New(unix.ENOEXEC, "exec format error")
	ECHILD  = errors.New(unix.ECHILD, "no child processes")
	EAGAIN  = errors.New(unix.EAGAIN, "try again")
	ENOMEM  = errors.New(unix.ENOMEM, "out of memory")
	EFAULT  = errors.New(unix.EFAULT, "bad address")
	EEXIST  = errors.New(unix.EEXIST, "file exists")
	EINVAL  = errors.New(unix.EINVAL, "invalid argument")
	ENOSYS  = errors.New(unix.ENOSYS, "invalid system call number")
)

// Equals compares a linuxerr to a given error. It unwraps err, so errors
// annotated with fmt.Errorf("...: %w", ...) still match.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	var le *errors.Error
	if stderrors.As(err, &le) {
		return le == e
	}
	var errno unix.Errno
	if stderrors.As(err, &errno) {
		return e != nil && e.Errno() == errno
	}
	return false
}

// ToError converts a unix.Errno into the matching *errors.Error. Errnos this
// package does not know about are returned unchanged.
func ToError(errno unix.Errno) error {
	for _, e := range []*errors.Error{EPERM, ENOENT, ESRCH, ENOEXEC, ECHILD, EAGAIN, ENOMEM, EFAULT, EEXIST, EINVAL, ENOSYS} {
		if e.Errno() == errno {
			return e
		}
	}
	return errno
}
