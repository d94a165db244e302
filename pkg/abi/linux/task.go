// Copyright 2024 The gVisor Authors.
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

package linux

import (
	"encoding/binary"
	"time"
)

// byteOrder is the byte order of the user ABI.
var byteOrder = binary.LittleEndian

// TimeVal is struct timeval as written by get_time.
type TimeVal struct {
	Sec  uint64
	Usec uint64
}

// SizeofTimeVal is the encoded size of a TimeVal.
const SizeofTimeVal = 16

// NewTimeVal returns the TimeVal of d.
func NewTimeVal(d time.Duration) TimeVal {
	us := uint64(d / time.Microsecond)
	return TimeVal{Sec: us / 1_000_000, Usec: us % 1_000_000}
}

// SizeBytes returns the encoded size of tv.
func (*TimeVal) SizeBytes() int {
	return SizeofTimeVal
}

// MarshalBytes serializes tv into dst and returns the remainder of dst.
func (tv *TimeVal) MarshalBytes(dst []byte) []byte {
	byteOrder.PutUint64(dst[0:], tv.Sec)
	byteOrder.PutUint64(dst[8:], tv.Usec)
	return dst[SizeofTimeVal:]
}

// UnmarshalBytes deserializes tv from src and returns the remainder of src.
func (tv *TimeVal) UnmarshalBytes(src []byte) []byte {
	tv.Sec = byteOrder.Uint64(src[0:])
	tv.Usec = byteOrder.Uint64(src[8:])
	return src[SizeofTimeVal:]
}

// TaskStatus values as reported by task_info.
const (
	TaskUnInit uint32 = iota
	TaskReady
	TaskRunning
	TaskExited
)

// TaskInfo is the structure task_info writes.
//
// Layout: status at 0, syscall counts at 4, then 4 bytes of padding so that
// the millisecond running time is 8-byte aligned.
type TaskInfo struct {
	Status       uint32
	SyscallTimes [MaxSyscallNum]uint32
	Time         uint64
}

const (
	taskInfoTimesOffset = 4
	taskInfoTimeOffset  = 4 + 4*MaxSyscallNum + 4

	// SizeofTaskInfo is the encoded size of a TaskInfo.
	SizeofTaskInfo = taskInfoTimeOffset + 8
)

// SizeBytes returns the encoded size of ti.
func (*TaskInfo) SizeBytes() int {
	return SizeofTaskInfo
}

// MarshalBytes serializes ti into dst and returns the remainder of dst.
func (ti *TaskInfo) MarshalBytes(dst []byte) []byte {
	byteOrder.PutUint32(dst[0:], ti.Status)
	for i, n := range ti.SyscallTimes {
		byteOrder.PutUint32(dst[taskInfoTimesOffset+4*i:], n)
	}
	clear(dst[taskInfoTimeOffset-4 : taskInfoTimeOffset])
	byteOrder.PutUint64(dst[taskInfoTimeOffset:], ti.Time)
	return dst[SizeofTaskInfo:]
}

// UnmarshalBytes deserializes ti from src and returns the remainder of src.
func (ti *TaskInfo) UnmarshalBytes(src []byte) []byte {
	ti.Status = byteOrder.Uint32(src[0:])
	for i := range ti.SyscallTimes {
		ti.SyscallTimes[i] = byteOrder.Uint32(src[taskInfoTimesOffset+4*i:])
	}
	ti.Time = byteOrder.Uint64(src[taskInfoTimeOffset:])
	return src[SizeofTaskInfo:]
}
