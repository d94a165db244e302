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

// Package sched implements ready queues.
package sched

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const (
	// MinPriority is the lowest priority a task may set.
	MinPriority = 2

	// DefaultPriority is the priority of new tasks.
	DefaultPriority = 16

	// DefaultBigStride is the stride numerator: a task advances its pass by
	// BigStride/priority each time it is picked.
	DefaultBigStride = 1 << 16
)

// Entity is the per-task scheduling state. The zero value has
// DefaultPriority.
type Entity struct {
	priority atomic.Uint64

	// The fields below are protected by the queue the entity is in.
	pass   uint64
	seq    uint64
	queued bool
}

// Priority returns the scheduling weight of e.
func (e *Entity) Priority() uint64 {
	if p := e.priority.Load(); p != 0 {
		return p
	}
	return DefaultPriority
}

// SetPriority sets the scheduling weight of e.
//
// Precondition: prio >= MinPriority.
func (e *Entity) SetPriority(prio uint64) {
	if prio < MinPriority {
		panic(fmt.Sprintf("priority %d below minimum %d", prio, MinPriority))
	}
	e.priority.Store(prio)
}

// Pass returns the stride pass of e.
func (e *Entity) Pass() uint64 {
	return e.pass
}

// Schedulable is something that can wait in a Queue.
type Schedulable interface {
	SchedEntity() *Entity
}

// Queue is a ready queue. Implementations are safe for concurrent use.
type Queue interface {
	// Add makes s ready. Adding a queued entity panics.
	Add(s Schedulable)

	// Fetch removes and returns the next entity to run, or nil if the queue
	// is empty.
	Fetch() Schedulable

	// Remove removes s if it is queued and returns true if it was.
	Remove(s Schedulable) bool

	// Contains returns true if s is queued.
	Contains(s Schedulable) bool

	// Len returns the number of queued entities.
	Len() int
}

// New returns the queue discipline called name.
func New(name string, bigStride uint64) (Queue, error) {
	switch name {
	case "stride", "":
		if bigStride == 0 {
			bigStride = DefaultBigStride
		}
		return NewStride(bigStride), nil
	case "fifo":
		return &FIFO{}, nil
	default:
		return nil, fmt.Errorf("unknown scheduler %q", name)
	}
}

// FIFO runs entities in the order they became ready and ignores priority.
type FIFO struct {
	mu sync.Mutex

	// +checklocks:mu
	queue []Schedulable
}

// Add implements Queue.Add.
func (q *FIFO) Add(s Schedulable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := s.SchedEntity()
	if e.queued {
		panic("adding a queued entity")
	}
	e.queued = true
	q.queue = append(q.queue, s)
}

// Fetch implements Queue.Fetch.
func (q *FIFO) Fetch() Schedulable {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	s := q.queue[0]
	q.queue[0] = nil
	q.queue = q.queue[1:]
	s.SchedEntity().queued = false
	return s
}

// Remove implements Queue.Remove.
func (q *FIFO) Remove(s Schedulable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, o := range q.queue {
		if o == s {
			q.queue = append(q.queue[:i], q.queue[i+1:]...)
			s.SchedEntity().queued = false
			return true
		}
	}
	return false
}

// Contains implements Queue.Contains.
func (q *FIFO) Contains(s Schedulable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return s.SchedEntity().queued
}

// Len implements Queue.Len.
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

type strideItem struct {
	pass uint64
	seq  uint64
	s    Schedulable
}

func strideLess(a, b strideItem) bool {
	if a.pass != b.pass {
		return a.pass < b.pass
	}
	return a.seq < b.seq
}

// Stride is a stride scheduler: it runs the entity with the smallest pass and
// then advances that pass by BigStride/priority, so an entity is picked in
// proportion to its priority. Ties go to the entity queued first.
type Stride struct {
	bigStride uint64

	mu sync.Mutex

	// +checklocks:mu
	tree *btree.BTreeG[strideItem]

	// +checklocks:mu
	nextSeq uint64

	// floor is the pass of the last fetched entity. Entities that are behind
	// it when queued are lifted to it, so a newcomer cannot monopolize the
	// processor.
	//
	// +checklocks:mu
	floor uint64
}

// NewStride returns an empty stride queue.
func NewStride(bigStride uint64) *Stride {
	return &Stride{
		bigStride: bigStride,
		tree:      btree.NewG(2, strideLess),
	}
}

// Add implements Queue.Add.
func (q *Stride) Add(s Schedulable) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := s.SchedEntity()
	if e.queued {
		panic("adding a queued entity")
	}
	e.pass = max(e.pass, q.floor)
	e.seq = q.nextSeq
	q.nextSeq++
	e.queued = true
	q.tree.ReplaceOrInsert(strideItem{pass: e.pass, seq: e.seq, s: s})
}

// Fetch implements Queue.Fetch.
func (q *Stride) Fetch() Schedulable {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.tree.DeleteMin()
	if !ok {
		return nil
	}
	e := it.s.SchedEntity()
	e.queued = false
	q.floor = e.pass
	e.pass += q.bigStride / e.Priority()
	return it.s
}

// Remove implements Queue.Remove.
func (q *Stride) Remove(s Schedulable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := s.SchedEntity()
	if !e.queued {
		return false
	}
	q.tree.Delete(strideItem{pass: e.pass, seq: e.seq})
	e.queued = false
	return true
}

// Contains implements Queue.Contains.
func (q *Stride) Contains(s Schedulable) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return s.SchedEntity().queued
}

// Len implements Queue.Len.
func (q *Stride) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}
