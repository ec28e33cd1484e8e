// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package container

import (
	"errors"
	"fmt"
)

// ErrCapacityExceeded is the panic value of a fixed container that is pushed beyond its capacity
var ErrCapacityExceeded = errors.New("container capacity exceeded")

// ErrOutOfRange is the panic value of a bounds-checked access past the container size
var ErrOutOfRange = errors.New("container index out of range")

// Policy selects the storage backend of a container
type Policy string

const (
	// PolicyFixed allocates storage once and panics on overflow
	PolicyFixed Policy = "fixed"
	// PolicyGrowable doubles the storage on overflow
	PolicyGrowable Policy = "growable"
)

// ParsePolicy returns the policy for s. The empty string selects PolicyGrowable.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFixed:
		return PolicyFixed, nil
	case PolicyGrowable, "":
		return PolicyGrowable, nil
	}
	return "", fmt.Errorf("unknown container policy '%s'", s)
}

// Container is an ordered sequence with a bounded or growable capacity.
type Container[T any] interface {
	// PushBack appends v
	PushBack(v T)
	// Insert inserts values before position pos. pos may equal Size().
	Insert(pos int, values ...T)
	// Erase removes the element at pos and shifts the remaining elements left
	Erase(pos int)
	// At returns the element at i. It panics if i is not below Size().
	At(i int) T
	// Get returns the stored element at i without checking it against Size()
	Get(i int) T
	// Set overwrites the element at i. It panics if i is not below Size().
	Set(i int, v T)
	// Clear resets the size to zero. Storage is not zeroed.
	Clear()
	// Size returns the number of elements
	Size() int
	// Capacity returns the number of elements that fit without growing
	Capacity() int
	// Empty returns true if Size() is zero
	Empty() bool
	// Full returns true if the next PushBack cannot be stored without
	// growing or aborting. A growable container is never full.
	Full() bool
	// Range calls fn for every element in order until fn returns false
	Range(fn func(i int, v T) bool)
}

// New returns a container with the given backend and initial capacity
func New[T any](policy Policy, capacity int) Container[T] {
	switch policy {
	case PolicyFixed:
		return NewFixed[T](capacity)
	case PolicyGrowable, "":
		return NewGrowable[T](capacity)
	}
	panic(fmt.Sprintf("unknown container policy '%s'", policy))
}

// IndexOf returns the index of the first element for which match returns true, or -1
func IndexOf[T any](c Container[T], match func(v T) bool) int {
	index := -1
	c.Range(func(i int, v T) bool {
		if match(v) {
			index = i
			return false
		}
		return true
	})
	return index
}

// storage holds the elements and the logical size shared by both backends
type storage[T any] struct {
	elements []T
	size     int
}

func (s *storage[T]) checkIndex(i int) {
	if i < 0 || i >= s.size {
		panic(fmt.Errorf("%w: index %d with size %d", ErrOutOfRange, i, s.size))
	}
}

func (s *storage[T]) At(i int) T {
	s.checkIndex(i)
	return s.elements[i]
}

func (s *storage[T]) Get(i int) T {
	return s.elements[i]
}

func (s *storage[T]) Set(i int, v T) {
	s.checkIndex(i)
	s.elements[i] = v
}

func (s *storage[T]) Erase(pos int) {
	s.checkIndex(pos)
	copy(s.elements[pos:s.size], s.elements[pos+1:s.size])
	s.size--
}

func (s *storage[T]) Clear() {
	s.size = 0
}

func (s *storage[T]) Size() int {
	return s.size
}

func (s *storage[T]) Capacity() int {
	return len(s.elements)
}

func (s *storage[T]) Empty() bool {
	return s.size == 0
}

func (s *storage[T]) Range(fn func(i int, v T) bool) {
	for i := 0; i < s.size; i++ {
		if !fn(i, s.elements[i]) {
			return
		}
	}
}

// insert shifts the tail right and copies values into the gap. The caller
// guarantees that the storage holds size+len(values) elements.
func (s *storage[T]) insert(pos int, values []T) {
	if pos < 0 || pos > s.size {
		panic(fmt.Errorf("%w: insert position %d with size %d", ErrOutOfRange, pos, s.size))
	}
	n := len(values)
	copy(s.elements[pos+n:s.size+n], s.elements[pos:s.size])
	copy(s.elements[pos:pos+n], values)
	s.size += n
}
