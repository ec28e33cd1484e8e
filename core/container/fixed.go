// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package container

import "fmt"

// Fixed is a container whose storage is allocated once
type Fixed[T any] struct {
	storage[T]
}

// NewFixed returns a fixed container holding at most capacity elements
func NewFixed[T any](capacity int) *Fixed[T] {
	if capacity < 0 {
		panic("negative capacity")
	}
	return &Fixed[T]{storage[T]{elements: make([]T, capacity)}}
}

func (f *Fixed[T]) overflow(n int) {
	panic(fmt.Errorf("%w: %d + %d elements exceed fixed capacity %d", ErrCapacityExceeded, f.size, n, len(f.elements)))
}

// PushBack appends v. It panics with ErrCapacityExceeded if the container is full.
func (f *Fixed[T]) PushBack(v T) {
	if f.size == len(f.elements) {
		f.overflow(1)
	}
	f.elements[f.size] = v
	f.size++
}

// Insert inserts values before pos. It panics with ErrCapacityExceeded if they do not fit.
func (f *Fixed[T]) Insert(pos int, values ...T) {
	if f.size+len(values) > len(f.elements) {
		f.overflow(len(values))
	}
	f.insert(pos, values)
}

// Full returns true if no further element fits
func (f *Fixed[T]) Full() bool {
	return f.size == len(f.elements)
}
