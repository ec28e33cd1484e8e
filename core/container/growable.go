// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package container

// Growable is a container whose storage doubles when it runs full
type Growable[T any] struct {
	storage[T]
}

// NewGrowable returns a growable container with the given initial capacity
func NewGrowable[T any](capacity int) *Growable[T] {
	if capacity < 0 {
		panic("negative capacity")
	}
	return &Growable[T]{storage[T]{elements: make([]T, capacity)}}
}

// reserve makes room for n more elements, doubling the capacity as often as needed
func (g *Growable[T]) reserve(n int) {
	required := g.size + n
	capacity := len(g.elements)
	if required <= capacity {
		return
	}
	for capacity < required {
		capacity = max(capacity*2, 1)
	}
	elements := make([]T, capacity)
	copy(elements, g.elements[:g.size])
	g.elements = elements
}

// PushBack appends v
func (g *Growable[T]) PushBack(v T) {
	g.reserve(1)
	g.elements[g.size] = v
	g.size++
}

// Insert inserts values before pos
func (g *Growable[T]) Insert(pos int, values ...T) {
	g.reserve(len(values))
	g.insert(pos, values)
}

// Full always returns false
func (g *Growable[T]) Full() bool {
	return false
}
