package container_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/tbdevice/core/container"
)

func panicValue(fn func()) (value interface{}) {
	defer func() {
		value = recover()
	}()
	fn()
	return nil
}

func contents[T any](c container.Container[T]) []T {
	var out []T
	c.Range(func(_ int, v T) bool {
		out = append(out, v)
		return true
	})
	return out
}

func TestFixed_PushBeyondCapacityAborts(t *testing.T) {
	c := container.NewFixed[int](2)
	c.PushBack(1)
	c.PushBack(2)
	assert.True(t, c.Full())

	value := panicValue(func() { c.PushBack(3) })
	require.NotNil(t, value, "push beyond capacity must abort")
	err, ok := value.(error)
	require.True(t, ok)
	assert.True(t, errors.Is(err, container.ErrCapacityExceeded))

	// the rejected push did not touch the stored elements
	assert.Equal(t, 2, c.Size())
	assert.Equal(t, []int{1, 2}, contents[int](c))
}

func TestFixed_InsertBeyondCapacityAborts(t *testing.T) {
	c := container.NewFixed[string](3)
	c.PushBack("a")
	c.PushBack("b")
	value := panicValue(func() { c.Insert(1, "x", "y") })
	require.NotNil(t, value)
	assert.True(t, errors.Is(value.(error), container.ErrCapacityExceeded))
	assert.Equal(t, []string{"a", "b"}, contents[string](c))
}

func TestGrowable_DoublesAndPreservesOrder(t *testing.T) {
	c := container.NewGrowable[int](0)
	assert.Equal(t, 0, c.Capacity())

	c.PushBack(0)
	assert.Equal(t, 1, c.Capacity(), "minimum capacity is 1")
	c.PushBack(1)
	assert.Equal(t, 2, c.Capacity())
	c.PushBack(2)
	assert.Equal(t, 4, c.Capacity())
	for i := 3; i < 9; i++ {
		c.PushBack(i)
	}
	assert.Equal(t, 16, c.Capacity())
	assert.Equal(t, 9, c.Size())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8}, contents[int](c))
	assert.False(t, c.Full())
}

func TestGrowable_InsertGrowsToFit(t *testing.T) {
	c := container.NewGrowable[int](2)
	c.PushBack(1)
	c.PushBack(5)
	c.Insert(1, 2, 3, 4)
	assert.Equal(t, 8, c.Capacity())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, contents[int](c))

	c.Insert(c.Size(), 6)
	c.Insert(0, 0)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, contents[int](c))
}

func TestErase_ShiftsLeft(t *testing.T) {
	for _, policy := range []container.Policy{container.PolicyFixed, container.PolicyGrowable} {
		t.Run(string(policy), func(t *testing.T) {
			c := container.New[string](policy, 4)
			c.PushBack("a")
			c.PushBack("b")
			c.PushBack("c")
			c.PushBack("d")

			c.Erase(1)
			assert.Equal(t, []string{"a", "c", "d"}, contents[string](c))
			c.Erase(2)
			assert.Equal(t, []string{"a", "c"}, contents[string](c))
			c.Erase(0)
			assert.Equal(t, []string{"c"}, contents[string](c))
			assert.Equal(t, 1, c.Size())
			assert.LessOrEqual(t, c.Size(), c.Capacity())
		})
	}
}

func TestAt_BoundsChecked(t *testing.T) {
	c := container.New[int](container.PolicyFixed, 4)
	c.PushBack(7)
	assert.Equal(t, 7, c.At(0))

	value := panicValue(func() { c.At(1) })
	require.NotNil(t, value, "At past the size must abort")
	assert.True(t, errors.Is(value.(error), container.ErrOutOfRange))

	value = panicValue(func() { c.Set(-1, 3) })
	require.NotNil(t, value)
	value = panicValue(func() { c.Erase(3) })
	require.NotNil(t, value)
}

func TestClear_KeepsStorage(t *testing.T) {
	c := container.New[int](container.PolicyFixed, 3)
	c.PushBack(10)
	c.PushBack(20)
	c.Clear()

	assert.True(t, c.Empty())
	assert.Equal(t, 3, c.Capacity())
	// retained storage is only overwritten lazily
	assert.Equal(t, 10, c.Get(0))
	assert.Equal(t, 20, c.Get(1))

	c.PushBack(30)
	assert.Equal(t, 30, c.At(0))
	assert.Equal(t, 20, c.Get(1))
}

func TestIndexOf(t *testing.T) {
	c := container.New[int](container.PolicyGrowable, 0)
	for _, v := range []int{4, 8, 15, 16} {
		c.PushBack(v)
	}
	assert.Equal(t, 2, container.IndexOf(c, func(v int) bool { return v == 15 }))
	assert.Equal(t, -1, container.IndexOf(c, func(v int) bool { return v == 42 }))
}

func TestParsePolicy(t *testing.T) {
	p, err := container.ParsePolicy("fixed")
	require.NoError(t, err)
	assert.Equal(t, container.PolicyFixed, p)

	p, err = container.ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, container.PolicyGrowable, p)

	_, err = container.ParsePolicy("stack")
	assert.Error(t, err)
}
