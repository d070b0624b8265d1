package rpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSlot(host string) *EndpointSlot {
	endpoint, _ := NewServerEndpoint(host, 0)
	return &EndpointSlot{endpoint: endpoint}
}

func TestDequeHeadAndTailOrdering(t *testing.T) {
	q := newSlotDeque()

	a, b, c := testSlot("a"), testSlot("b"), testSlot("c")
	q.PushBack(a)
	q.PushBack(b)
	q.PushFront(c)

	first, open := q.PopFront()
	require.True(t, open)
	assert.Same(t, c, first)

	second, _ := q.PopFront()
	assert.Same(t, a, second)

	third, _ := q.PopFront()
	assert.Same(t, b, third)

	assert.Equal(t, 0, q.Len())
}

func TestDequePopBlocksUntilPush(t *testing.T) {
	q := newSlotDeque()
	slot := testSlot("a")

	got := make(chan *EndpointSlot, 1)
	go func() {
		popped, _ := q.PopFront()
		got <- popped
	}()

	time.Sleep(20 * time.Millisecond)
	q.PushBack(slot)

	select {
	case popped := <-got:
		assert.Same(t, slot, popped)
	case <-time.After(2 * time.Second):
		t.Fatal("pop never returned")
	}
}

func TestDequeDeadlineExpires(t *testing.T) {
	q := newSlotDeque()

	start := time.Now()
	slot, open := q.PopFrontDeadline(time.Now().Add(50 * time.Millisecond))
	assert.Nil(t, slot)
	assert.True(t, open)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDequeCloseWakesConsumersAndRejectsPushes(t *testing.T) {
	q := newSlotDeque()

	done := make(chan bool, 1)
	go func() {
		_, open := q.PopFront()
		done <- open
	}()

	time.Sleep(20 * time.Millisecond)
	remaining := q.Close()
	assert.Empty(t, remaining)

	select {
	case open := <-done:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked pop never woke up")
	}

	assert.False(t, q.PushBack(testSlot("a")))
	assert.False(t, q.PushFront(testSlot("b")))
}

func TestDequeCloseReturnsRemainingSlots(t *testing.T) {
	q := newSlotDeque()
	a, b := testSlot("a"), testSlot("b")
	q.PushBack(a)
	q.PushBack(b)

	remaining := q.Close()
	assert.Equal(t, []*EndpointSlot{a, b}, remaining)
}
