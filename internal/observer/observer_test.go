package observer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifyInOrder(t *testing.T) {
	var l List[int]
	var got []string
	l.Subscribe(func(v int) { got = append(got, "a") })
	l.Subscribe(func(v int) { got = append(got, "b") })
	l.Notify(1)
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestCancelIsIdempotentAndIndependent(t *testing.T) {
	var l List[string]
	var a, b int
	ta := l.Subscribe(func(string) { a++ })
	l.Subscribe(func(string) { b++ })

	l.Notify("x")
	ta.Cancel()
	ta.Cancel()
	l.Notify("y")

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, b)
	assert.Equal(t, 1, l.Len())

	var nilToken *Token
	assert.NotPanics(t, nilToken.Cancel)
}

func TestCancelFromInsideCallback(t *testing.T) {
	var l List[int]
	var calls int
	var tok *Token
	tok = l.Subscribe(func(int) {
		calls++
		tok.Cancel()
	})
	l.Notify(1)
	l.Notify(2)
	assert.Equal(t, 1, calls)
}

func TestPanicDoesNotStopDelivery(t *testing.T) {
	var l List[int]
	var got int
	l.Subscribe(func(int) { panic("boom") })
	l.Subscribe(func(v int) { got = v })
	assert.NotPanics(t, func() { l.Notify(7) })
	assert.Equal(t, 7, got)
}

func TestConcurrentSubscribeNotify(t *testing.T) {
	var l List[int]
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tok := l.Subscribe(func(int) {})
			tok.Cancel()
		}()
		go func() {
			defer wg.Done()
			l.Notify(1)
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, l.Len())
}
