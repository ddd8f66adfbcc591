package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmitDeliversInRegistrationOrder(t *testing.T) {
	b := New()

	var order []int
	b.On("evt", func(any) { order = append(order, 1) })
	b.On("evt", func(any) { order = append(order, 2) })
	b.On("evt", func(any) { order = append(order, 3) })

	b.Emit("evt", nil)

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestEmitPassesPayload(t *testing.T) {
	b := New()

	var got any
	b.On("evt", func(p any) { got = p })

	b.Emit("evt", "hello")

	assert.Equal(t, "hello", got)
}

func TestEmitOnlyMatchingEvent(t *testing.T) {
	b := New()

	calls := 0
	b.On("a", func(any) { calls++ })

	b.Emit("b", nil)
	assert.Equal(t, 0, calls)

	b.Emit("a", nil)
	assert.Equal(t, 1, calls)
}

func TestOffRemovesHandler(t *testing.T) {
	b := New()

	calls := 0
	token := b.On("evt", func(any) { calls++ })

	b.Emit("evt", nil)
	b.Off("evt", token)
	b.Emit("evt", nil)

	assert.Equal(t, 1, calls)
}

func TestOffUnknownTokenIsIgnored(t *testing.T) {
	b := New()

	calls := 0
	b.On("evt", func(any) { calls++ })
	b.Off("evt", Token(999))

	b.Emit("evt", nil)
	assert.Equal(t, 1, calls)
}

func TestOffDuringEmitDoesNotAffectCurrentDelivery(t *testing.T) {
	b := New()

	var order []int
	var second Token
	b.On("evt", func(any) {
		order = append(order, 1)
		b.Off("evt", second)
	})
	second = b.On("evt", func(any) { order = append(order, 2) })

	// The removal takes effect for the next Emit, not the running one.
	b.Emit("evt", nil)
	assert.Equal(t, []int{1, 2}, order)

	b.Emit("evt", nil)
	assert.Equal(t, []int{1, 2, 1}, order)
}

func TestHandlerCount(t *testing.T) {
	b := New()

	assert.Equal(t, 0, b.HandlerCount("evt"))
	tok := b.On("evt", func(any) {})
	b.On("evt", func(any) {})
	assert.Equal(t, 2, b.HandlerCount("evt"))

	b.Off("evt", tok)
	assert.Equal(t, 1, b.HandlerCount("evt"))
}
