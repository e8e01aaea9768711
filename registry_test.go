package xenvelope

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderCancelled struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}

// TestPayloadRegistry_Register checks name and type lookups, pointer forms included.
func TestPayloadRegistry_Register(t *testing.T) {
	reg := NewPayloadRegistry()
	require.NoError(t, Register[orderPlaced](reg, "orders.placed"))
	require.NoError(t, Register[*orderCancelled](reg, "orders.cancelled"))

	name, ok := reg.NameOf(orderPlaced{})
	require.True(t, ok)
	assert.Equal(t, "orders.placed", name)

	name, ok = reg.NameOf(&orderPlaced{})
	require.True(t, ok)
	assert.Equal(t, "orders.placed", name)

	name, ok = reg.NameOf(orderCancelled{})
	require.True(t, ok)
	assert.Equal(t, "orders.cancelled", name)

	_, ok = reg.NameOf("plain string")
	assert.False(t, ok)
	_, ok = reg.NameOf(nil)
	assert.False(t, ok)

	typ, ok := reg.TypeOf("orders.placed")
	require.True(t, ok)
	assert.Equal(t, reflect.TypeFor[orderPlaced](), typ)

	assert.Equal(t, []string{"orders.cancelled", "orders.placed"}, reg.Names())
}

// TestPayloadRegistry_RejectsDuplicates checks names and types register once.
func TestPayloadRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewPayloadRegistry()
	require.NoError(t, Register[orderPlaced](reg, "orders.placed"))

	assert.Error(t, Register[orderCancelled](reg, "orders.placed"))
	assert.Error(t, Register[*orderPlaced](reg, "orders.placed.v2"))
	assert.Error(t, Register[orderCancelled](reg, ""))
	assert.Error(t, Register[any](reg, "anything"))
	assert.Panics(t, func() { MustRegister[orderPlaced](reg, "again") })
}

// TestPayloadRegistry_PointerDecode checks a pointer registration decodes into a pointer.
func TestPayloadRegistry_PointerDecode(t *testing.T) {
	clk := newFixedClock()
	reg := NewPayloadRegistry()
	require.NoError(t, Register[*orderCancelled](reg, "orders.cancelled"))
	c, err := NewCodecBuilder().WithClock(clk).WithRegistry(reg).Build()
	require.NoError(t, err)

	msg := NewMessage(clk, "svc", &orderCancelled{OrderID: "o-9", Reason: "fraud"}, time.Minute)
	env, err := c.Encode(context.Background(), NewDispatchContext(), msg)
	require.NoError(t, err)

	got, err := c.Decode(context.Background(), env)
	require.NoError(t, err)
	p, ok := PayloadAs[*orderCancelled](got)
	require.True(t, ok)
	assert.Equal(t, "fraud", p.Reason)
}
