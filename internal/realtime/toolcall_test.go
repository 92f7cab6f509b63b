package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolBridgeJoinsFragmentsPerItem(t *testing.T) {
	b := newToolBridge()
	b.start("item_1", "call_1", "weather")
	b.start("item_2", "call_2", "clock")
	b.appendArgs("item_1", `{"city":`)
	b.appendArgs("item_2", `{}`)
	b.appendArgs("item_1", `"Rome"}`)
	assert.True(t, b.open())

	c2, ok := b.finish("item_2", "")
	assert.True(t, ok)
	c1, ok := b.finish("item_1", "")
	assert.True(t, ok)
	assert.False(t, b.open())

	assert.Equal(t, ToolCall{ID: "item_1", CallID: "call_1", Name: "weather", Arguments: `{"city":"Rome"}`}, c1)
	assert.Equal(t, []ToolCall{c2, c1}, b.calls())
}

func TestToolBridgeDefaults(t *testing.T) {
	b := newToolBridge()
	b.start("fc_1", "", "ping")
	c, ok := b.finish("fc_1", "")
	assert.True(t, ok)
	assert.Equal(t, "fc_1", c.CallID)
	assert.Equal(t, "{}", c.Arguments)
}

func TestToolBridgeFullArgumentsWin(t *testing.T) {
	b := newToolBridge()
	b.start("a", "c", "lookup")
	b.appendArgs("a", `{"q":"pa`)
	c, _ := b.finish("a", `{"q":"paris"}`)
	assert.Equal(t, `{"q":"paris"}`, c.Arguments)
}

func TestToolBridgeDropsDuplicateCalls(t *testing.T) {
	b := newToolBridge()
	b.start("a", "c1", "lookup")
	b.appendArgs("a", `{"q":1}`)
	_, ok := b.finish("a", "")
	assert.True(t, ok)

	b.start("b", "c2", "lookup")
	b.appendArgs("b", `{"q":1}`)
	_, ok = b.finish("b", "")
	assert.False(t, ok)

	b.start("c", "c3", "lookup")
	_, ok = b.finish("c", `{"q":2}`)
	assert.True(t, ok)
	assert.Len(t, b.calls(), 2)
	assert.True(t, b.hasCalls())
}
