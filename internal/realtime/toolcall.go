package realtime

import "strings"

type pendingCall struct {
	callID string
	name   string
	args   strings.Builder
}

// toolBridge assembles streamed tool-call arguments. Fragments are kept per
// provider item id and joined in arrival order.
type toolBridge struct {
	pending map[string]*pendingCall
	order   []string
	done    []ToolCall
	seen    map[string]bool
}

func newToolBridge() *toolBridge {
	return &toolBridge{pending: map[string]*pendingCall{}, seen: map[string]bool{}}
}

func (b *toolBridge) call(id string) *pendingCall {
	pc, ok := b.pending[id]
	if !ok {
		pc = &pendingCall{}
		b.pending[id] = pc
		b.order = append(b.order, id)
	}
	return pc
}

func (b *toolBridge) start(id, callID, name string) {
	pc := b.call(id)
	if callID != "" {
		pc.callID = callID
	}
	if name != "" {
		pc.name = name
	}
}

func (b *toolBridge) appendArgs(id, fragment string) {
	b.call(id).args.WriteString(fragment)
}

// finish closes the call. full, when set, replaces the accumulated fragments.
// It reports false for a duplicate of an already finished (name, arguments) pair.
func (b *toolBridge) finish(id, full string) (ToolCall, bool) {
	pc := b.call(id)
	delete(b.pending, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}

	args := pc.args.String()
	if full != "" {
		args = full
	}
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	callID := pc.callID
	if callID == "" {
		callID = id
	}
	tc := ToolCall{ID: id, CallID: callID, Name: pc.name, Arguments: args}

	key := tc.Name + "\x00" + tc.Arguments
	if b.seen[key] {
		return tc, false
	}
	b.seen[key] = true
	b.done = append(b.done, tc)
	return tc, true
}

// calls returns the finished calls in completion order.
func (b *toolBridge) calls() []ToolCall {
	return append([]ToolCall(nil), b.done...)
}

func (b *toolBridge) hasCalls() bool { return len(b.done) > 0 }

// open reports whether a call is still streaming arguments.
func (b *toolBridge) open() bool { return len(b.pending) > 0 }
