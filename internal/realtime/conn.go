package realtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ent0n29/duplex/internal/observability"
	"github.com/ent0n29/duplex/internal/wire"
)

// conn is one provider connection: a transport, the codec bound to it and
// the write lock serializing encode+send.
type conn struct {
	gen     uint64
	codec   wire.Codec
	tr      wire.Transport
	metrics *observability.Metrics
	cancel  context.CancelFunc

	writeMu sync.Mutex

	// owner-only
	ready   bool
	resumed bool
	toolSig string
}

// send encodes and writes ops in order, holding the write lock for one op at
// a time. It returns how many wire messages went out.
func (c *conn) send(ctx context.Context, ops ...wire.Op) (int, error) {
	sent := 0
	for _, op := range ops {
		n, err := c.sendOne(ctx, op)
		sent += n
		if err != nil {
			return sent, err
		}
	}
	return sent, nil
}

func (c *conn) sendOne(ctx context.Context, op wire.Op) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	name := wire.OpName(op)
	msgs, err := c.codec.Encode(op)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", name, err)
	}
	for i, msg := range msgs {
		if err := c.tr.Send(ctx, msg); err != nil {
			return i, fmt.Errorf("send %s: %w", name, err)
		}
		c.metrics.WireMessage("out", name)
	}
	return len(msgs), nil
}

func (c *conn) close() {
	if c.cancel != nil {
		c.cancel()
	}
	_ = c.tr.Close()
}

// toolSignature fingerprints a tool set so reconfiguration can be skipped
// when nothing changed.
func toolSignature(tools []wire.Tool) string {
	h := sha256.New()
	for _, t := range tools {
		b, _ := json.Marshal(struct {
			Name        string          `json:"n"`
			Description string          `json:"d"`
			Parameters  json.RawMessage `json:"p,omitempty"`
		}{t.Name, t.Description, t.Parameters})
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cloneTools(tools []wire.Tool) []wire.Tool {
	if tools == nil {
		return nil
	}
	return append([]wire.Tool(nil), tools...)
}
