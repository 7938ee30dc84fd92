package channel

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// commandFrame is the JSON-RPC style request written to the channel.
type commandFrame struct {
	ID     int64       `json:"id"`
	Src    string      `json:"src"`
	Dst    string      `json:"dst"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// responseFrame covers both command responses (id + result/error) and
// unsolicited device events (method + params, no matching id).
type responseFrame struct {
	ID     int64           `json:"id"`
	Src    string          `json:"src"`
	Dst    string          `json:"dst"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Params json.RawMessage `json:"params"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Err() error {
	return fmt.Errorf("device rpc error %d: %s", e.Code, e.Message)
}

type commandResult struct {
	result json.RawMessage
	err    error
}

// connection is one live channel to a cloud account. Responses arrive
// asynchronously and out of order, so they are matched to callers through
// the pending map, keyed by the frame's correlation id.
type connection struct {
	credentialID string
	ws           *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]chan commandResult
	nextID    int64

	closed    chan struct{}
	closeOnce sync.Once

	onEvent func(credentialID string, frame *responseFrame)
	onClose func(c *connection)
}

func newConnection(credentialID string, ws *websocket.Conn) *connection {
	return &connection{
		credentialID: credentialID,
		ws:           ws,
		pending:      make(map[int64]chan commandResult),
		closed:       make(chan struct{}),
	}
}

// register allocates a correlation id and a result slot for one command.
func (c *connection) register() (int64, chan commandResult) {
	ch := make(chan commandResult, 1)
	c.pendingMu.Lock()
	c.nextID++
	id := c.nextID
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return id, ch
}

func (c *connection) unregister(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *connection) write(frame *commandFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(frame)
}

// readLoop demultiplexes incoming frames. Frames carrying a known
// correlation id complete the matching pending command; frames without
// one are device events handed to the manager's event handler.
func (c *connection) readLoop() {
	defer c.close()

	for {
		var frame responseFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			log.Printf("[Channel] read failed for credential %s: %v", c.credentialID, err)
			return
		}

		if frame.ID != 0 {
			c.pendingMu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.pendingMu.Unlock()

			if ok {
				if frame.Error != nil {
					ch <- commandResult{err: frame.Error.Err()}
				} else {
					ch <- commandResult{result: frame.Result}
				}
			}
			continue
		}

		if frame.Method != "" && c.onEvent != nil {
			c.onEvent(c.credentialID, &frame)
		}
	}
}

// close tears the connection down exactly once: every in-flight command
// fails with ErrChannelClosed and the manager forgets the connection so
// the next command redials.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.Close()

		c.pendingMu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			ch <- commandResult{err: ErrChannelClosed}
		}
		c.pendingMu.Unlock()

		if c.onClose != nil {
			c.onClose(c)
		}
	})
}

func (c *connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
