package dtx

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
)

// Handler receives messages the peer initiated on a channel.
type Handler func(*Message)

// Channel is one logical conversation within a connection. Identifiers are
// allocated per channel; replies are correlated back to waiting senders by
// identifier.
type Channel struct {
	identifier string
	code       int32
	conn       *Connection

	nextMessageID atomic.Uint32

	cancelled  atomic.Bool
	cancelCh   chan struct{}
	cancelOnce sync.Once

	waitersMu sync.Mutex
	waiters   map[uint32]*waiter

	handlerMu sync.Mutex
	handler   Handler

	selectorMu       sync.Mutex
	selectorHandlers map[string]Handler
}

// waiter parks one synchronous sender until its reply (or cancellation)
// arrives. The buffer guarantees fulfillment never blocks the receive
// worker.
type waiter struct {
	ch chan *Message
}

func newChannel(conn *Connection, identifier string, code int32) *Channel {
	ch := &Channel{
		identifier:       identifier,
		code:             code,
		conn:             conn,
		cancelCh:         make(chan struct{}),
		waiters:          make(map[uint32]*waiter),
		selectorHandlers: make(map[string]Handler),
	}
	ch.nextMessageID.Store(1)
	return ch
}

func (ch *Channel) Identifier() string { return ch.identifier }
func (ch *Channel) Code() int32        { return ch.code }

func (ch *Channel) nextIdentifier() uint32 {
	return ch.nextMessageID.Add(1) - 1
}

// syncIdentifier ratchets the identifier counter past a server-originated
// identifier so the two independent streams never collide.
func (ch *Channel) syncIdentifier(received uint32) {
	for {
		cur := ch.nextMessageID.Load()
		if received+1 <= cur {
			return
		}
		if ch.nextMessageID.CompareAndSwap(cur, received+1) {
			return
		}
	}
}

// SendSync sends msg and blocks until the correlated reply arrives, the
// timeout elapses, or the channel is cancelled. A timeout of zero uses the
// connection default.
func (ch *Channel) SendSync(msg *Message, timeout time.Duration) (*Message, error) {
	if ch.cancelled.Load() {
		return nil, fmt.Errorf("channel %s: %w", ch.identifier, ErrCancelled)
	}
	if timeout <= 0 {
		timeout = ch.conn.DefaultTimeout
	}

	id := ch.nextIdentifier()
	msg.Identifier = id
	msg.ChannelCode = ch.code
	msg.ExpectsReply = true

	w := &waiter{ch: make(chan *Message, 1)}
	ch.waitersMu.Lock()
	ch.waiters[id] = w
	ch.waitersMu.Unlock()
	defer func() {
		ch.waitersMu.Lock()
		delete(ch.waiters, id)
		ch.waitersMu.Unlock()
	}()

	log.Debugf("dtx: [%s] send sync %s", ch.identifier, msg)

	if err := ch.conn.sendMessage(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ch.cancelCh:
		return nil, fmt.Errorf("channel %s: %w", ch.identifier, ErrCancelled)
	case <-timer.C:
		log.Warnf("dtx: [%s] timeout waiting for reply to id=%d", ch.identifier, id)
		return nil, fmt.Errorf("channel %s: %w", ch.identifier, ErrTimeout)
	}
}

// SendAsync sends msg without expecting a reply. A no-op on a cancelled
// channel.
func (ch *Channel) SendAsync(msg *Message) error {
	if ch.cancelled.Load() {
		return nil
	}
	msg.Identifier = ch.nextIdentifier()
	msg.ChannelCode = ch.code
	msg.ExpectsReply = false

	log.Debugf("dtx: [%s] send async %s", ch.identifier, msg)
	return ch.conn.sendMessage(msg)
}

// SetMessageHandler installs the default handler for peer-initiated
// messages that no selector handler claims.
func (ch *Channel) SetMessageHandler(h Handler) {
	ch.handlerMu.Lock()
	ch.handler = h
	ch.handlerMu.Unlock()
}

// SetSelectorHandler routes peer-initiated invocations of the named
// selector to h.
func (ch *Channel) SetSelectorHandler(selector string, h Handler) {
	ch.selectorMu.Lock()
	ch.selectorHandlers[selector] = h
	ch.selectorMu.Unlock()
}

// Cancel is idempotent: it marks the channel dead and wakes every waiter
// so blocked senders observe ErrCancelled.
func (ch *Channel) Cancel() {
	ch.cancelOnce.Do(func() {
		ch.cancelled.Store(true)
		log.Debugf("dtx: cancelling channel %s (code=%d)", ch.identifier, ch.code)
		close(ch.cancelCh)
	})
}

// fulfill hands a reply to the waiter registered under its identifier.
// Late replies (the waiter already timed out) are logged and discarded.
func (ch *Channel) fulfill(msg *Message) {
	ch.waitersMu.Lock()
	w := ch.waiters[msg.Identifier]
	ch.waitersMu.Unlock()
	if w == nil {
		log.Debugf("dtx: [%s] discarding reply for id=%d with no waiter", ch.identifier, msg.Identifier)
		return
	}
	select {
	case w.ch <- msg:
	default:
		log.Debugf("dtx: [%s] duplicate reply for id=%d", ch.identifier, msg.Identifier)
	}
}

// dispatch is called by the connection's receive worker. No channel lock
// is held across a user handler invocation.
func (ch *Channel) dispatch(msg *Message) {
	if ch.cancelled.Load() {
		return
	}

	if msg.ConversationIndex > 0 {
		ch.fulfill(msg)
		return
	}

	if sel := msg.Selector(); sel != "" {
		ch.selectorMu.Lock()
		h := ch.selectorHandlers[sel]
		ch.selectorMu.Unlock()
		if h != nil {
			h(msg)
			return
		}
	}

	ch.handlerMu.Lock()
	h := ch.handler
	ch.handlerMu.Unlock()
	if h != nil {
		h(msg)
		return
	}
	log.Debugf("dtx: [%s] unhandled message %s", ch.identifier, msg)
}
