package dtx

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

// State is the connection lifecycle. Only Open accepts MakeChannel and
// user sends; Closed is terminal.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateHandshakePending
	StateOpen
	StateClosing
	StateClosed
)

const (
	// GlobalChannelCode is the implicit channel every connection carries.
	GlobalChannelCode int32 = 0
	// DefaultChannelCode is the reserved channel the server uses for
	// unsolicited messages.
	DefaultChannelCode int32 = -1

	globalChannelName = "_global_"

	handshakeSelector      = "_notifyOfPublishedCapabilities:"
	requestChannelSelector = "_requestChannelWithCode:identifier:"

	// DefaultTimeout bounds synchronous sends and the capability
	// handshake unless the caller overrides it.
	DefaultTimeout = 5 * time.Second

	readTimeout    = 30 * time.Second
	maxResyncBytes = 1 << 20
)

// Connection multiplexes channels over one duplex byte stream. A dedicated
// receive worker reassembles fragments and routes messages; sends are
// serialized by a single critical section.
type Connection struct {
	transport Transport

	mu       sync.Mutex
	channels map[int32]*Channel

	nextChannelCode atomic.Int32
	fragments       *fragmentDecoder
	state           atomic.Int32

	sendMu sync.Mutex

	defaultMu       sync.Mutex
	defaultHandlers []Handler

	handshakeDone chan struct{}
	handshakeOnce sync.Once

	closeOnce sync.Once
	wg        sync.WaitGroup

	// HandshakeTimeout bounds Connect's wait for the peer capability
	// announcement; DefaultTimeout backs SendSync calls passing zero.
	HandshakeTimeout time.Duration
	DefaultTimeout   time.Duration
}

// NewConnection wraps an established transport. Call Connect to start the
// receive worker and perform the capability handshake.
func NewConnection(transport Transport) *Connection {
	return &Connection{
		transport:        transport,
		channels:         make(map[int32]*Channel),
		fragments:        newFragmentDecoder(),
		handshakeDone:    make(chan struct{}),
		HandshakeTimeout: DefaultTimeout,
		DefaultTimeout:   DefaultTimeout,
	}
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// Connect creates the global channel, starts the receive worker, and
// performs the capability handshake. It fails with ErrTimeout if the peer
// never announces its capabilities.
func (c *Connection) Connect() error {
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		return fmt.Errorf("%w: connection already started", ErrConnectionFailed)
	}

	global := newChannel(c, globalChannelName, GlobalChannelCode)
	c.mu.Lock()
	c.channels[GlobalChannelCode] = global
	c.mu.Unlock()

	c.state.Store(int32(StateHandshakePending))

	c.wg.Add(1)
	go c.receiveLoop()

	if err := global.SendAsync(c.capabilitiesMessage()); err != nil {
		return fmt.Errorf("failed to send capabilities: %w", err)
	}

	select {
	case <-c.handshakeDone:
		log.Debug("dtx: connected")
		return nil
	case <-time.After(c.HandshakeTimeout):
		return fmt.Errorf("waiting for peer capabilities: %w", ErrTimeout)
	}
}

func (c *Connection) capabilitiesMessage() *Message {
	caps := nskeyedarchiver.NewDictionary(map[string]nskeyedarchiver.Object{
		"com.apple.private.DTXBlockCompression": nskeyedarchiver.NewUInt64(2),
		"com.apple.private.DTXConnection":       nskeyedarchiver.NewUInt64(1),
	})
	caps.ClassName = "NSMutableDictionary"
	caps.Classes = []string{"NSMutableDictionary", "NSDictionary", "NSObject"}

	msg := NewMessageWithSelector(handshakeSelector)
	msg.ExpectsReply = false
	msg.AppendAuxiliary(caps)
	return msg
}

// GlobalChannel returns channel 0, which exists for the whole connection
// lifetime once Connect has been called.
func (c *Connection) GlobalChannel() *Channel {
	return c.channel(GlobalChannelCode)
}

func (c *Connection) channel(code int32) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[code]
}

// MakeChannel allocates the next channel code and asks the peer to open a
// channel for the given reverse-DNS identifier. The channel is registered
// before the request goes out so the peer's first reply can be routed.
func (c *Connection) MakeChannel(identifier string) (*Channel, error) {
	if c.State() != StateOpen {
		return nil, fmt.Errorf("%w: connection is not open", ErrConnectionFailed)
	}

	code := c.nextChannelCode.Add(1)
	ch := newChannel(c, identifier, code)
	c.mu.Lock()
	c.channels[code] = ch
	c.mu.Unlock()

	msg := NewMessageWithSelector(requestChannelSelector)
	msg.AppendAuxiliary(nskeyedarchiver.NewInt32(code))
	msg.AppendAuxiliary(nskeyedarchiver.NewString(identifier))

	resp, err := c.GlobalChannel().SendSync(msg, c.DefaultTimeout)
	if err == nil && resp != nil && resp.Type == TypeError {
		err = fmt.Errorf("%w: channel request rejected: %s", ErrProtocolError, resp.PayloadObject().GoString())
	}
	if err != nil {
		c.mu.Lock()
		delete(c.channels, code)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to open channel %s: %w", identifier, err)
	}

	log.Debugf("dtx: channel %s opened (code=%d)", identifier, code)
	return ch, nil
}

// AddDefaultHandler appends a handler to the chain invoked for messages
// addressed to unknown channel codes (including the reserved -1 channel).
func (c *Connection) AddDefaultHandler(h Handler) {
	c.defaultMu.Lock()
	c.defaultHandlers = append(c.defaultHandlers, h)
	c.defaultMu.Unlock()
}

// sendMessage encodes and writes all fragments of m under the send lock.
func (c *Connection) sendMessage(m *Message) error {
	switch c.State() {
	case StateHandshakePending, StateOpen:
	default:
		return fmt.Errorf("%w: connection is not open", ErrConnectionFailed)
	}

	fragments, err := m.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	for _, frag := range fragments {
		if _, err := c.transport.Write(frag); err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		}
	}
	return nil
}

func (c *Connection) sendAck(m *Message) {
	ack := &Message{
		Type:              TypeAck,
		Identifier:        m.Identifier,
		ChannelCode:       m.ChannelCode,
		ConversationIndex: m.ConversationIndex + 1,
	}
	if err := c.sendMessage(ack); err != nil {
		log.WithError(err).Debug("dtx: failed to send ack")
	}
}

// Disconnect cancels every channel, closes the transport, and joins the
// receive worker. Safe to call more than once and after remote closure.
func (c *Connection) Disconnect() {
	c.closeOnce.Do(func() {
		log.Debug("dtx: disconnecting")
		c.state.Store(int32(StateClosing))

		for _, ch := range c.snapshotChannels() {
			ch.Cancel()
		}

		if err := c.transport.Close(); err != nil {
			log.WithError(err).Debug("dtx: transport close")
		}

		c.wg.Wait()

		c.mu.Lock()
		c.channels = make(map[int32]*Channel)
		c.mu.Unlock()
		c.fragments.clear()

		c.state.Store(int32(StateClosed))
	})
}

func (c *Connection) snapshotChannels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

func (c *Connection) closing() bool {
	switch c.State() {
	case StateClosing, StateClosed:
		return true
	}
	return false
}

func (c *Connection) receiveLoop() {
	defer c.wg.Done()
	log.Debug("dtx: receive loop started")

	for !c.closing() {
		hdr, body, err := c.readFrame()
		if err != nil {
			if !c.closing() {
				log.WithError(err).Info("dtx: connection closed by remote")
				c.state.Store(int32(StateClosed))
				for _, ch := range c.snapshotChannels() {
					ch.Cancel()
				}
			}
			break
		}

		if hdr.FragmentCount > 1 {
			if !c.fragments.add(hdr.Identifier, hdr.FragmentIndex, hdr.FragmentCount, body) {
				continue
			}
			body = c.fragments.assemble(hdr.Identifier)
		}

		msg, err := DecodeMessage(hdr, body)
		if err != nil {
			// Survive peer-side anomalies: drop the bytes, keep reading.
			log.WithError(err).Warn("dtx: failed to decode message")
			continue
		}
		c.dispatch(msg)
	}

	log.Debug("dtx: receive loop ended")
}

func (c *Connection) dispatch(m *Message) {
	ch := c.channel(m.ChannelCode)

	serverOriginated := m.ConversationIndex == 0 && m.Type != TypeAck
	if serverOriginated && ch != nil {
		ch.syncIdentifier(m.Identifier)
	}

	// Acks go out before the message becomes visible to user code.
	if m.ExpectsReply && serverOriginated {
		c.sendAck(m)
	}

	// The peer's capability announcement completes the handshake and is
	// consumed by the engine.
	if serverOriginated && m.ChannelCode == GlobalChannelCode &&
		c.State() == StateHandshakePending && m.Selector() == handshakeSelector {
		c.handshakeOnce.Do(func() {
			c.state.Store(int32(StateOpen))
			close(c.handshakeDone)
		})
		return
	}

	if m.Type == TypeAck {
		// Acks resolve pending requests but never reach user handlers.
		if ch != nil && m.ConversationIndex > 0 {
			ch.fulfill(m)
		}
		return
	}

	log.Debugf("dtx: dispatch ch=%d id=%d conv=%d type=%s",
		m.ChannelCode, m.Identifier, m.ConversationIndex, m.Type)

	if ch != nil {
		ch.dispatch(m)
		return
	}

	c.defaultMu.Lock()
	handlers := make([]Handler, len(c.defaultHandlers))
	copy(handlers, c.defaultHandlers)
	c.defaultMu.Unlock()
	if len(handlers) == 0 {
		log.Debugf("dtx: no handler for channel code %d", m.ChannelCode)
		return
	}
	for _, h := range handlers {
		h(m)
	}
}

// readFrame reads one frame (header + body), resynchronizing on garbage.
func (c *Connection) readFrame() (*MessageHeader, []byte, error) {
	hdrBuf := make([]byte, HeaderLength)
	if err := c.readFull(hdrBuf[:4]); err != nil {
		return nil, nil, err
	}
	if !isMagic(hdrBuf[:4]) {
		if err := c.resync(hdrBuf[:4]); err != nil {
			return nil, nil, err
		}
	}
	if err := c.readFull(hdrBuf[4:]); err != nil {
		return nil, nil, err
	}

	hdr, err := ParseHeader(hdrBuf)
	if err != nil {
		return nil, nil, err
	}

	body := make([]byte, hdr.MessageLength)
	if err := c.readFull(body); err != nil {
		return nil, nil, err
	}
	return hdr, body, nil
}

// resync slides a four-byte window one byte at a time until the frame
// magic reappears. Streams with more than 1 MiB of garbage are declared
// corrupt.
func (c *Connection) resync(window []byte) error {
	var one [1]byte
	for skipped := 0; skipped < maxResyncBytes; skipped++ {
		if err := c.readFull(one[:]); err != nil {
			return err
		}
		copy(window, window[1:])
		window[3] = one[0]
		if isMagic(window) {
			log.Warnf("dtx: resynchronized after skipping %d bytes", skipped+1)
			return nil
		}
	}
	return fmt.Errorf("%w: no frame magic within %d bytes", ErrProtocolError, maxResyncBytes)
}

// readFull fills buf, treating timeouts and empty reads as "no data yet".
// A read that returns bytes counts as progress regardless of its error.
func (c *Connection) readFull(buf []byte) error {
	total := 0
	for total < len(buf) {
		if c.closing() {
			return fmt.Errorf("%w: connection closing", ErrConnectionFailed)
		}
		_ = c.transport.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := c.transport.Read(buf[total:])
		total += n
		if n > 0 {
			continue
		}
		if err == nil || isTransientReadError(err) {
			time.Sleep(time.Millisecond)
			continue
		}
		return err
	}
	return nil
}

func isTransientReadError(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
