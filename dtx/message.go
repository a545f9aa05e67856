package dtx

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

const (
	// Magic opens every frame header; it is written big-endian but some
	// producers emit it byte-reversed, so readers accept both.
	Magic uint32 = 0x1F3D5B79

	HeaderLength        = 32
	PayloadHeaderLength = 16
)

// MessageType is the payload-header discriminator. Ack and LZ4Compressed
// are wire-only: acks never reach user handlers and compressed messages
// are transparently decoded to their original type.
type MessageType uint32

const (
	TypeAck                 MessageType = 0x0
	TypeMethodInvocation    MessageType = 0x2
	TypeResponseWithPayload MessageType = 0x3
	TypeError               MessageType = 0x4
	TypeLZ4Compressed       MessageType = 0x0707
)

func (t MessageType) String() string {
	switch t {
	case TypeAck:
		return "Ack"
	case TypeMethodInvocation:
		return "MethodInvocation"
	case TypeResponseWithPayload:
		return "ResponseWithPayload"
	case TypeError:
		return "Error"
	case TypeLZ4Compressed:
		return "LZ4Compressed"
	}
	return fmt.Sprintf("MessageType(0x%x)", uint32(t))
}

// MessageHeader is the 32-byte frame header. All fields after the magic
// are little-endian on the wire.
type MessageHeader struct {
	Magic             uint32
	HeaderLength      uint32
	FragmentIndex     uint16
	FragmentCount     uint16
	MessageLength     uint32
	Identifier        uint32
	ConversationIndex uint32
	ChannelCode       uint32
	ExpectsReply      uint32
}

// PayloadHeader is the 16-byte header of the payload section.
type PayloadHeader struct {
	MessageType        uint32
	AuxiliaryLength    uint32
	TotalPayloadLength uint32
	Flags              uint32
}

// Message is one decoded DTX message. AuxiliaryBytes holds the raw entry
// bytes (sub-header excluded); PayloadBytes holds the keyed archive.
type Message struct {
	Identifier        uint32
	ConversationIndex uint32
	ChannelCode       int32
	ExpectsReply      bool
	FragmentIndex     uint16
	FragmentCount     uint16

	Type  MessageType
	Flags uint32

	AuxiliaryBytes []byte
	PayloadBytes   []byte
}

// NewMessageWithSelector builds a method invocation whose payload is the
// archived selector string.
func NewMessageWithSelector(selector string) *Message {
	msg := &Message{
		Type:         TypeMethodInvocation,
		ExpectsReply: true,
	}
	msg.SetPayloadObject(nskeyedarchiver.NewString(selector))
	return msg
}

// SetPayloadObject archives obj and installs it as the payload.
func (m *Message) SetPayloadObject(obj nskeyedarchiver.Object) {
	data, err := nskeyedarchiver.Archive(obj)
	if err != nil {
		log.WithError(err).Warn("dtx: failed to archive payload object")
		return
	}
	m.PayloadBytes = data
}

// PayloadObject unarchives the payload, or returns null for an empty or
// unparseable one.
func (m *Message) PayloadObject() nskeyedarchiver.Object {
	if len(m.PayloadBytes) == 0 {
		return nskeyedarchiver.Null()
	}
	obj, err := nskeyedarchiver.Unarchive(m.PayloadBytes)
	if err != nil {
		log.WithError(err).Debug("dtx: failed to unarchive payload")
		return nskeyedarchiver.Null()
	}
	return obj
}

// Selector returns the payload string of a method invocation, or "".
func (m *Message) Selector() string {
	obj := m.PayloadObject()
	if obj.IsString() {
		return obj.String()
	}
	return ""
}

// AppendAuxiliary appends one method argument to the auxiliary list.
func (m *Message) AppendAuxiliary(obj nskeyedarchiver.Object) {
	m.AuxiliaryBytes = append(m.AuxiliaryBytes, EncodeAuxiliary([]nskeyedarchiver.Object{obj})...)
}

// AuxiliaryObjects decodes the auxiliary list.
func (m *Message) AuxiliaryObjects() []nskeyedarchiver.Object {
	return DecodeAuxiliary(m.AuxiliaryBytes)
}

func (m *Message) String() string {
	s := fmt.Sprintf("DTXMessage{id=%d, ch=%d, conv=%d, type=%s, reply=%t",
		m.Identifier, m.ChannelCode, m.ConversationIndex, m.Type, m.ExpectsReply)
	if sel := m.Selector(); sel != "" {
		s += fmt.Sprintf(", selector=%q", sel)
	}
	if aux := m.AuxiliaryObjects(); len(aux) > 0 {
		s += fmt.Sprintf(", aux=[%d items]", len(aux))
	}
	return s + "}"
}

// ParseHeader parses a 32-byte frame header, normalizing a byte-reversed
// magic.
func ParseHeader(data []byte) (*MessageHeader, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("%w: short frame header (%d bytes)", ErrProtocolError, len(data))
	}
	hdr := &MessageHeader{
		Magic:             binary.LittleEndian.Uint32(data),
		HeaderLength:      binary.LittleEndian.Uint32(data[4:]),
		FragmentIndex:     binary.LittleEndian.Uint16(data[8:]),
		FragmentCount:     binary.LittleEndian.Uint16(data[10:]),
		MessageLength:     binary.LittleEndian.Uint32(data[12:]),
		Identifier:        binary.LittleEndian.Uint32(data[16:]),
		ConversationIndex: binary.LittleEndian.Uint32(data[20:]),
		ChannelCode:       binary.LittleEndian.Uint32(data[24:]),
		ExpectsReply:      binary.LittleEndian.Uint32(data[28:]),
	}
	if hdr.Magic != Magic {
		if binary.BigEndian.Uint32(data) != Magic {
			return nil, fmt.Errorf("%w: bad frame magic 0x%08x", ErrProtocolError, hdr.Magic)
		}
		hdr.Magic = Magic
	}
	return hdr, nil
}

// isMagic reports whether the first four bytes of data spell the frame
// magic in either byte order.
func isMagic(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return binary.BigEndian.Uint32(data) == Magic || binary.LittleEndian.Uint32(data) == Magic
}

// Encode serializes the message into its wire fragments. Fragmentation on
// send is not performed: a single frame with fragment_count=1 is emitted,
// which every known peer accepts.
func (m *Message) Encode() ([][]byte, error) {
	auxLen := len(m.AuxiliaryBytes)
	auxSectionLen := 0
	if auxLen > 0 {
		auxSectionLen = auxLen + auxiliaryHeaderLength
	}
	totalPayloadLen := auxSectionLen + len(m.PayloadBytes)

	var section []byte
	if totalPayloadLen > 0 || m.Type == TypeAck {
		section = make([]byte, PayloadHeaderLength, PayloadHeaderLength+totalPayloadLen)
		binary.LittleEndian.PutUint32(section[0:], uint32(m.Type))
		binary.LittleEndian.PutUint32(section[4:], uint32(auxSectionLen))
		binary.LittleEndian.PutUint32(section[8:], uint32(totalPayloadLen))
		binary.LittleEndian.PutUint32(section[12:], m.Flags)
		if auxLen > 0 {
			section = append(section, auxiliarySection(m.AuxiliaryBytes)...)
		}
		section = append(section, m.PayloadBytes...)
	}

	frame := make([]byte, HeaderLength, HeaderLength+len(section))
	binary.BigEndian.PutUint32(frame[0:], Magic)
	binary.LittleEndian.PutUint32(frame[4:], HeaderLength)
	binary.LittleEndian.PutUint16(frame[8:], 0)
	binary.LittleEndian.PutUint16(frame[10:], 1)
	binary.LittleEndian.PutUint32(frame[12:], uint32(len(section)))
	binary.LittleEndian.PutUint32(frame[16:], m.Identifier)
	binary.LittleEndian.PutUint32(frame[20:], m.ConversationIndex)
	binary.LittleEndian.PutUint32(frame[24:], uint32(m.ChannelCode))
	var reply uint32
	if m.ExpectsReply {
		reply = 1
	}
	binary.LittleEndian.PutUint32(frame[28:], reply)

	return [][]byte{append(frame, section...)}, nil
}

// DecodeMessage interprets the payload section of a (fully reassembled)
// frame. body excludes the 32-byte frame header.
func DecodeMessage(hdr *MessageHeader, body []byte) (*Message, error) {
	msg := &Message{
		Identifier:        hdr.Identifier,
		ConversationIndex: hdr.ConversationIndex,
		ChannelCode:       int32(hdr.ChannelCode),
		ExpectsReply:      hdr.ExpectsReply != 0,
		FragmentIndex:     hdr.FragmentIndex,
		FragmentCount:     hdr.FragmentCount,
	}

	if len(body) == 0 {
		// Header-only frame (an ack, or fragment 0).
		return msg, nil
	}
	if len(body) < PayloadHeaderLength {
		return nil, fmt.Errorf("%w: payload section too small (%d bytes)", ErrProtocolError, len(body))
	}

	msg.Type = MessageType(binary.LittleEndian.Uint32(body))
	auxLen := binary.LittleEndian.Uint32(body[4:])
	msg.Flags = binary.LittleEndian.Uint32(body[12:])

	if msg.Type == TypeLZ4Compressed {
		if err := msg.decodeCompressed(body[PayloadHeaderLength:], auxLen); err != nil {
			return nil, err
		}
		return msg, nil
	}

	msg.splitPayloadSection(body[PayloadHeaderLength:], auxLen)
	return msg, nil
}

// splitPayloadSection carves aux and payload bytes out of the section body
// using the stated auxiliary length (which includes the aux sub-header).
func (m *Message) splitPayloadSection(rest []byte, auxLen uint32) {
	if int(auxLen) > len(rest) {
		auxLen = uint32(len(rest))
	}
	if auxLen > auxiliaryHeaderLength {
		m.AuxiliaryBytes = rest[auxiliaryHeaderLength:auxLen]
	}
	if int(auxLen) < len(rest) {
		m.PayloadBytes = rest[auxLen:]
	}
}

// tryParsePayloadSection attempts to reparse decompressed data as a full
// payload section (header + aux + payload). Used after LZ4 decoding.
func (m *Message) tryParsePayloadSection(data []byte) bool {
	if len(data) < PayloadHeaderLength {
		return false
	}
	typ := MessageType(binary.LittleEndian.Uint32(data))
	auxLen := binary.LittleEndian.Uint32(data[4:])
	totalLen := binary.LittleEndian.Uint32(data[8:])
	if typ == TypeAck || typ == TypeLZ4Compressed {
		return false
	}
	if int(totalLen) > len(data)-PayloadHeaderLength || auxLen > totalLen {
		return false
	}
	m.Type = typ
	m.Flags = binary.LittleEndian.Uint32(data[12:])
	m.splitPayloadSection(data[PayloadHeaderLength:], auxLen)
	return true
}

const maxDecompressedSize = 128 * 1024 * 1024

// decodeCompressed handles a TypeLZ4Compressed payload section: an 8-byte
// inline header {original type, decompressed size} (big-endian on some
// producers) followed by compressed bytes. The decoding ladder tries a raw
// LZ4 block, then an LZ4 frame, then the bv4 segmented container, then a
// scan for an embedded keyed archive.
func (m *Message) decodeCompressed(rest []byte, auxLen uint32) error {
	if len(rest) < 8 {
		return fmt.Errorf("%w: compressed payload too small", ErrProtocolError)
	}
	origType := binary.LittleEndian.Uint32(rest)
	decompSize := binary.LittleEndian.Uint32(rest[4:])
	if decompSize == 0 || decompSize > maxDecompressedSize {
		origType = binary.BigEndian.Uint32(rest)
		decompSize = binary.BigEndian.Uint32(rest[4:])
	}

	maxOut := int(decompSize)
	if maxOut == 0 || maxOut > maxDecompressedSize {
		maxOut = 64 * 1024 * 1024
	}
	compressed := rest[8:]

	decompressed, err := decompressBlock(compressed, maxOut)
	if err != nil {
		decompressed, err = decompressFrame(compressed)
	}
	usedBV4 := false
	if err != nil {
		if decompressed, err = decodeBV4(compressed); err == nil {
			usedBV4 = true
		}
	}
	if err != nil {
		log.Debugf("dtx: LZ4 decompression failed (origType=0x%x size=%d): %v", origType, decompSize, err)
		if m.scanForArchive(compressed, origType) {
			return nil
		}
		return fmt.Errorf("%w: undecodable compressed payload", ErrProtocolError)
	}
	if usedBV4 {
		log.Debugf("dtx: decoded bv4 container (%d bytes)", len(decompressed))
	}

	m.Type = MessageType(origType)

	if m.tryParsePayloadSection(decompressed) {
		return nil
	}
	if m.scanForArchive(decompressed, origType) {
		return nil
	}

	// No payload header inside: treat as aux || payload with the
	// originally stated auxiliary length.
	if auxLen > 0 && int(auxLen) <= len(decompressed) {
		if auxLen > auxiliaryHeaderLength {
			m.AuxiliaryBytes = decompressed[auxiliaryHeaderLength:auxLen]
		}
		m.PayloadBytes = decompressed[auxLen:]
	} else {
		m.PayloadBytes = decompressed
	}
	return nil
}

var bplistMagic = []byte("bplist")

// scanForArchive is the last rung of the decode ladder: find an embedded
// keyed archive by its bplist magic and take the range up to the next
// magic (or the end) as the payload.
func (m *Message) scanForArchive(data []byte, origType uint32) bool {
	start := bytes.Index(data, bplistMagic)
	if start < 0 {
		return false
	}
	region := data[start:]
	end := len(region)
	if next := bytes.Index(region[len(bplistMagic):], bplistMagic); next >= 0 {
		end = next + len(bplistMagic)
	}

	log.Debugf("dtx: bplist fallback at offset %d, %d bytes", start, end)
	m.Type = MessageType(origType)
	m.AuxiliaryBytes = nil
	m.PayloadBytes = region[:end]
	return true
}
