package dtx

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

func encodeSingleFrame(t *testing.T, m *Message) []byte {
	t.Helper()
	frames, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected a single frame, got %d", len(frames))
	}
	return frames[0]
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessageWithSelector("launchSuspendedProcessWithDevicePath:")
	m.Identifier = 9
	m.ChannelCode = 3
	m.AppendAuxiliary(nskeyedarchiver.NewString("/private/"))
	m.AppendAuxiliary(nskeyedarchiver.NewUInt64(1))

	frame := encodeSingleFrame(t, m)

	hdr, err := ParseHeader(frame[:HeaderLength])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Identifier != 9 || hdr.ChannelCode != 3 || hdr.ExpectsReply != 1 {
		t.Fatalf("wrong header: %+v", hdr)
	}
	if hdr.FragmentIndex != 0 || hdr.FragmentCount != 1 {
		t.Fatalf("wrong fragmentation: %+v", hdr)
	}
	if int(hdr.MessageLength) != len(frame)-HeaderLength {
		t.Fatalf("wrong message length %d for %d byte frame", hdr.MessageLength, len(frame))
	}

	got, err := DecodeMessage(hdr, frame[HeaderLength:])
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeMethodInvocation {
		t.Errorf("wrong type %s", got.Type)
	}
	if got.Selector() != "launchSuspendedProcessWithDevicePath:" {
		t.Errorf("wrong selector %q", got.Selector())
	}
	if !bytes.Equal(got.AuxiliaryBytes, m.AuxiliaryBytes) {
		t.Errorf("auxiliary bytes not preserved")
	}
	if !bytes.Equal(got.PayloadBytes, m.PayloadBytes) {
		t.Errorf("payload bytes not preserved")
	}
	if !got.ExpectsReply {
		t.Error("expects-reply not preserved")
	}
}

func TestMessageMagicBigEndianOnWire(t *testing.T) {
	frame := encodeSingleFrame(t, NewMessageWithSelector("ping"))
	if binary.BigEndian.Uint32(frame) != Magic {
		t.Fatalf("magic not big-endian on the wire: % x", frame[:4])
	}
}

func TestParseHeaderReversedMagic(t *testing.T) {
	frame := encodeSingleFrame(t, NewMessageWithSelector("ping"))
	// Byte-reverse the magic; the parser must normalize it.
	frame[0], frame[1], frame[2], frame[3] = frame[3], frame[2], frame[1], frame[0]

	hdr, err := ParseHeader(frame[:HeaderLength])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Magic != Magic {
		t.Errorf("magic not normalized: %#x", hdr.Magic)
	}
}

func TestParseHeaderBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLength)
	if _, err := ParseHeader(buf); err == nil {
		t.Fatal("expected error for zeroed header")
	}
}

func TestNegativeChannelCode(t *testing.T) {
	m := &Message{ChannelCode: -1, Type: TypeMethodInvocation}
	m.SetPayloadObject(nskeyedarchiver.NewString("x"))

	frame := encodeSingleFrame(t, m)
	hdr, err := ParseHeader(frame[:HeaderLength])
	if err != nil {
		t.Fatal(err)
	}
	if hdr.ChannelCode != 0xFFFFFFFF {
		t.Fatalf("expected two's complement on the wire, got %#x", hdr.ChannelCode)
	}
	got, err := DecodeMessage(hdr, frame[HeaderLength:])
	if err != nil {
		t.Fatal(err)
	}
	if got.ChannelCode != -1 {
		t.Errorf("channel code not restored: %d", got.ChannelCode)
	}
}

func TestAckEncoding(t *testing.T) {
	ack := &Message{
		Type:              TypeAck,
		Identifier:        12,
		ChannelCode:       5,
		ConversationIndex: 1,
	}
	frame := encodeSingleFrame(t, ack)

	// An ack still carries a payload header, with no aux or payload body.
	if len(frame) != HeaderLength+PayloadHeaderLength {
		t.Fatalf("unexpected ack frame size %d", len(frame))
	}
	if typ := binary.LittleEndian.Uint32(frame[HeaderLength:]); typ != uint32(TypeAck) {
		t.Errorf("wrong payload type %d", typ)
	}
	if auxLen := binary.LittleEndian.Uint32(frame[HeaderLength+4:]); auxLen != 0 {
		t.Errorf("ack should have no auxiliary, got %d", auxLen)
	}

	hdr, err := ParseHeader(frame[:HeaderLength])
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeMessage(hdr, frame[HeaderLength:])
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeAck || got.ConversationIndex != 1 || got.Identifier != 12 {
		t.Errorf("ack round trip mismatch: %s", got)
	}
}

func TestEmptyMessageOmitsPayloadSection(t *testing.T) {
	m := &Message{Type: TypeMethodInvocation, Identifier: 1}
	frame := encodeSingleFrame(t, m)
	if len(frame) != HeaderLength {
		t.Fatalf("empty message should be header-only, got %d bytes", len(frame))
	}
	if binary.LittleEndian.Uint32(frame[12:]) != 0 {
		t.Error("message length should be zero")
	}
}

func TestMessageString(t *testing.T) {
	m := NewMessageWithSelector("hello")
	m.AppendAuxiliary(nskeyedarchiver.NewUInt64(1))
	s := m.String()
	if !strings.Contains(s, `selector="hello"`) || !strings.Contains(s, "aux=[1 items]") {
		t.Errorf("unexpected dump: %s", s)
	}
}
