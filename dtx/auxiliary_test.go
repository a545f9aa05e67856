package dtx

import (
	"bytes"
	"testing"

	"github.com/blacktop/go-dtx/nskeyedarchiver"
)

func TestAuxiliaryRoundTrip(t *testing.T) {
	items := []nskeyedarchiver.Object{
		nskeyedarchiver.Null(),
		nskeyedarchiver.NewInt32(-5),
		nskeyedarchiver.NewInt64(1 << 33),
		nskeyedarchiver.NewUInt64(42),
		nskeyedarchiver.NewString("com.apple.mobilesafari"),
		nskeyedarchiver.NewDictionary(map[string]nskeyedarchiver.Object{
			"ur": nskeyedarchiver.NewInt64(1000),
		}),
	}

	got := DecodeAuxiliary(EncodeAuxiliary(items))
	if len(got) != len(items) {
		t.Fatalf("expected %d items, got %d", len(items), len(got))
	}
	for i := range items {
		if !got[i].Equal(items[i]) {
			t.Errorf("item %d mismatch: want %s, got %s", i, items[i].GoString(), got[i].GoString())
		}
	}
}

func TestAuxiliaryKillPidBytes(t *testing.T) {
	msg := NewMessageWithSelector("killPid:")
	msg.AppendAuxiliary(nskeyedarchiver.NewUInt64(42))

	want := []byte{
		0x0a, 0x00, 0x00, 0x00, // empty dictionary key
		0x06, 0x00, 0x00, 0x00, // u64 tag
		0x2a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	if !bytes.Equal(msg.AuxiliaryBytes, want) {
		t.Fatalf("auxiliary bytes mismatch:\n want % x\n got  % x", want, msg.AuxiliaryBytes)
	}

	if msg.Selector() != "killPid:" {
		t.Errorf("wrong selector %q", msg.Selector())
	}
	aux := msg.AuxiliaryObjects()
	if len(aux) != 1 || !aux[0].Equal(nskeyedarchiver.NewUInt64(42)) {
		t.Errorf("wrong auxiliary decode: %v", aux)
	}
}

func TestAuxiliaryTruncated(t *testing.T) {
	data := EncodeAuxiliary([]nskeyedarchiver.Object{nskeyedarchiver.NewUInt64(7)})
	// A second entry whose u64 body is cut off.
	data = append(data, 0x0a, 0x00, 0x00, 0x00, 0x06, 0x00, 0x00, 0x00, 0x01, 0x02)

	got := DecodeAuxiliary(data)
	if len(got) != 1 {
		t.Fatalf("expected 1 item from truncated list, got %d", len(got))
	}
	if !got[0].Equal(nskeyedarchiver.NewUInt64(7)) {
		t.Errorf("wrong item: %s", got[0].GoString())
	}
}

func TestAuxiliaryStringTag(t *testing.T) {
	// Tag 0x01 is read as a raw UTF-8 string even though encoders emit
	// strings as keyed archives.
	data := []byte{
		0x0a, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x05, 0x00, 0x00, 0x00,
		'h', 'e', 'l', 'l', 'o',
	}
	got := DecodeAuxiliary(data)
	if len(got) != 1 || got[0].String() != "hello" {
		t.Fatalf("wrong decode: %v", got)
	}
}

func TestAuxiliarySectionHeader(t *testing.T) {
	entries := EncodeAuxiliary([]nskeyedarchiver.Object{nskeyedarchiver.NewInt32(1)})
	section := auxiliarySection(entries)

	want := []byte{0xf0, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
	if !bytes.Equal(section[:8], want) {
		t.Errorf("wrong auxiliary magic: % x", section[:8])
	}
	if int(section[8]) != len(entries) {
		t.Errorf("wrong auxiliary size: %d != %d", section[8], len(entries))
	}
}
