package dtx

import (
	"bytes"
	"testing"
)

func TestFragmentReassembly(t *testing.T) {
	d := newFragmentDecoder()

	part1 := bytes.Repeat([]byte{0xAA}, 100*1024)
	part2 := bytes.Repeat([]byte{0xBB}, 100*1024)

	if d.add(7, 0, 3, nil) {
		t.Fatal("incomplete after fragment 0")
	}
	if d.add(7, 1, 3, part1) {
		t.Fatal("incomplete after fragment 1")
	}
	if !d.add(7, 2, 3, part2) {
		t.Fatal("expected completion after final fragment")
	}

	got := d.assemble(7)
	if !bytes.Equal(got, append(append([]byte{}, part1...), part2...)) {
		t.Fatalf("wrong assembly: %d bytes", len(got))
	}
	if got = d.assemble(7); got != nil {
		t.Error("state not removed after assembly")
	}
}

func TestFragmentOutOfOrderArrival(t *testing.T) {
	d := newFragmentDecoder()

	parts := [][]byte{nil,
		bytes.Repeat([]byte{1}, 10),
		bytes.Repeat([]byte{2}, 20),
		bytes.Repeat([]byte{3}, 30),
	}

	// Fragment 0 first, the rest in arbitrary order.
	if d.add(9, 0, 4, nil) {
		t.Fatal("premature completion")
	}
	if d.add(9, 3, 4, parts[3]) {
		t.Fatal("premature completion")
	}
	if d.add(9, 1, 4, parts[1]) {
		t.Fatal("premature completion")
	}
	if !d.add(9, 2, 4, parts[2]) {
		t.Fatal("expected completion")
	}

	want := append(append(append([]byte{}, parts[1]...), parts[2]...), parts[3]...)
	if got := d.assemble(9); !bytes.Equal(got, want) {
		t.Fatalf("fragments not assembled in index order: % x", got[:8])
	}
}

func TestFragmentSingleFrame(t *testing.T) {
	d := newFragmentDecoder()
	if !d.add(1, 0, 1, nil) {
		t.Fatal("single-fragment message should complete immediately")
	}
}

func TestFragmentDuplicate(t *testing.T) {
	d := newFragmentDecoder()
	d.add(2, 0, 3, nil)
	d.add(2, 1, 3, []byte{1})
	if d.add(2, 1, 3, []byte{1}) {
		t.Fatal("duplicate fragment must not complete the message")
	}
	if !d.add(2, 2, 3, []byte{2}) {
		t.Fatal("expected completion")
	}
}
