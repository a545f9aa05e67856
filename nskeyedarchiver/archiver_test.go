package nskeyedarchiver

import (
	"bytes"
	"math"
	"testing"

	"github.com/blacktop/go-plist"
)

func TestArchiveRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		obj  Object
	}{
		{"null", Null()},
		{"bool", NewBool(true)},
		{"int32", NewInt32(-7)},
		{"int64", NewInt64(1 << 40)},
		{"uint64 high bit", NewUInt64(math.MaxUint64)},
		{"float64", NewFloat64(2.5)},
		{"string", NewString("runningProcesses")},
		{"data", NewData([]byte{0xde, 0xad, 0xbe, 0xef})},
		{"array", NewArray(NewString("a"), NewInt64(1), NewBool(false))},
		{"set", NewSet(NewString("x"), NewString("y"))},
		{"dict", NewDictionary(map[string]Object{
			"pid":  NewInt64(42),
			"name": NewString("backboardd"),
		})},
		{"nested", NewDictionary(map[string]Object{
			"procs": NewArray(
				NewDictionary(map[string]Object{"pid": NewInt64(1)}),
				NewDictionary(map[string]Object{"pid": NewInt64(2)}),
			),
			"blob": NewData([]byte("bytes")),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Archive(tt.obj)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.HasPrefix(data, []byte("bplist00")) {
				t.Fatalf("archive is not a binary plist: % x", data[:8])
			}
			got, err := Unarchive(data)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.obj) {
				t.Errorf("round trip mismatch:\n want %s\n got  %s", tt.obj.GoString(), got.GoString())
			}
		})
	}
}

func TestArchiveClassOverride(t *testing.T) {
	obj := NewDictionary(map[string]Object{"k": NewString("v")})
	obj.ClassName = "NSMutableDictionary"
	obj.Classes = []string{"NSMutableDictionary", "NSDictionary", "NSObject"}

	data, err := Archive(obj)
	if err != nil {
		t.Fatal(err)
	}

	var archive map[string]any
	if _, err := plist.Unmarshal(data, &archive); err != nil {
		t.Fatal(err)
	}
	objects := archive["$objects"].([]any)
	found := false
	for _, o := range objects {
		if d, ok := o.(map[string]any); ok {
			if name, ok := d["$classname"].(string); ok && name == "NSMutableDictionary" {
				found = true
			}
		}
	}
	if !found {
		t.Error("explicit class name not present in $objects table")
	}

	// The mutable variant still decodes to a plain dictionary.
	got, err := Unarchive(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsDictionary() || !got.Get("k").Equal(NewString("v")) {
		t.Errorf("unexpected decode: %s", got.GoString())
	}
}

func TestUnarchiveMalformed(t *testing.T) {
	if _, err := Unarchive([]byte("this is not a plist at all")); err == nil {
		t.Fatal("expected error for malformed input")
	}
}

func TestUnarchiveEmpty(t *testing.T) {
	got, err := Unarchive(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsNull() {
		t.Errorf("expected null, got %s", got.GoString())
	}
}
