package nskeyedarchiver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ObjectType identifies the concrete value an Object carries.
type ObjectType int

const (
	TypeNull ObjectType = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeUInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeData
	TypeArray
	TypeSet
	TypeDictionary
)

// Object is a variant over the value kinds a keyed archive can carry.
// The optional class metadata is consulted at encode time only; containers
// without it get the default Foundation class for their type.
type Object struct {
	typ   ObjectType
	b     bool
	i     int64
	u     uint64
	f     float64
	s     string
	data  []byte
	items []Object
	dict  map[string]Object

	ClassName string
	Classes   []string
}

func Null() Object                { return Object{typ: TypeNull} }
func NewBool(v bool) Object       { return Object{typ: TypeBool, b: v} }
func NewInt32(v int32) Object     { return Object{typ: TypeInt32, i: int64(v)} }
func NewInt64(v int64) Object     { return Object{typ: TypeInt64, i: v} }
func NewUInt64(v uint64) Object   { return Object{typ: TypeUInt64, u: v} }
func NewFloat32(v float32) Object { return Object{typ: TypeFloat32, f: float64(v)} }
func NewFloat64(v float64) Object { return Object{typ: TypeFloat64, f: v} }
func NewString(v string) Object   { return Object{typ: TypeString, s: v} }
func NewData(v []byte) Object     { return Object{typ: TypeData, data: v} }
func NewArray(items ...Object) Object {
	return Object{typ: TypeArray, items: items}
}
func NewSet(items ...Object) Object {
	return Object{typ: TypeSet, items: items}
}
func NewDictionary(dict map[string]Object) Object {
	if dict == nil {
		dict = make(map[string]Object)
	}
	return Object{typ: TypeDictionary, dict: dict}
}

func (o Object) Type() ObjectType { return o.typ }
func (o Object) IsNull() bool     { return o.typ == TypeNull }
func (o Object) IsString() bool   { return o.typ == TypeString }
func (o Object) IsData() bool     { return o.typ == TypeData }
func (o Object) IsDictionary() bool {
	return o.typ == TypeDictionary
}
func (o Object) IsArray() bool {
	return o.typ == TypeArray || o.typ == TypeSet
}
func (o Object) IsNumber() bool {
	switch o.typ {
	case TypeBool, TypeInt32, TypeInt64, TypeUInt64, TypeFloat32, TypeFloat64:
		return true
	}
	return false
}

func (o Object) Bool() bool     { return o.b }
func (o Object) Int64() int64   { return o.i }
func (o Object) UInt64() uint64 { return o.u }
func (o Object) Float64() float64 {
	return o.f
}
func (o Object) String() string { return o.s }
func (o Object) Data() []byte   { return o.data }
func (o Object) Array() []Object {
	return o.items
}
func (o Object) Dictionary() map[string]Object {
	return o.dict
}

// UUID reinterprets a 16-byte data object as an NSUUID value.
func (o Object) UUID() (uuid.UUID, error) {
	if o.typ != TypeData {
		return uuid.Nil, fmt.Errorf("object is not data (type %d)", o.typ)
	}
	return uuid.FromBytes(o.data)
}

// Get looks a key up in a dictionary object. The zero Object is returned
// for missing keys and non-dictionary receivers.
func (o Object) Get(key string) Object {
	if o.typ != TypeDictionary {
		return Null()
	}
	v, ok := o.dict[key]
	if !ok {
		return Null()
	}
	return v
}

func (o *Object) Set(key string, value Object) {
	if o.typ != TypeDictionary {
		*o = NewDictionary(nil)
	}
	o.dict[key] = value
}

func (o *Object) Append(value Object) {
	if o.typ == TypeArray || o.typ == TypeSet {
		o.items = append(o.items, value)
	}
}

// Number widens any numeric object to float64, mirroring how loosely typed
// the instruments payloads are about int vs real.
func (o Object) Number() float64 {
	switch o.typ {
	case TypeBool:
		if o.b {
			return 1
		}
		return 0
	case TypeInt32, TypeInt64:
		return float64(o.i)
	case TypeUInt64:
		return float64(o.u)
	case TypeFloat32, TypeFloat64:
		return o.f
	}
	return 0
}

// Equal compares by shape: integer kinds (and bool) compare by value with
// each other, float kinds by value with each other, and a float never
// equals an integer; sets compare as unordered collections; class metadata
// is ignored.
func (o Object) Equal(other Object) bool {
	if o.IsNumber() && other.IsNumber() {
		if isFloat(o.typ) != isFloat(other.typ) {
			return false
		}
		if isFloat(o.typ) {
			return o.Number() == other.Number()
		}
		return o.intValue() == other.intValue()
	}
	if o.typ != other.typ {
		return false
	}
	switch o.typ {
	case TypeNull:
		return true
	case TypeString:
		return o.s == other.s
	case TypeData:
		return string(o.data) == string(other.data)
	case TypeArray:
		if len(o.items) != len(other.items) {
			return false
		}
		for i := range o.items {
			if !o.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	case TypeSet:
		if len(o.items) != len(other.items) {
			return false
		}
		used := make([]bool, len(other.items))
	outer:
		for _, it := range o.items {
			for j, ot := range other.items {
				if !used[j] && it.Equal(ot) {
					used[j] = true
					continue outer
				}
			}
			return false
		}
		return true
	case TypeDictionary:
		if len(o.dict) != len(other.dict) {
			return false
		}
		for k, v := range o.dict {
			ov, ok := other.dict[k]
			if !ok || !v.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

func isFloat(t ObjectType) bool {
	return t == TypeFloat32 || t == TypeFloat64
}

func (o Object) intValue() uint64 {
	if o.typ == TypeUInt64 {
		return o.u
	}
	if o.typ == TypeBool {
		if o.b {
			return 1
		}
		return 0
	}
	return uint64(o.i)
}

// GoString renders a compact debug representation.
func (o Object) GoString() string {
	switch o.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		return fmt.Sprintf("%t", o.b)
	case TypeInt32, TypeInt64:
		return fmt.Sprintf("%d", o.i)
	case TypeUInt64:
		return fmt.Sprintf("%d", o.u)
	case TypeFloat32, TypeFloat64:
		return fmt.Sprintf("%g", o.f)
	case TypeString:
		return fmt.Sprintf("%q", o.s)
	case TypeData:
		return fmt.Sprintf("<%d bytes>", len(o.data))
	case TypeArray, TypeSet:
		parts := make([]string, len(o.items))
		for i, it := range o.items {
			parts[i] = it.GoString()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case TypeDictionary:
		keys := make([]string, 0, len(o.dict))
		for k := range o.dict {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%q: %s", k, o.dict[k].GoString())
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return "?"
}
