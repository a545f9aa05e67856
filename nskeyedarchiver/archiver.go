package nskeyedarchiver

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/blacktop/go-plist"
)

const (
	archiverName    = "NSKeyedArchiver"
	archiverVersion = uint64(100000)
	nullSentinel    = "$null"
)

// archiver accumulates the flat $objects table during encoding.
// Index 0 is always the "$null" sentinel.
type archiver struct {
	objects []any
}

func newArchiver() *archiver {
	return &archiver{objects: []any{nullSentinel}}
}

func (a *archiver) add(obj any) plist.UID {
	uid := plist.UID(len(a.objects))
	a.objects = append(a.objects, obj)
	return uid
}

func (a *archiver) addClass(name string, hierarchy []string) plist.UID {
	classes := make([]any, len(hierarchy))
	for i, c := range hierarchy {
		classes[i] = c
	}
	return a.add(map[string]any{
		"$classname": name,
		"$classes":   classes,
	})
}

func (a *archiver) encode(o Object) (plist.UID, error) {
	switch o.Type() {
	case TypeNull:
		return 0, nil
	case TypeBool:
		return a.add(o.Bool()), nil
	case TypeInt32, TypeInt64:
		return a.add(o.Int64()), nil
	case TypeUInt64:
		return a.add(o.UInt64()), nil
	case TypeFloat32:
		return a.add(float32(o.Float64())), nil
	case TypeFloat64:
		return a.add(o.Float64()), nil
	case TypeString:
		return a.add(o.String()), nil
	case TypeData:
		return a.add(o.Data()), nil
	case TypeArray:
		return a.encodeList(o, "NSArray")
	case TypeSet:
		return a.encodeList(o, "NSSet")
	case TypeDictionary:
		return a.encodeDict(o)
	}
	return 0, fmt.Errorf("unsupported object type %d", o.Type())
}

// encodeList handles both NSArray- and NSSet-shaped containers: children
// first, then the container dict referencing them, then the class entry.
func (a *archiver) encodeList(o Object, defaultClass string) (plist.UID, error) {
	items := o.Array()
	uids := make([]any, len(items))
	for i, item := range items {
		uid, err := a.encode(item)
		if err != nil {
			return 0, err
		}
		uids[i] = uid
	}

	uid := a.add(nil)
	name, hierarchy := o.classInfo(defaultClass)
	a.objects[uid] = map[string]any{
		"NS.objects": uids,
		"$class":     a.addClass(name, hierarchy),
	}
	return uid, nil
}

func (a *archiver) encodeDict(o Object) (plist.UID, error) {
	dict := o.Dictionary()
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	keyUIDs := make([]any, len(keys))
	valUIDs := make([]any, len(keys))
	for i, k := range keys {
		keyUIDs[i] = a.add(k)
		uid, err := a.encode(dict[k])
		if err != nil {
			return 0, err
		}
		valUIDs[i] = uid
	}

	uid := a.add(nil)
	name, hierarchy := o.classInfo("NSDictionary")
	a.objects[uid] = map[string]any{
		"NS.keys":    keyUIDs,
		"NS.objects": valUIDs,
		"$class":     a.addClass(name, hierarchy),
	}
	return uid, nil
}

func (o Object) classInfo(defaultClass string) (string, []string) {
	name := o.ClassName
	if name == "" {
		name = defaultClass
	}
	hierarchy := o.Classes
	if len(hierarchy) == 0 {
		if name == defaultClass {
			hierarchy = []string{defaultClass, "NSObject"}
		} else {
			hierarchy = []string{name, defaultClass, "NSObject"}
		}
	}
	return name, hierarchy
}

// Archive encodes root as a binary-plist keyed archive, the payload format
// the instruments server expects.
func Archive(root Object) ([]byte, error) {
	ctx := newArchiver()
	rootUID, err := ctx.encode(root)
	if err != nil {
		return nil, err
	}

	archive := map[string]any{
		"$archiver": archiverName,
		"$version":  archiverVersion,
		"$top":      map[string]any{"root": rootUID},
		"$objects":  ctx.objects,
	}

	var buf bytes.Buffer
	if err := plist.NewBinaryEncoder(&buf).Encode(archive); err != nil {
		return nil, fmt.Errorf("failed to encode keyed archive: %w", err)
	}
	return buf.Bytes(), nil
}
