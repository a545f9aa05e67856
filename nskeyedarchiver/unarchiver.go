package nskeyedarchiver

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-plist"
	"github.com/spf13/cast"
)

// ErrInvalidEncoding reports input that is not a parseable property list.
var ErrInvalidEncoding = errors.New("invalid keyed archive encoding")

type unarchiver struct {
	objects []any
}

// Unarchive decodes a keyed archive (or a bare property list) into an
// Object. Unknown archived classes decode to a dictionary carrying a
// "$class" key; only a malformed top-level plist is an error.
func Unarchive(data []byte) (Object, error) {
	if len(data) == 0 {
		return Null(), nil
	}

	var root any
	if _, err := plist.Unmarshal(data, &root); err != nil {
		return Null(), fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}

	top, ok := root.(map[string]any)
	if !ok {
		return decodePrimitive(root), nil
	}
	if _, isArchive := top["$archiver"]; !isArchive {
		return decodePrimitive(root), nil
	}

	objects, ok := top["$objects"].([]any)
	topDict, ok2 := top["$top"].(map[string]any)
	if !ok || !ok2 {
		return Null(), fmt.Errorf("%w: missing $objects or $top", ErrInvalidEncoding)
	}

	u := &unarchiver{objects: objects}

	rootRef, ok := topDict["root"]
	if !ok {
		rootRef, ok = topDict["$0"]
	}
	if ok {
		return u.decodeValue(rootRef), nil
	}

	// Multiple top-level entries: decode them all.
	var items []Object
	for _, v := range topDict {
		items = append(items, u.decodeValue(v))
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return NewArray(items...), nil
}

func (u *unarchiver) resolve(ref any) any {
	uid, ok := ref.(plist.UID)
	if !ok {
		return ref
	}
	if int(uid) >= len(u.objects) {
		return nil
	}
	return u.objects[uid]
}

func (u *unarchiver) decodeValue(node any) Object {
	return u.decodeObject(u.resolve(node))
}

func (u *unarchiver) className(container map[string]any) string {
	classDict, ok := u.resolve(container["$class"]).(map[string]any)
	if !ok {
		return ""
	}
	name, _ := classDict["$classname"].(string)
	return name
}

func (u *unarchiver) decodeObject(node any) Object {
	if node == nil {
		return Null()
	}

	if s, ok := node.(string); ok {
		if s == nullSentinel {
			return Null()
		}
		return NewString(s)
	}

	dict, ok := node.(map[string]any)
	if !ok {
		return decodePrimitive(node)
	}

	className := u.className(dict)
	if className == "" {
		return decodePrimitive(node)
	}

	switch className {
	case "NSArray", "NSMutableArray":
		return u.decodeList(dict, TypeArray)
	case "NSSet", "NSMutableSet":
		return u.decodeList(dict, TypeSet)
	case "NSDictionary", "NSMutableDictionary":
		return u.decodeDictionary(dict)
	case "NSData", "NSMutableData":
		if v, ok := dict["NS.data"]; ok {
			return u.decodeValue(v)
		}
		return NewData(nil)
	case "NSString", "NSMutableString":
		if v, ok := dict["NS.string"]; ok {
			return u.decodeValue(v)
		}
		return NewString("")
	case "NSNumber", "NSValue":
		if v, ok := dict["NS.intval"]; ok {
			return u.decodeValue(v)
		}
		if v, ok := dict["NS.dblval"]; ok {
			return u.decodeValue(v)
		}
		if v, ok := dict["NS.boolval"]; ok {
			return u.decodeValue(v)
		}
		return Null()
	case "NSDate":
		if v, ok := dict["NS.time"]; ok {
			return NewFloat64(cast.ToFloat64(u.resolve(v)))
		}
		return NewFloat64(0)
	case "NSUUID":
		if v, ok := dict["NS.uuidbytes"]; ok {
			return u.decodeValue(v)
		}
		return NewData(nil)
	case "NSError", "NSException":
		result := NewDictionary(nil)
		result.Set("$class", NewString(className))
		if v, ok := dict["NSDomain"]; ok {
			result.Set("domain", u.decodeValue(v))
		}
		if v, ok := dict["NSCode"]; ok {
			result.Set("code", u.decodeValue(v))
		}
		if v, ok := dict["NSUserInfo"]; ok {
			result.Set("userInfo", u.decodeValue(v))
		}
		return result
	case "NSURL":
		if v, ok := dict["NS.relative"]; ok {
			return u.decodeValue(v)
		}
		return NewString("")
	case "DTTapMessage", "DTSysmonTapMessage":
		return u.decodeTapMessage(dict)
	case "XCTCapabilities":
		if v, ok := dict["capabilities-dictionary"]; ok {
			return u.decodeValue(v)
		}
	}

	// Unknown class: surface every key so callers can still dig in.
	log.Debugf("nskeyedarchiver: unknown class %s, decoding as dictionary", className)
	result := NewDictionary(nil)
	result.Set("$class", NewString(className))
	for k, v := range dict {
		if k == "$class" {
			continue
		}
		result.Set(k, u.decodeValue(v))
	}
	return result
}

func (u *unarchiver) decodeList(dict map[string]any, typ ObjectType) Object {
	refs, _ := u.resolve(dict["NS.objects"]).([]any)
	items := make([]Object, 0, len(refs))
	for _, ref := range refs {
		items = append(items, u.decodeValue(ref))
	}
	if typ == TypeSet {
		return NewSet(items...)
	}
	return NewArray(items...)
}

func (u *unarchiver) decodeDictionary(dict map[string]any) Object {
	keyRefs, _ := u.resolve(dict["NS.keys"]).([]any)
	valRefs, _ := u.resolve(dict["NS.objects"]).([]any)
	n := len(keyRefs)
	if len(valRefs) < n {
		n = len(valRefs)
	}

	result := NewDictionary(nil)
	for i := 0; i < n; i++ {
		key := u.decodeValue(keyRefs[i])
		var keyStr string
		if key.IsString() {
			keyStr = key.String()
		} else {
			keyStr = key.GoString()
		}
		result.Set(keyStr, u.decodeValue(valRefs[i]))
	}
	return result
}

// decodeTapMessage unwraps the nested binary plist DTTapMessage carries.
func (u *unarchiver) decodeTapMessage(dict map[string]any) Object {
	inner := u.decodeValue(dict["DTTapMessagePlist"])
	if !inner.IsData() || len(inner.Data()) == 0 {
		return Null()
	}
	var parsed any
	if _, err := plist.Unmarshal(inner.Data(), &parsed); err != nil {
		log.WithError(err).Warn("nskeyedarchiver: failed to parse DTTapMessage inner plist")
		return Null()
	}
	return decodePrimitive(parsed)
}

// appleEpoch is the NSDate reference date (2001-01-01 UTC).
var appleEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

func decodePrimitive(node any) Object {
	switch v := node.(type) {
	case nil:
		return Null()
	case bool:
		return NewBool(v)
	case uint64:
		// A set high bit means the encoder meant an unsigned value.
		if v > math.MaxInt64 {
			return NewUInt64(v)
		}
		return NewInt64(int64(v))
	case int64:
		return NewInt64(v)
	case int:
		return NewInt64(int64(v))
	case float32:
		return NewFloat32(v)
	case float64:
		return NewFloat64(v)
	case string:
		return NewString(v)
	case []byte:
		return NewData(v)
	case time.Time:
		return NewFloat64(v.Sub(appleEpoch).Seconds())
	case []any:
		items := make([]Object, 0, len(v))
		for _, item := range v {
			items = append(items, decodePrimitive(item))
		}
		return NewArray(items...)
	case map[string]any:
		result := NewDictionary(nil)
		for k, item := range v {
			result.Set(k, decodePrimitive(item))
		}
		return result
	case plist.UID:
		return NewUInt64(uint64(v))
	}
	return Null()
}
