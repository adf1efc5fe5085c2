package cxdb

import (
	"encoding/binary"
	"fmt"
)

// Turn payloads are encoded in a self-describing binary map keyed by the
// numeric field tags the registry bundle assigns each type (§4.11): each
// entry is tag:u32 LE, kind:u8, then a kind-specific value. A reader can
// decode a payload against any bundle version without consulting a schema
// file, as long as it has the bundle that assigned the tags.
const (
	kindString uint8 = 0
	kindU64    uint8 = 1
	kindBool   uint8 = 2
	kindBytes  uint8 = 3
	kindArray  uint8 = 4 // array of strings
)

// EncodeTurnPayload serializes data (keyed by field name, resolved against
// the published registry bundle for typeID) into the tagged binary map
// format, preceded by the type_id/type_version header APPEND_TURN expects.
func EncodeTurnPayload(typeID string, typeVersion int, data map[string]any) ([]byte, error) {
	tags, err := fieldTagsFor(typeID)
	if err != nil {
		return nil, err
	}

	body := make([]byte, 0, 64)
	for name, v := range data {
		if v == nil {
			continue
		}
		tag, ok := tags[name]
		if !ok {
			return nil, fmt.Errorf("cxdb: field %q is not declared for type %s in the registry bundle", name, typeID)
		}
		entry, err := encodeField(tag, v)
		if err != nil {
			return nil, fmt.Errorf("cxdb: encode field %q: %w", name, err)
		}
		body = append(body, entry...)
	}

	idBytes := []byte(typeID)
	out := make([]byte, 0, 4+len(idBytes)+4+len(body))
	out = appendU32(out, uint32(len(idBytes)))
	out = append(out, idBytes...)
	out = appendU32(out, uint32(typeVersion))
	out = append(out, body...)
	return out, nil
}

func encodeField(tag uint32, v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		return encodeTaggedVarLen(tag, kindString, []byte(t)), nil
	case bool:
		b := byte(0)
		if t {
			b = 1
		}
		return encodeTagged(tag, kindBool, []byte{b}), nil
	case uint64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, t)
		return encodeTagged(tag, kindU64, buf), nil
	case int:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(t))
		return encodeTagged(tag, kindU64, buf), nil
	case int64:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, uint64(t))
		return encodeTagged(tag, kindU64, buf), nil
	case []byte:
		return encodeTaggedVarLen(tag, kindBytes, t), nil
	case []string:
		buf := make([]byte, 0, 4)
		buf = appendU32(buf, uint32(len(t)))
		for _, s := range t {
			buf = appendU32(buf, uint32(len(s)))
			buf = append(buf, s...)
		}
		return encodeTagged(tag, kindArray, buf), nil
	default:
		return nil, fmt.Errorf("unsupported field value type %T", v)
	}
}

func encodeTagged(tag uint32, kind uint8, value []byte) []byte {
	out := make([]byte, 0, 4+1+len(value))
	out = appendU32(out, tag)
	out = append(out, kind)
	out = append(out, value...)
	return out
}

// encodeTaggedVarLen is like encodeTagged but prefixes value with its own u32
// length, so a generic reader can skip past a string/bytes field of unknown
// content without consulting the registry schema.
func encodeTaggedVarLen(tag uint32, kind uint8, value []byte) []byte {
	out := make([]byte, 0, 4+1+4+len(value))
	out = appendU32(out, tag)
	out = append(out, kind)
	out = appendU32(out, uint32(len(value)))
	out = append(out, value...)
	return out
}

func appendU32(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return append(buf, b...)
}

// DecodeTurnPayload decodes the tagged body that EncodeTurnPayload writes
// after its type_id/type_version header: given the same typeID whose field
// tags are published in the registry bundle, it walks the tagged binary map
// and returns the values keyed by field name. body must start at the first
// tagged field; the header is not parsed here.
func DecodeTurnPayload(typeID string, body []byte) (map[string]any, error) {
	tags, err := fieldTagsFor(typeID)
	if err != nil {
		return nil, err
	}
	byTag := make(map[uint32]string, len(tags))
	for name, tag := range tags {
		byTag[tag] = name
	}

	out := map[string]any{}
	off := 0
	for off < len(body) {
		if off+5 > len(body) {
			return nil, fmt.Errorf("cxdb: truncated field header at offset %d", off)
		}
		tag, o := getU32(body, off)
		kind := body[o]
		off = o + 1

		name, known := byTag[tag]

		switch kind {
		case kindString:
			n, o := getU32(body, off)
			off = o
			if off+int(n) > len(body) {
				return nil, fmt.Errorf("cxdb: truncated string field at offset %d", off)
			}
			if known {
				out[name] = string(body[off : off+int(n)])
			}
			off += int(n)
		case kindBytes:
			n, o := getU32(body, off)
			off = o
			if off+int(n) > len(body) {
				return nil, fmt.Errorf("cxdb: truncated bytes field at offset %d", off)
			}
			if known {
				out[name] = append([]byte{}, body[off:off+int(n)]...)
			}
			off += int(n)
		case kindBool:
			if off+1 > len(body) {
				return nil, fmt.Errorf("cxdb: truncated bool field at offset %d", off)
			}
			if known {
				out[name] = body[off] != 0
			}
			off++
		case kindU64:
			if off+8 > len(body) {
				return nil, fmt.Errorf("cxdb: truncated u64 field at offset %d", off)
			}
			v, o := getU64(body, off)
			off = o
			if known {
				out[name] = v
			}
		case kindArray:
			count, o := getU32(body, off)
			off = o
			items := make([]string, 0, count)
			for i := uint32(0); i < count; i++ {
				n, o2 := getU32(body, off)
				off = o2
				if off+int(n) > len(body) {
					return nil, fmt.Errorf("cxdb: truncated array item at offset %d", off)
				}
				items = append(items, string(body[off:off+int(n)]))
				off += int(n)
			}
			if known {
				out[name] = items
			}
		default:
			return nil, fmt.Errorf("cxdb: unknown field kind %d at offset %d", kind, off)
		}
	}
	return out, nil
}
