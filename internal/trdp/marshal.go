package trdp

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// maxNestingDepth bounds recursive dataset nesting (design bound: 16).
const maxNestingDepth = 16

// Marshal walks desc in declaration order against the fields of v (a
// struct or pointer to struct, one field per descriptor Element in the
// same order) and returns the packed wire payload. The wire carries no
// alignment padding between elements: each primitive is emitted
// back-to-back in big-endian byte order, and a Count == 0 element is
// preceded on the wire by the uint16 run-length taken from the
// corresponding preceding native field.
func Marshal(reg *Registry, desc Descriptor, v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("trdp: marshal target must be a struct, got %s", rv.Kind())
	}

	buf := make([]byte, 0, 64)
	out, err := marshalElements(reg, desc.Elements, rv, &buf, 0)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func marshalElements(reg *Registry, elems []Element, rv reflect.Value, buf *[]byte, depth int) ([]byte, error) {
	if depth > maxNestingDepth {
		return nil, ErrNestingTooDeep
	}
	if rv.NumField() < len(elems) {
		return nil, fmt.Errorf("trdp: struct has %d fields, descriptor needs %d", rv.NumField(), len(elems))
	}

	for i, el := range elems {
		fv := rv.Field(i)

		switch {
		case el.Count == 0:
			n, err := precedingCount(elems, i, rv)
			if err != nil {
				return nil, err
			}
			if err := marshalRepeated(reg, el, fv, int(n), buf, depth); err != nil {
				return nil, err
			}
		case el.Type == Dataset && el.Count == 1:
			nested, err := reg.Lookup(el.RefDatasetID)
			if err != nil {
				return nil, err
			}
			if _, err := marshalElements(reg, nested.Elements, fv, buf, depth+1); err != nil {
				return nil, err
			}
		case el.Type == Dataset:
			if err := marshalRepeated(reg, el, fv, int(el.Count), buf, depth); err != nil {
				return nil, err
			}
		case el.Count == 1:
			if err := marshalPrimitive(el.Type, fv, buf); err != nil {
				return nil, err
			}
		default:
			if err := marshalRepeated(reg, el, fv, int(el.Count), buf, depth); err != nil {
				return nil, err
			}
		}
	}

	return *buf, nil
}

// precedingCount returns the run-length for a Count == 0 element at index
// i, read from the immediately preceding Uint16-scalar field.
func precedingCount(elems []Element, i int, rv reflect.Value) (uint16, error) {
	if i == 0 || elems[i-1].Type != Uint16 || elems[i-1].Count != 1 {
		return 0, fmt.Errorf("trdp: variable-length element %d has no preceding uint16 count field", i)
	}
	return uint16(rv.Field(i - 1).Uint()), nil
}

// marshalRepeated emits n contiguous items (primitive or nested dataset).
func marshalRepeated(reg *Registry, el Element, fv reflect.Value, n int, buf *[]byte, depth int) error {
	if fv.Kind() != reflect.Slice {
		return fmt.Errorf("trdp: field for repeated element must be a slice, got %s", fv.Kind())
	}
	if fv.Len() < n {
		return fmt.Errorf("trdp: slice has %d elements, need %d", fv.Len(), n)
	}

	for j := 0; j < n; j++ {
		item := fv.Index(j)
		if el.Type == Dataset {
			nested, err := reg.Lookup(el.RefDatasetID)
			if err != nil {
				return err
			}
			if _, err := marshalElements(reg, nested.Elements, item, buf, depth+1); err != nil {
				return err
			}
			continue
		}
		if err := marshalPrimitive(el.Type, item, buf); err != nil {
			return err
		}
	}
	return nil
}

func marshalPrimitive(t ElementType, fv reflect.Value, buf *[]byte) error {
	switch t {
	case Bool8:
		v := uint8(0)
		if fv.Bool() {
			v = 1
		}
		*buf = append(*buf, v)
	case Char8, Uint8:
		*buf = append(*buf, uint8(fv.Uint()))
	case Int8:
		*buf = append(*buf, uint8(fv.Int()))
	case UTF16, Uint16:
		*buf = binary.BigEndian.AppendUint16(*buf, uint16(fv.Uint()))
	case Int16:
		*buf = binary.BigEndian.AppendUint16(*buf, uint16(fv.Int()))
	case Uint32, TimeDate32:
		*buf = binary.BigEndian.AppendUint32(*buf, uint32(fv.Uint()))
	case Int32:
		*buf = binary.BigEndian.AppendUint32(*buf, uint32(fv.Int()))
	case Real32:
		*buf = binary.BigEndian.AppendUint32(*buf, math.Float32bits(float32(fv.Float())))
	case TimeDate48:
		*buf = marshalTimeDate48(*buf, fv.Uint())
	case Uint64, TimeDate64:
		*buf = binary.BigEndian.AppendUint64(*buf, fv.Uint())
	case Int64:
		*buf = binary.BigEndian.AppendUint64(*buf, uint64(fv.Int()))
	case Real64:
		*buf = binary.BigEndian.AppendUint64(*buf, math.Float64bits(fv.Float()))
	default:
		return fmt.Errorf("trdp: unknown element type %d", t)
	}
	return nil
}

// marshalTimeDate48 emits a 48-bit (6-byte) timestamp from the low 48 bits
// of v, big-endian.
func marshalTimeDate48(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[2:]...)
}
