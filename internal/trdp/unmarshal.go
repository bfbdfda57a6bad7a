package trdp

import (
	"encoding/binary"
	"fmt"
	"math"
	"reflect"
)

// Unmarshal is the inverse of Marshal: it decodes data against desc into
// the struct pointed to by out, validating that the descriptor's declared
// size matches len(data) exactly (ErrLengthMismatch) and that no
// variable-length run-length would read past the end of data
// (ErrCountOverflow). unmarshal(marshal(x)) == x for every well-typed x.
func Unmarshal(reg *Registry, desc Descriptor, data []byte, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("trdp: unmarshal target must be a pointer to struct")
	}
	rv = rv.Elem()

	pos, err := unmarshalElements(reg, desc.Elements, rv, data, 0, 0)
	if err != nil {
		return err
	}
	if pos != len(data) {
		return ErrLengthMismatch
	}
	return nil
}

func unmarshalElements(reg *Registry, elems []Element, rv reflect.Value, data []byte, pos, depth int) (int, error) {
	if depth > maxNestingDepth {
		return 0, ErrNestingTooDeep
	}
	if rv.NumField() < len(elems) {
		return 0, fmt.Errorf("trdp: struct has %d fields, descriptor needs %d", rv.NumField(), len(elems))
	}

	var err error
	for i, el := range elems {
		fv := rv.Field(i)

		switch {
		case el.Count == 0:
			n := int(precedingDecodedCount(elems, i, rv))
			if pos, err = unmarshalRepeated(reg, el, fv, n, data, pos, depth); err != nil {
				return 0, err
			}
		case el.Type == Dataset && el.Count == 1:
			nested, lookupErr := reg.Lookup(el.RefDatasetID)
			if lookupErr != nil {
				return 0, lookupErr
			}
			if pos, err = unmarshalElements(reg, nested.Elements, fv, data, pos, depth+1); err != nil {
				return 0, err
			}
		case el.Type == Dataset:
			if pos, err = unmarshalRepeated(reg, el, fv, int(el.Count), data, pos, depth); err != nil {
				return 0, err
			}
		case el.Count == 1:
			if pos, err = unmarshalPrimitive(el.Type, fv, data, pos); err != nil {
				return 0, err
			}
		default:
			if pos, err = unmarshalRepeated(reg, el, fv, int(el.Count), data, pos, depth); err != nil {
				return 0, err
			}
		}
	}

	return pos, nil
}

// precedingDecodedCount returns the value just decoded into the preceding
// Uint16-scalar field, already validated to exist by Marshal's symmetric
// layout rule.
func precedingDecodedCount(elems []Element, i int, rv reflect.Value) uint16 {
	if i == 0 || elems[i-1].Type != Uint16 || elems[i-1].Count != 1 {
		return 0
	}
	return uint16(rv.Field(i - 1).Uint())
}

func unmarshalRepeated(reg *Registry, el Element, fv reflect.Value, n int, data []byte, pos, depth int) (int, error) {
	if fv.Kind() != reflect.Slice {
		return 0, fmt.Errorf("trdp: field for repeated element must be a slice, got %s", fv.Kind())
	}

	slice := reflect.MakeSlice(fv.Type(), n, n)

	for j := 0; j < n; j++ {
		item := slice.Index(j)
		if el.Type == Dataset {
			nested, err := reg.Lookup(el.RefDatasetID)
			if err != nil {
				return 0, err
			}
			var err2 error
			if pos, err2 = unmarshalElements(reg, nested.Elements, item, data, pos, depth+1); err2 != nil {
				return 0, err2
			}
			continue
		}
		if size := primitiveSize(el.Type); size > 0 && overflows(pos, size, len(data)) {
			return 0, ErrCountOverflow
		}
		var err error
		if pos, err = unmarshalPrimitive(el.Type, item, data, pos); err != nil {
			return 0, err
		}
	}

	fv.Set(slice)
	return pos, nil
}

// overflows reports whether reading size bytes at pos would run past end.
func overflows(pos, size, end int) bool {
	return pos < 0 || size < 0 || pos > end-size
}

func unmarshalPrimitive(t ElementType, fv reflect.Value, data []byte, pos int) (int, error) {
	size := primitiveSize(t)
	if overflows(pos, size, len(data)) {
		return 0, ErrCountOverflow
	}
	b := data[pos : pos+size]

	switch t {
	case Bool8:
		fv.SetBool(b[0] != 0)
	case Char8, Uint8:
		fv.SetUint(uint64(b[0]))
	case Int8:
		fv.SetInt(int64(int8(b[0])))
	case UTF16, Uint16:
		fv.SetUint(uint64(binary.BigEndian.Uint16(b)))
	case Int16:
		fv.SetInt(int64(int16(binary.BigEndian.Uint16(b))))
	case Uint32, TimeDate32:
		fv.SetUint(uint64(binary.BigEndian.Uint32(b)))
	case Int32:
		fv.SetInt(int64(int32(binary.BigEndian.Uint32(b))))
	case Real32:
		fv.SetFloat(float64(math.Float32frombits(binary.BigEndian.Uint32(b))))
	case TimeDate48:
		fv.SetUint(unmarshalTimeDate48(b))
	case Uint64, TimeDate64:
		fv.SetUint(binary.BigEndian.Uint64(b))
	case Int64:
		fv.SetInt(int64(binary.BigEndian.Uint64(b)))
	case Real64:
		fv.SetFloat(math.Float64frombits(binary.BigEndian.Uint64(b)))
	default:
		return 0, fmt.Errorf("trdp: unknown element type %d", t)
	}

	return pos + size, nil
}

// unmarshalTimeDate48 decodes a 48-bit big-endian timestamp into a uint64.
func unmarshalTimeDate48(b []byte) uint64 {
	var tmp [8]byte
	copy(tmp[2:], b)
	return binary.BigEndian.Uint64(tmp[:])
}
