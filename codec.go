// This file provides the byte-level codec that the on-disk models are built
// on: little-endian primitives plus generic parse/serialize over the
// declarative model structs.

package igelfs

import (
	"encoding/binary"
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
	"github.com/go-restruct/restruct"
)

var (
	defaultEncoding = binary.LittleEndian
)

func readU8(raw []byte, offset int) (uint8, error) {
	if offset+1 > len(raw) {
		return 0, fmt.Errorf("%w: u8 at (%d) in (%d) bytes", ErrTruncated, offset, len(raw))
	}

	return raw[offset], nil
}

func readU16Le(raw []byte, offset int) (uint16, error) {
	if offset+2 > len(raw) {
		return 0, fmt.Errorf("%w: u16 at (%d) in (%d) bytes", ErrTruncated, offset, len(raw))
	}

	return defaultEncoding.Uint16(raw[offset:]), nil
}

func readU32Le(raw []byte, offset int) (uint32, error) {
	if offset+4 > len(raw) {
		return 0, fmt.Errorf("%w: u32 at (%d) in (%d) bytes", ErrTruncated, offset, len(raw))
	}

	return defaultEncoding.Uint32(raw[offset:]), nil
}

func readU64Le(raw []byte, offset int) (uint64, error) {
	if offset+8 > len(raw) {
		return 0, fmt.Errorf("%w: u64 at (%d) in (%d) bytes", ErrTruncated, offset, len(raw))
	}

	return defaultEncoding.Uint64(raw[offset:]), nil
}

func readBytes(raw []byte, offset, count int) ([]byte, error) {
	if offset+count > len(raw) {
		return nil, fmt.Errorf("%w: (%d) bytes at (%d) in (%d) bytes", ErrTruncated, count, offset, len(raw))
	}

	data := make([]byte, count)
	copy(data, raw[offset:offset+count])

	return data, nil
}

func writeU16Le(raw []byte, offset int, value uint16) {
	defaultEncoding.PutUint16(raw[offset:], value)
}

func writeU32Le(raw []byte, offset int, value uint32) {
	defaultEncoding.PutUint32(raw[offset:], value)
}

func writeU64Le(raw []byte, offset int, value uint64) {
	defaultEncoding.PutUint64(raw[offset:], value)
}

// parseModel unpacks the first `size` bytes of `raw` into the model struct
// pointed to by `x`. The model's field order and fixed widths define the
// on-disk layout.
func parseModel(raw []byte, size int, x interface{}) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	if len(raw) < size {
		return fmt.Errorf("%w: model needs (%d) bytes, have (%d)", ErrTruncated, size, len(raw))
	}

	err = restruct.Unpack(raw[:size], defaultEncoding, x)
	log.PanicIf(err)

	return nil
}

// serializeModel packs the model struct into exactly `size` bytes. A model
// that serializes to a different size is a programming error.
func serializeModel(size int, x interface{}) (raw []byte, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			var ok bool
			if err, ok = errRaw.(error); ok == true {
				err = log.Wrap(err)
			} else {
				err = log.Errorf("Error not an error: [%s] [%v]", reflect.TypeOf(err).Name(), err)
			}
		}
	}()

	raw, err = restruct.Pack(defaultEncoding, x)
	log.PanicIf(err)

	if len(raw) != size {
		log.Panicf("model serialized to (%d) bytes instead of (%d)", len(raw), size)
	}

	return raw, nil
}

// trimName returns a NUL-padded fixed-width name field as a string.
func trimName(raw []byte) string {
	for i, c := range raw {
		if c == 0 {
			return string(raw[:i])
		}
	}

	return string(raw)
}

// putName copies a string into a NUL-padded fixed-width name field.
func putName(dst []byte, name string) {
	for i := range dst {
		dst[i] = 0
	}

	copy(dst, name)
}
