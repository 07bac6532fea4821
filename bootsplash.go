// This file parses the bootsplash container found in SPLASH extents. The
// library hands back raw image bytes; decoding them is delegated to an
// injected capability.

package igelfs

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
)

const (
	bootsplashHeaderSize = 16
	bootsplashInfoSize   = 24
)

var (
	requiredBootsplashMagic = []byte("IGELBMAP")
)

// BootsplashHeader leads the splash extent.
type BootsplashHeader struct {
	Magic [8]byte

	Count uint8

	Reserved [7]byte
}

// BootsplashInfo describes one splash image payload.
type BootsplashInfo struct {
	// Offset is relative to the start of the extent.
	Offset uint64

	Length uint64

	Format uint8

	Reserved [3]byte

	Width  uint16
	Height uint16
}

// String returns a descriptive string.
func (bi BootsplashInfo) String() string {
	return fmt.Sprintf("BootsplashInfo<OFFSET=(%d) LENGTH=(%d) FORMAT=(%d) DIMENSIONS=(%d)x(%d)>", bi.Offset, bi.Length, bi.Format, bi.Width, bi.Height)
}

// Bootsplash pairs an info record with its raw image bytes.
type Bootsplash struct {
	Info BootsplashInfo

	Data []byte
}

// BootsplashSet is the parsed splash extent.
type BootsplashSet struct {
	Header BootsplashHeader

	Splashes []Bootsplash
}

// ImageDecoder is an optional capability for decoding splash payloads. The
// library itself never interprets image data.
type ImageDecoder interface {
	Decode(data []byte) (image interface{}, err error)
}

// ParseBootsplashes parses a SPLASH extent.
func ParseBootsplashes(extent []byte) (bs *BootsplashSet, err error) {
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

	header := BootsplashHeader{}

	err = parseModel(extent, bootsplashHeaderSize, &header)
	log.PanicIf(err)

	if bytes.Equal(header.Magic[:], requiredBootsplashMagic) == false {
		return nil, InvalidMagicError{Where: "bootsplash header"}
	}

	bs = &BootsplashSet{
		Header: header,
	}

	offset := bootsplashHeaderSize

	for i := 0; i < int(header.Count); i++ {
		info := BootsplashInfo{}

		err = parseModel(extent[offset:], bootsplashInfoSize, &info)
		log.PanicIf(err)

		offset += bootsplashInfoSize

		if info.Offset+info.Length > uint64(len(extent)) {
			return nil, fmt.Errorf("%w: splash (%d) range (%d)+(%d) past extent of (%d)", ErrTruncated, i, info.Offset, info.Length, len(extent))
		}

		data := make([]byte, info.Length)
		copy(data, extent[info.Offset:info.Offset+info.Length])

		bs.Splashes = append(bs.Splashes, Bootsplash{
			Info: info,
			Data: data,
		})
	}

	return bs, nil
}

// DecodeImage decodes the i'th splash payload with the given capability.
func (bs *BootsplashSet) DecodeImage(i int, decoder ImageDecoder) (image interface{}, err error) {
	if i < 0 || i >= len(bs.Splashes) {
		return nil, fmt.Errorf("splash index (%d) out of range (%d)", i, len(bs.Splashes))
	}

	if decoder == nil {
		return nil, ErrFeatureNotEnabled
	}

	return decoder.Decode(bs.Splashes[i].Data)
}

// Dump prints the splash records.
func (bs *BootsplashSet) Dump() {
	fmt.Printf("Bootsplashes\n")
	fmt.Printf("============\n")
	fmt.Printf("\n")

	for _, splash := range bs.Splashes {
		fmt.Printf("%s\n", splash.Info)
	}

	fmt.Printf("\n")
}
