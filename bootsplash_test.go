package igelfs

import (
	"bytes"
	"errors"
	"testing"
)

// buildSplashExtent assembles a two-image splash container.
func buildSplashExtent() (extent []byte, first, second []byte) {
	first = bytes.Repeat([]byte{0x11}, 300)
	second = bytes.Repeat([]byte{0x22}, 500)

	payloadOffset := bootsplashHeaderSize + 2*bootsplashInfoSize

	header := BootsplashHeader{
		Count: 2,
	}

	copy(header.Magic[:], requiredBootsplashMagic)

	infos := []BootsplashInfo{
		{
			Offset: uint64(payloadOffset),
			Length: uint64(len(first)),
			Format: 1,
			Width:  640,
			Height: 480,
		},
		{
			Offset: uint64(payloadOffset + len(first)),
			Length: uint64(len(second)),
			Format: 2,
			Width:  1920,
			Height: 1080,
		},
	}

	extent = make([]byte, payloadOffset+len(first)+len(second))

	headerRaw, err := serializeModel(bootsplashHeaderSize, &header)
	if err != nil {
		panic(err)
	}

	copy(extent, headerRaw)

	offset := bootsplashHeaderSize
	for i := range infos {
		infoRaw, err := serializeModel(bootsplashInfoSize, &infos[i])
		if err != nil {
			panic(err)
		}

		copy(extent[offset:], infoRaw)
		offset += bootsplashInfoSize
	}

	copy(extent[payloadOffset:], first)
	copy(extent[payloadOffset+len(first):], second)

	return extent, first, second
}

func TestParseBootsplashes(t *testing.T) {
	extent, first, second := buildSplashExtent()

	bs, err := ParseBootsplashes(extent)
	if err != nil {
		panic(err)
	}

	if len(bs.Splashes) != 2 {
		t.Fatalf("splash count not correct: (%d)", len(bs.Splashes))
	}

	if bytes.Equal(bs.Splashes[0].Data, first) != true {
		t.Fatalf("first splash payload not correct")
	}

	if bytes.Equal(bs.Splashes[1].Data, second) != true {
		t.Fatalf("second splash payload not correct")
	}

	if bs.Splashes[1].Info.Width != 1920 || bs.Splashes[1].Info.Height != 1080 {
		t.Fatalf("splash dimensions not correct: %s", bs.Splashes[1].Info)
	}
}

func TestParseBootsplashes_InvalidMagic(t *testing.T) {
	extent := make([]byte, 256)

	_, err := ParseBootsplashes(extent)

	ime := InvalidMagicError{}
	if errors.As(err, &ime) != true {
		t.Fatalf("invalid splash magic not detected: %v", err)
	}
}

func TestParseBootsplashes_RangePastExtent(t *testing.T) {
	extent, _, _ := buildSplashExtent()

	// Grow the first record past the end of the extent.
	writeU64Le(extent, bootsplashHeaderSize+8, uint64(len(extent)))

	_, err := ParseBootsplashes(extent)
	if errors.Is(err, ErrTruncated) != true {
		t.Fatalf("overlong splash range not rejected: %v", err)
	}
}

func TestDecodeImage_FeatureNotEnabled(t *testing.T) {
	extent, _, _ := buildSplashExtent()

	bs, err := ParseBootsplashes(extent)
	if err != nil {
		panic(err)
	}

	_, err = bs.DecodeImage(0, nil)
	if errors.Is(err, ErrFeatureNotEnabled) != true {
		t.Fatalf("missing decoder capability not reported: %v", err)
	}
}
