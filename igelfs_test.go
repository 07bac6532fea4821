package igelfs

import (
	"errors"
	"testing"
)

func TestParse_InvalidLength(t *testing.T) {
	image := buildStandardTestImage()

	fs := NewFilesystem(newMemoryStore(image[:len(image)-100]))

	err := fs.Parse()
	if errors.Is(err, ErrInvalidImage) != true {
		t.Fatalf("misaligned image not rejected: %v", err)
	}
}

func TestParse_BadMagic(t *testing.T) {
	image := buildStandardTestImage()
	image[4] ^= 0xff

	fs := NewFilesystem(newMemoryStore(image))

	err := fs.Parse()

	ime := InvalidMagicError{}
	if errors.As(err, &ime) != true {
		t.Fatalf("bad magic not rejected: %v", err)
	}
}

func TestReadSectionBytes_OutOfRange(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	_, err := fs.ReadSectionBytes(fs.SectionCount())

	oore := OutOfRangeError{}
	if errors.As(err, &oore) != true {
		t.Fatalf("out-of-range section not rejected: %v", err)
	}

	if oore.N != fs.SectionCount() {
		t.Fatalf("out-of-range index not reported: (%d)", oore.N)
	}
}

func TestWriteSection_ReadOnly(t *testing.T) {
	image := buildStandardTestImage()

	// A bare reader has no write surface.
	fs := NewFilesystem(readOnlyStore{ms: newMemoryStore(image)})

	err := fs.Parse()
	if err != nil {
		panic(err)
	}

	section, err := fs.ReadSection(1)
	if err != nil {
		panic(err)
	}

	err = fs.WriteSection(1, section)
	if err == nil {
		t.Fatalf("write on read-only filesystem did not fail")
	}
}

// readOnlyStore hides the write surface of a memory store.
type readOnlyStore struct {
	ms *memoryStore
}

func (ros readOnlyStore) Read(p []byte) (int, error) {
	return ros.ms.Read(p)
}

func (ros readOnlyStore) Seek(offset int64, whence int) (int64, error) {
	return ros.ms.Seek(offset, whence)
}
