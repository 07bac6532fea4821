// This package reads and writes IGEL filesystem (IGFS) images: the
// section-chained on-disk layout used by IGEL OS firmware. It knows where to
// find the statically-located structures, how to parse them and how to follow
// chains of sections.

package igelfs

import (
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// Filesystem knows where to find all of the statically-located structures of
// an IGFS image and how to follow chains of sections. One handle must not be
// shared between goroutines.
type Filesystem struct {
	rs io.ReadSeeker

	// ws is non-nil when the backing store was opened read-write.
	ws io.WriteSeeker

	// f is owned when the filesystem was opened by path.
	f *os.File

	sectionSize  int64
	sectionCount uint32

	// pending holds in-memory section mutations awaiting Flush, keyed by
	// section number.
	pending map[uint32]*Section

	// dirtyMinors tracks partitions whose integrity data must be recomputed
	// before their pending sections may be flushed.
	dirtyMinors map[uint32]bool
}

// NewFilesystem returns a new Filesystem over the given backing store. Call
// Parse() before any other operation.
func NewFilesystem(rs io.ReadSeeker) *Filesystem {
	fs := &Filesystem{
		rs:          rs,
		pending:     make(map[uint32]*Section),
		dirtyMinors: make(map[uint32]bool),
	}

	if ws, ok := rs.(io.WriteSeeker); ok == true {
		fs.ws = ws
	}

	return fs
}

// OpenFilesystem opens the image file or block device at the given path
// read-only and parses its static structures.
func OpenFilesystem(path string) (fs *Filesystem, err error) {
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

	f, err := os.Open(path)
	log.PanicIf(err)

	fs = NewFilesystem(f)
	fs.f = f
	fs.ws = nil

	err = fs.Parse()
	if err != nil {
		f.Close()
		return nil, err
	}

	return fs, nil
}

// OpenFilesystemReadWrite opens the image read-write.
func OpenFilesystemReadWrite(path string) (fs *Filesystem, err error) {
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

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	log.PanicIf(err)

	fs = NewFilesystem(f)
	fs.f = f

	err = fs.Parse()
	if err != nil {
		f.Close()
		return nil, err
	}

	return fs, nil
}

// Close releases the backing handle if this filesystem owns it. Derived
// Section and Partition views hold copies of bytes and stay usable.
func (fs *Filesystem) Close() (err error) {
	if fs.f != nil {
		err = fs.f.Close()
		fs.f = nil
	}

	fs.rs = nil
	fs.ws = nil

	return err
}

// Parse determines the image geometry from the first section header and
// validates that the backing store is a whole number of sections.
func (fs *Filesystem) Parse() (err error) {
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

	length, err := fs.rs.Seek(0, io.SeekEnd)
	log.PanicIf(err)

	if length < sectionHeaderSize {
		return fmt.Errorf("%w: backing store is only (%d) bytes", ErrInvalidImage, length)
	}

	_, err = fs.rs.Seek(0, io.SeekStart)
	log.PanicIf(err)

	headerRaw := make([]byte, sectionHeaderSize)

	_, err = io.ReadFull(fs.rs, headerRaw)
	log.PanicIf(err)

	sh := SectionHeader{}

	err = parseModel(headerRaw, sectionHeaderSize, &sh)
	log.PanicIf(err)

	if sh.Magic != requiredSectionMagic {
		return InvalidMagicError{Where: "section header"}
	}

	if sh.PartitionMinor != DirectoryMinor {
		return fmt.Errorf("%w: first section has partition minor (%d)", ErrInvalidImage, sh.PartitionMinor)
	}

	sectionSize := int64(sh.SectionSize())

	if length%sectionSize != 0 {
		return fmt.Errorf("%w: length (%d) is not a multiple of the section size (%d)", ErrInvalidImage, length, sectionSize)
	}

	fs.sectionSize = sectionSize
	fs.sectionCount = uint32(length / sectionSize)

	return nil
}

// SectionSize returns the section size of the image in bytes.
func (fs *Filesystem) SectionSize() int64 {
	return fs.sectionSize
}

// SectionCount returns the number of sections in the image.
func (fs *Filesystem) SectionCount() uint32 {
	return fs.sectionCount
}

// ReadSectionBytes reads one raw section.
func (fs *Filesystem) ReadSectionBytes(n uint32) (raw []byte, err error) {
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

	if n >= fs.sectionCount {
		return nil, OutOfRangeError{N: n, Max: fs.sectionCount}
	}

	_, err = fs.rs.Seek(int64(n)*fs.sectionSize, io.SeekStart)
	log.PanicIf(err)

	raw = make([]byte, fs.sectionSize)

	_, err = io.ReadFull(fs.rs, raw)
	log.PanicIf(err)

	return raw, nil
}

// ReadSection reads and constructs the section model for section `n`.
// Pending in-memory mutations shadow the backing store.
func (fs *Filesystem) ReadSection(n uint32) (section *Section, err error) {
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

	if pending, found := fs.pending[n]; found == true {
		return pending, nil
	}

	raw, err := fs.ReadSectionBytes(n)
	log.PanicIf(err)

	section, err = ParseSection(raw)
	log.PanicIf(err)

	return section, nil
}

// WriteSection serializes the section and writes it in place at section `n`.
func (fs *Filesystem) WriteSection(n uint32, section *Section) (err error) {
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

	if n >= fs.sectionCount {
		return OutOfRangeError{N: n, Max: fs.sectionCount}
	}

	if fs.ws == nil {
		return fmt.Errorf("filesystem is not open for writing")
	}

	raw, err := section.Serialize()
	log.PanicIf(err)

	if int64(len(raw)) != fs.sectionSize {
		return fmt.Errorf("%w: section serializes to (%d) bytes, image uses (%d)", ErrInvalidImage, len(raw), fs.sectionSize)
	}

	_, err = fs.ws.Seek(int64(n)*fs.sectionSize, io.SeekStart)
	log.PanicIf(err)

	_, err = fs.ws.Write(raw)
	log.PanicIf(err)

	return nil
}
