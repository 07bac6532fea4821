// This file parses and serializes the boot registry: the key/value store in
// section zero holding boot flags and identifiers. Two on-disk variants
// exist, discriminated by a magic value at the registry offset.

package igelfs

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dsoprea/go-logging"
)

const (
	bootRegEntrySize     = 64
	bootRegEntryBodySize = bootRegEntrySize - 2
	bootRegHeaderSize    = 16

	bootRegFlagLengthMask   = uint16(0x01ff)
	bootRegFlagContinuation = uint16(0x0200)
	bootRegFlagDeleted      = uint16(0x8000)

	bootRegEofLine = "EOF"
)

var (
	requiredBootRegMagic = uint32(0x47455242)
)

// BootRegistryEntry is one key/value pair of the registry.
type BootRegistryEntry struct {
	Key   string
	Value string
}

// String returns a descriptive string.
func (bre BootRegistryEntry) String() string {
	return fmt.Sprintf("BootRegistryEntry<KEY=[%s] VALUE=[%s]>", bre.Key, bre.Value)
}

// BootRegistry is the parsed registry, in on-disk entry order.
type BootRegistry struct {
	// Structured indicates the fixed-width on-disk variant (as opposed to
	// the legacy line-based one).
	Structured bool

	// Generation is only meaningful for the structured variant.
	Generation uint16

	Entries []BootRegistryEntry
}

// Get returns the value for the given key.
func (br *BootRegistry) Get(key string) (value string, found bool) {
	for _, entry := range br.Entries {
		if entry.Key == key {
			return entry.Value, true
		}
	}

	return "", false
}

// Set stores a value, replacing an existing entry of the same key.
func (br *BootRegistry) Set(key, value string) {
	for i, entry := range br.Entries {
		if entry.Key == key {
			br.Entries[i].Value = value
			return
		}
	}

	br.Entries = append(br.Entries, BootRegistryEntry{Key: key, Value: value})
}

// Dump prints all registry entries.
func (br *BootRegistry) Dump() {
	fmt.Printf("Boot Registry\n")
	fmt.Printf("=============\n")
	fmt.Printf("\n")

	fmt.Printf("Structured: [%v]\n", br.Structured)
	fmt.Printf("\n")

	for _, entry := range br.Entries {
		fmt.Printf("%s\n", entry)
	}

	fmt.Printf("\n")
}

type bootRegHeader struct {
	Magic uint32

	Generation uint16
	NEntries   uint16

	Reserved uint64
}

// bootRegEntryFlags decomposes the two-byte entry flag word.
type bootRegEntryFlags uint16

func (bref bootRegEntryFlags) BodyLength() int {
	return int(uint16(bref) & bootRegFlagLengthMask)
}

func (bref bootRegEntryFlags) IsContinuation() bool {
	return uint16(bref)&bootRegFlagContinuation > 0
}

func (bref bootRegEntryFlags) IsDeleted() bool {
	return uint16(bref)&bootRegFlagDeleted > 0
}

// ParseBootRegistry parses the registry region out of section-zero data (the
// bytes following the section header).
func ParseBootRegistry(data []byte) (br *BootRegistry, err error) {
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

	if len(data) < bootRegistrySize {
		return nil, fmt.Errorf("%w: registry region is (%d) bytes", ErrTruncated, len(data))
	}

	raw := data[:bootRegistrySize]

	magic, err := readU32Le(raw, 0)
	log.PanicIf(err)

	if magic == requiredBootRegMagic {
		br, err = parseStructuredRegistry(raw)
	} else {
		br, err = parseLegacyRegistry(raw)
	}

	// Returned as-is so that callers can match the error kind with errors.Is.
	if err != nil {
		return nil, err
	}

	return br, nil
}

func parseLegacyRegistry(raw []byte) (br *BootRegistry, err error) {
	br = &BootRegistry{}

	// The legacy registry is plain text: newline-separated key=value lines
	// terminated by an EOF line.
	text := string(raw)

	terminated := false
	for _, line := range strings.Split(text, "\n") {
		if line == bootRegEofLine {
			terminated = true
			break
		}

		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if found == false {
			return nil, fmt.Errorf("%w: registry line without separator: [%.32s]", ErrInvalidImage, line)
		}

		br.Entries = append(br.Entries, BootRegistryEntry{Key: key, Value: value})
	}

	if terminated == false {
		return nil, fmt.Errorf("%w: legacy registry not terminated", ErrInvalidImage)
	}

	return br, nil
}

func parseStructuredRegistry(raw []byte) (br *BootRegistry, err error) {
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

	header := bootRegHeader{}

	err = parseModel(raw, bootRegHeaderSize, &header)
	log.PanicIf(err)

	if bootRegHeaderSize+int(header.NEntries)*bootRegEntrySize > len(raw) {
		return nil, fmt.Errorf("%w: (%d) registry entries exceed the region", ErrTruncated, header.NEntries)
	}

	br = &BootRegistry{
		Structured: true,
		Generation: header.Generation,
	}

	haveHead := false

	for i := 0; i < int(header.NEntries); i++ {
		offset := bootRegHeaderSize + i*bootRegEntrySize

		flags := bootRegEntryFlags(defaultEncoding.Uint16(raw[offset:]))
		body := raw[offset+2 : offset+bootRegEntrySize]

		length := flags.BodyLength()
		if length > bootRegEntryBodySize {
			return nil, fmt.Errorf("%w: registry entry (%d) declares (%d) body bytes", ErrInvalidImage, i, length)
		}

		if flags.IsDeleted() == true {
			// Deleted entries still consume a slot.
			haveHead = false
			continue
		}

		if flags.IsContinuation() == true {
			if haveHead == false {
				return nil, fmt.Errorf("%w: continuation entry (%d) without a head", ErrInvalidImage, i)
			}

			last := &br.Entries[len(br.Entries)-1]
			last.Value += string(body[:length])

			continue
		}

		key, value, found := strings.Cut(string(body[:length]), "\x00")
		if found == false {
			return nil, fmt.Errorf("%w: registry entry (%d) has no key terminator", ErrInvalidImage, i)
		}

		br.Entries = append(br.Entries, BootRegistryEntry{Key: key, Value: value})
		haveHead = true
	}

	return br, nil
}

// Serialize writes the registry in structured form into the registry region
// of the given section-zero data buffer. Values longer than one entry body
// spill into continuation entries.
func (br *BootRegistry) Serialize(data []byte) (err error) {
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

	if len(data) < bootRegistrySize {
		return fmt.Errorf("%w: registry region is (%d) bytes", ErrTruncated, len(data))
	}

	raw := data[:bootRegistrySize]
	for i := range raw {
		raw[i] = 0
	}

	offset := bootRegHeaderSize
	entryCount := 0

	put := func(flags uint16, body []byte) (err error) {
		if offset+bootRegEntrySize > len(raw) {
			return fmt.Errorf("%w: registry region full after (%d) entries", ErrTruncated, entryCount)
		}

		writeU16Le(raw, offset, flags|uint16(len(body)))
		copy(raw[offset+2:], body)

		offset += bootRegEntrySize
		entryCount++

		return nil
	}

	for _, entry := range br.Entries {
		head := []byte(entry.Key + "\x00" + entry.Value)

		if len(head) <= bootRegEntryBodySize {
			err = put(0, head)
			log.PanicIf(err)

			continue
		}

		rest := head[bootRegEntryBodySize:]

		err = put(0, head[:bootRegEntryBodySize])
		log.PanicIf(err)

		for len(rest) > 0 {
			chunk := rest
			if len(chunk) > bootRegEntryBodySize {
				chunk = chunk[:bootRegEntryBodySize]
			}

			err = put(bootRegFlagContinuation, chunk)
			log.PanicIf(err)

			rest = rest[len(chunk):]
		}
	}

	header := bootRegHeader{
		Magic:      requiredBootRegMagic,
		Generation: br.Generation,
		NEntries:   uint16(entryCount),
	}

	headerRaw, err := serializeModel(bootRegHeaderSize, &header)
	log.PanicIf(err)

	copy(raw, headerRaw)

	return nil
}

// SerializeLegacy writes the registry in the legacy line-based form.
func (br *BootRegistry) SerializeLegacy(data []byte) (err error) {
	if len(data) < bootRegistrySize {
		return fmt.Errorf("%w: registry region is (%d) bytes", ErrTruncated, len(data))
	}

	var sb strings.Builder

	for _, entry := range br.Entries {
		sb.WriteString(entry.Key)
		sb.WriteString("=")
		sb.WriteString(entry.Value)
		sb.WriteString("\n")
	}

	sb.WriteString(bootRegEofLine)
	sb.WriteString("\n")

	if sb.Len() > bootRegistrySize {
		return fmt.Errorf("%w: registry text of (%d) bytes exceeds the region", ErrTruncated, sb.Len())
	}

	raw := data[:bootRegistrySize]
	for i := range raw {
		raw[i] = 0
	}

	copy(raw, sb.String())

	return nil
}

// BootRegistry reads and parses the registry from section zero.
func (fs *Filesystem) BootRegistry() (br *BootRegistry, err error) {
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

	section, err := fs.ReadSection(0)
	log.PanicIf(err)

	br, err = ParseBootRegistry(section.Data)
	log.PanicIf(err)

	return br, nil
}
