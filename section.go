// This file manages the section model: the fixed header, the optional
// partition and hash blocks on a partition's first section, and the payload.

package igelfs

import (
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// PartitionBlock groups the partition header with its extent table.
type PartitionBlock struct {
	Header  PartitionHeader
	Extents []ExtentDescriptor
}

// Size returns the serialized size of the block.
func (pb *PartitionBlock) Size() int {
	return partitionHeaderSize + len(pb.Extents)*extentDescriptorSize
}

// FindExtent returns the extent descriptor with the given name.
func (pb *PartitionBlock) FindExtent(name string) (ed ExtentDescriptor, found bool) {
	for _, ed := range pb.Extents {
		if ed.ExtentName() == name {
			return ed, true
		}
	}

	return ed, false
}

// HashBlock groups the hash header with its signature, exclude table and
// digest values.
type HashBlock struct {
	Header HashHeader

	// Signature covers SHA-256(values || serialized excludes).
	Signature []byte

	Excludes []HashExclude

	// Values holds CountHash digests of HashBytes each, in chain order.
	Values []byte
}

// Size returns the serialized size of the block. The signature and exclude
// regions have fixed geometry, so only the value region varies.
func (hb *HashBlock) Size() int {
	return hashValuesOffset + len(hb.Values)
}

// Value returns the digest for the i'th section of the chain.
func (hb *HashBlock) Value(i int) []byte {
	hashBytes := int(hb.Header.HashBytes)
	return hb.Values[i*hashBytes : (i+1)*hashBytes]
}

// Section is one fixed-size chunk of the image: the unit of CRC and hash.
type Section struct {
	Header SectionHeader

	// Partition and Hash are populated by Derive() on the first section of a
	// partition and are nil otherwise.
	Partition *PartitionBlock
	Hash      *HashBlock

	// Data is everything after the section header.
	Data []byte

	// payloadStart is the offset of the payload within Data, established by
	// Derive().
	payloadStart int
}

// NewSection constructs a section with declared defaults: valid magic, the
// given geometry and an end-of-chain next pointer.
func NewSection(minor, sectionInMinor uint32, sectionSizeExp uint8) *Section {
	sectionType := SectionTypeData
	if minor == DirectoryMinor {
		sectionType = SectionTypeDirectory
	}

	return &Section{
		Header: SectionHeader{
			Magic:          requiredSectionMagic,
			SectionType:    sectionType,
			SectionSizeExp: sectionSizeExp,
			PartitionMinor: minor,
			SectionInMinor: sectionInMinor,
			NextSection:    EndOfChain,
		},
		Data: make([]byte, (1<<sectionSizeExp)-sectionHeaderSize),
	}
}

// ParseSection constructs a section model from exactly one section worth of
// bytes. Derived groups are not parsed here; call Derive() explicitly.
func ParseSection(raw []byte) (section *Section, err error) {
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

	sh := SectionHeader{}

	err = parseModel(raw, sectionHeaderSize, &sh)
	log.PanicIf(err)

	if sh.Magic != requiredSectionMagic {
		return nil, InvalidMagicError{Where: "section header"}
	}

	if sh.SectionSize() != len(raw) {
		return nil, fmt.Errorf("%w: header says (%d) byte sections, buffer is (%d)", ErrInvalidImage, sh.SectionSize(), len(raw))
	}

	data := make([]byte, len(raw)-sectionHeaderSize)
	copy(data, raw[sectionHeaderSize:])

	section = &Section{
		Header: sh,
		Data:   data,
	}

	return section, nil
}

// HasPartitionBlock indicates whether the raw data leads with a partition
// header. Only meaningful before or after Derive().
func (s *Section) HasPartitionBlock() bool {
	if s.Partition != nil {
		return true
	}

	if len(s.Data) < partitionHeaderSize {
		return false
	}

	magic, err := readU32Le(s.Data, 0)
	log.PanicIf(err)

	return magic == requiredPartitionMagic
}

// Derive re-parses the section data into the partition block, hash block and
// payload. It is a no-op for sections that do not lead a partition.
func (s *Section) Derive() (err error) {
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

	s.Partition = nil
	s.Hash = nil
	s.payloadStart = 0

	if s.Header.SectionInMinor != 0 || s.Header.PartitionMinor == DirectoryMinor {
		return nil
	}

	if s.HasPartitionBlock() == false {
		return nil
	}

	ph := PartitionHeader{}

	err = parseModel(s.Data, partitionHeaderSize, &ph)
	log.PanicIf(err)

	if ph.PartitionMinor != s.Header.PartitionMinor {
		return fmt.Errorf("%w: partition header minor (%d) disagrees with section header minor (%d)", ErrInvalidImage, ph.PartitionMinor, s.Header.PartitionMinor)
	}

	offset := partitionHeaderSize

	extents := make([]ExtentDescriptor, ph.NExtents)
	for i := 0; i < int(ph.NExtents); i++ {
		err = parseModel(s.Data[offset:], extentDescriptorSize, &extents[i])
		log.PanicIf(err)

		offset += extentDescriptorSize
	}

	s.Partition = &PartitionBlock{
		Header:  ph,
		Extents: extents,
	}

	if ph.Flags.HasHashBlock() == true {
		hash, consumed, err := parseHashBlock(s.Data[offset:])
		log.PanicIf(err)

		s.Hash = hash
		offset += consumed
	}

	s.payloadStart = offset

	return nil
}

func parseHashBlock(raw []byte) (hb *HashBlock, consumed int, err error) {
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

	hh := HashHeader{}

	err = parseModel(raw, hashHeaderSize, &hh)
	log.PanicIf(err)

	if hh.Magic != requiredHashMagic {
		return nil, 0, InvalidMagicError{Where: "hash header"}
	}

	if int(hh.CountExcludes)*hashExcludeSize > hashExcludeRegionSize {
		return nil, 0, fmt.Errorf("%w: exclude count (%d) exceeds table capacity", ErrInvalidImage, hh.CountExcludes)
	}

	if hh.HashBlockSize != uint32(hh.HashBytes)*hh.CountHash {
		return nil, 0, fmt.Errorf("%w: hash block size (%d) != hash bytes (%d) * count (%d)", ErrInvalidImage, hh.HashBlockSize, hh.HashBytes, hh.CountHash)
	}

	signature, err := readBytes(raw, hashHeaderSize, hashSignatureSize)
	log.PanicIf(err)

	excludes := make([]HashExclude, hh.CountExcludes)

	offset := hashHeaderSize + hashSignatureSize
	for i := 0; i < int(hh.CountExcludes); i++ {
		err = parseModel(raw[offset:], hashExcludeSize, &excludes[i])
		log.PanicIf(err)

		offset += hashExcludeSize
	}

	values, err := readBytes(raw, hashValuesOffset, int(hh.HashBlockSize))
	log.PanicIf(err)

	hb = &HashBlock{
		Header:    hh,
		Signature: signature,
		Excludes:  excludes,
		Values:    values,
	}

	return hb, hb.Size(), nil
}

// Payload returns the section bytes that belong to the partition's
// concatenated payload (everything after any derived blocks).
func (s *Section) Payload() []byte {
	return s.Data[s.payloadStart:]
}

// derivedPrefixSize is the serialized size of the partition and hash blocks.
func (s *Section) derivedPrefixSize() int {
	size := 0

	if s.Partition != nil {
		size += s.Partition.Size()
	}

	if s.Hash != nil {
		size += s.Hash.Size()
	}

	return size
}

// Serialize reassembles the section into exactly one section worth of bytes:
// header, derived blocks (if any), payload, zero padding.
func (s *Section) Serialize() (raw []byte, err error) {
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

	sectionSize := s.Header.SectionSize()
	raw = make([]byte, sectionSize)

	headerRaw, err := serializeModel(sectionHeaderSize, &s.Header)
	log.PanicIf(err)

	copy(raw, headerRaw)

	offset := sectionHeaderSize

	if s.Partition != nil {
		blockRaw, err := serializeModel(partitionHeaderSize, &s.Partition.Header)
		log.PanicIf(err)

		copy(raw[offset:], blockRaw)
		offset += partitionHeaderSize

		for i := range s.Partition.Extents {
			extentRaw, err := serializeModel(extentDescriptorSize, &s.Partition.Extents[i])
			log.PanicIf(err)

			copy(raw[offset:], extentRaw)
			offset += extentDescriptorSize
		}
	}

	if s.Hash != nil {
		blockRaw, err := serializeHashBlock(s.Hash)
		log.PanicIf(err)

		copy(raw[offset:], blockRaw)
		offset += len(blockRaw)
	}

	payload := s.Data[s.payloadStart:]

	if offset+len(payload) > sectionSize {
		log.Panicf("section content exceeds section size: (%d) > (%d)", offset+len(payload), sectionSize)
	}

	copy(raw[offset:], payload)

	return raw, nil
}

func serializeHashBlock(hb *HashBlock) (raw []byte, err error) {
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

	raw = make([]byte, hb.Size())

	headerRaw, err := serializeModel(hashHeaderSize, &hb.Header)
	log.PanicIf(err)

	copy(raw, headerRaw)

	if len(hb.Signature) != hashSignatureSize {
		log.Panicf("signature is (%d) bytes instead of (%d)", len(hb.Signature), hashSignatureSize)
	}

	copy(raw[hashHeaderSize:], hb.Signature)

	offset := hashHeaderSize + hashSignatureSize
	for i := range hb.Excludes {
		excludeRaw, err := serializeModel(hashExcludeSize, &hb.Excludes[i])
		log.PanicIf(err)

		copy(raw[offset:], excludeRaw)
		offset += hashExcludeSize
	}

	copy(raw[hashValuesOffset:], hb.Values)

	return raw, nil
}
