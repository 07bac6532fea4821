// This file declares the low-level, on-disk storage structures of the IGEL
// filesystem (IGFS): fixed-size sections chained by ID, with a section-zero
// directory, per-partition headers, extents and optional hash blocks.

package igelfs

import (
	"fmt"
)

const (
	// DefaultSectionSizeExp is the standard section-size exponent
	// (1 << 18 = 256 KiB). The exponent recorded in each section header is
	// authoritative.
	DefaultSectionSizeExp = 18

	// DefaultSectionSize is the standard section size in bytes.
	DefaultSectionSize = 1 << DefaultSectionSizeExp

	// EndOfChain terminates a partition's section chain.
	EndOfChain = uint32(0xffffffff)

	// DirectoryMinor is the partition-minor of the section-zero directory.
	DirectoryMinor = uint32(0)

	sectionHeaderSize     = 32
	partitionHeaderSize   = 96
	extentDescriptorSize  = 40
	hashHeaderSize        = 164
	hashSignatureSize     = 512
	hashExcludeSize       = 32
	hashExcludeRegionSize = 160
	hashValuesOffset      = hashHeaderSize + hashSignatureSize + hashExcludeRegionSize

	crcOffset = 4

	directoryHeaderSize     = 16
	partitionDescriptorSize = 8
	fragmentDescriptorSize  = 8

	maxPartitionDescriptors = 256
	maxFragmentDescriptors  = 1024

	bootRegistryOffset = sectionHeaderSize
	bootRegistrySize   = 16384
	directoryOffset    = bootRegistryOffset + bootRegistrySize
)

var (
	requiredSectionMagic   = uint32(0x46494753)
	requiredPartitionMagic = uint32(0x54524150)
	requiredHashMagic      = uint32(0x48534748)
	requiredDirectoryMagic = uint32(0x52494450)
)

// SectionType identifies the role of a section.
type SectionType uint8

const (
	// SectionTypeDirectory marks the section-zero directory.
	SectionTypeDirectory SectionType = 0

	// SectionTypeData marks an ordinary partition data section.
	SectionTypeData SectionType = 1
)

// SectionHeader is the fixed 32-byte prefix of every section.
type SectionHeader struct {
	// Crc is the CRC32 of the section excluding bytes [0..crcOffset).
	Crc uint32

	// Magic is the constant section magic.
	Magic uint32

	SectionType SectionType

	// SectionSizeExp encodes the section size as (1 << SectionSizeExp).
	SectionSizeExp uint8

	Reserved0 uint16

	// PartitionMinor is the logical partition identifier. Zero means the
	// section-zero directory.
	PartitionMinor uint32

	// Generation is incremented on every rewrite of the section.
	Generation uint16

	// SectionInMinor is the zero-based index of the section within its
	// partition chain.
	SectionInMinor uint32

	// NextSection is the next section number for this partition, or
	// EndOfChain.
	NextSection uint32

	Reserved1 [6]byte
}

// SectionSize returns the section size encoded by the exponent.
func (sh SectionHeader) SectionSize() int {
	return 1 << sh.SectionSizeExp
}

// IsLast indicates that no further sections follow in this chain.
func (sh SectionHeader) IsLast() bool {
	return sh.NextSection == EndOfChain
}

// String returns a descriptive string.
func (sh SectionHeader) String() string {
	return fmt.Sprintf("SectionHeader<MINOR=(%d) IN-MINOR=(%d) NEXT=(0x%08x) GEN=(%d)>", sh.PartitionMinor, sh.SectionInMinor, sh.NextSection, sh.Generation)
}

// PartitionType identifies the content class of a partition.
type PartitionType uint16

const (
	// PartitionTypeEmpty is an unused partition slot.
	PartitionTypeEmpty PartitionType = 0

	// PartitionTypeSystem holds read-only system payloads (kernel,
	// squashfs, splash).
	PartitionTypeSystem PartitionType = 1

	// PartitionTypeWriteable holds the encrypted writable overlay.
	PartitionTypeWriteable PartitionType = 2
)

// PartitionFlags decomposes the partition flag word.
type PartitionFlags uint16

const (
	// PartitionFlagHashed indicates that the partition carries a hash block
	// on its first section.
	PartitionFlagHashed PartitionFlags = 1

	// PartitionFlagEncrypted indicates that the partition's extents are
	// encrypted extent filesystems.
	PartitionFlagEncrypted PartitionFlags = 2
)

// HasHashBlock indicates whether a hash block follows the extent table.
func (pf PartitionFlags) HasHashBlock() bool {
	return pf&PartitionFlagHashed > 0
}

// IsEncrypted indicates whether the partition payload is encrypted.
func (pf PartitionFlags) IsEncrypted() bool {
	return pf&PartitionFlagEncrypted > 0
}

// PartitionHeader sits at the start of the first section of a partition,
// immediately after the section header.
type PartitionHeader struct {
	Magic uint32

	Type  PartitionType
	Flags PartitionFlags

	// PartitionMinor is redundant with the section header but authoritative
	// for identity.
	PartitionMinor uint32

	NExtents  uint16
	Reserved0 uint16

	// PartitionSize is the total payload size in bytes.
	PartitionSize uint64

	OffsetBlocktable uint64

	Name [40]byte

	Reserved1 [24]byte
}

// PartitionName returns the NUL-trimmed partition name.
func (ph PartitionHeader) PartitionName() string {
	return trimName(ph.Name[:])
}

// String returns a descriptive string.
func (ph PartitionHeader) String() string {
	return fmt.Sprintf("PartitionHeader<MINOR=(%d) TYPE=(%d) NAME=[%s] EXTENTS=(%d) SIZE=(%d)>", ph.PartitionMinor, ph.Type, ph.PartitionName(), ph.NExtents, ph.PartitionSize)
}

// Dump prints the partition-header parameters.
func (ph PartitionHeader) Dump() {
	fmt.Printf("Partition Header\n")
	fmt.Printf("================\n")
	fmt.Printf("\n")

	fmt.Printf("PartitionMinor: (%d)\n", ph.PartitionMinor)
	fmt.Printf("Type: (%d)\n", ph.Type)
	fmt.Printf("Flags: (%016b)\n", ph.Flags)
	fmt.Printf("-> HasHashBlock: [%v]\n", ph.Flags.HasHashBlock())
	fmt.Printf("-> IsEncrypted: [%v]\n", ph.Flags.IsEncrypted())
	fmt.Printf("Name: [%s]\n", ph.PartitionName())
	fmt.Printf("NExtents: (%d)\n", ph.NExtents)
	fmt.Printf("PartitionSize: (%d)\n", ph.PartitionSize)
	fmt.Printf("OffsetBlocktable: (%d)\n", ph.OffsetBlocktable)
	fmt.Printf("\n")
}

// ExtentType identifies the payload class of an extent.
type ExtentType uint16

const (
	ExtentTypeInvalid     ExtentType = 0
	ExtentTypeKernel      ExtentType = 1
	ExtentTypeRamdisk     ExtentType = 2
	ExtentTypeSplash      ExtentType = 3
	ExtentTypeChecksums   ExtentType = 4
	ExtentTypeSquashfs    ExtentType = 5
	ExtentTypeWriteable   ExtentType = 6
	ExtentTypeLogin       ExtentType = 7
	ExtentTypeSecToken    ExtentType = 8
	ExtentTypeDeviceTree  ExtentType = 9
	ExtentTypeApplication ExtentType = 10
	ExtentTypeLicense     ExtentType = 11
)

var extentTypeNames = map[ExtentType]string{
	ExtentTypeInvalid:     "invalid",
	ExtentTypeKernel:      "kernel",
	ExtentTypeRamdisk:     "ramdisk",
	ExtentTypeSplash:      "splash",
	ExtentTypeChecksums:   "checksums",
	ExtentTypeSquashfs:    "squashfs",
	ExtentTypeWriteable:   "writeable",
	ExtentTypeLogin:       "login",
	ExtentTypeSecToken:    "sec_token",
	ExtentTypeApplication: "application",
	ExtentTypeDeviceTree:  "device_tree",
	ExtentTypeLicense:     "license",
}

// String returns the conventional name for the extent-type.
func (et ExtentType) String() string {
	if name, found := extentTypeNames[et]; found == true {
		return name
	}

	return fmt.Sprintf("type-%d", uint16(et))
}

// ExtentDescriptor is one fixed-size extent record in the extent table of a
// partition's first section.
type ExtentDescriptor struct {
	Type     ExtentType
	Reserved uint16

	// Offset is the byte offset of the extent within the partition's
	// concatenated payload.
	Offset uint64

	Length uint64

	Name [20]byte
}

// ExtentName returns the NUL-trimmed extent name.
func (ed ExtentDescriptor) ExtentName() string {
	return trimName(ed.Name[:])
}

// String returns a descriptive string.
func (ed ExtentDescriptor) String() string {
	return fmt.Sprintf("Extent<TYPE=[%s] NAME=[%s] OFFSET=(%d) LENGTH=(%d)>", ed.Type, ed.ExtentName(), ed.Offset, ed.Length)
}

// HashHeader leads the hash block of a signed partition.
type HashHeader struct {
	Magic uint32

	Version uint16

	// HashType is (1) for BLAKE2b.
	HashType uint16

	// HashBytes is the digest size in bytes.
	HashBytes uint16

	CountExcludes uint16

	// CountHash is the number of digests (one per section in the chain).
	CountHash uint32

	// HashBlockSize is HashBytes * CountHash.
	HashBlockSize uint32

	// SignatureAlgo is (1) for RSA-4096 PKCS#1 v1.5 over SHA-256.
	SignatureAlgo uint16

	SignatureSize uint16

	Reserved [140]byte
}

const (
	hashTypeBlake2b        = uint16(1)
	signatureAlgoRsaSha256 = uint16(1)
)

// String returns a descriptive string.
func (hh HashHeader) String() string {
	return fmt.Sprintf("HashHeader<HASH-BYTES=(%d) COUNT-HASH=(%d) COUNT-EXCLUDES=(%d)>", hh.HashBytes, hh.CountHash, hh.CountExcludes)
}

// HashExclude is one excluded byte range. Start and End are absolute byte
// addresses into the image; End is inclusive.
type HashExclude struct {
	Start uint64
	End   uint64
	Size  uint64

	Reserved uint64
}

// String returns a descriptive string.
func (he HashExclude) String() string {
	return fmt.Sprintf("HashExclude<START=(%d) END=(%d) SIZE=(%d)>", he.Start, he.End, he.Size)
}

// DirectoryHeader leads the section-zero directory region.
type DirectoryHeader struct {
	Magic uint32

	NPartitions uint16
	NFragments  uint16

	Reserved uint64
}

// PartitionDescriptor maps a partition minor to its first fragment.
type PartitionDescriptor struct {
	Minor uint32

	FirstFragment uint16
	NFragments    uint16
}

// String returns a descriptive string.
func (pd PartitionDescriptor) String() string {
	return fmt.Sprintf("PartitionDescriptor<MINOR=(%d) FIRST-FRAGMENT=(%d) N-FRAGMENTS=(%d)>", pd.Minor, pd.FirstFragment, pd.NFragments)
}

// FragmentDescriptor names a run of sections belonging to one partition.
type FragmentDescriptor struct {
	FirstSection uint32
	Length       uint32
}

// String returns a descriptive string.
func (fd FragmentDescriptor) String() string {
	return fmt.Sprintf("FragmentDescriptor<FIRST-SECTION=(%d) LENGTH=(%d)>", fd.FirstSection, fd.Length)
}
