// Test support: an in-memory backing store and a fixture builder that
// synthesizes whole images through the same models and pipeline that the
// tests exercise.

package igelfs

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"sync"
)

// memoryStore is a fixed-size in-memory backing store.
type memoryStore struct {
	data   []byte
	offset int64
}

func newMemoryStore(data []byte) *memoryStore {
	return &memoryStore{
		data: data,
	}
}

func (ms *memoryStore) Read(p []byte) (n int, err error) {
	if ms.offset >= int64(len(ms.data)) {
		return 0, io.EOF
	}

	n = copy(p, ms.data[ms.offset:])
	ms.offset += int64(n)

	return n, nil
}

func (ms *memoryStore) Write(p []byte) (n int, err error) {
	if ms.offset+int64(len(p)) > int64(len(ms.data)) {
		return 0, fmt.Errorf("write past end of store")
	}

	n = copy(ms.data[ms.offset:], p)
	ms.offset += int64(n)

	return n, nil
}

func (ms *memoryStore) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		ms.offset = offset
	case io.SeekCurrent:
		ms.offset += offset
	case io.SeekEnd:
		ms.offset = int64(len(ms.data)) + offset
	}

	if ms.offset < 0 {
		return 0, fmt.Errorf("negative seek offset")
	}

	return ms.offset, nil
}

var (
	testSigningKeyOnce sync.Once
	testSigningKey     *rsa.PrivateKey
)

// getTestSigningKey generates one RSA-4096 key per test binary.
func getTestSigningKey() *rsa.PrivateKey {
	testSigningKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 4096)
		if err != nil {
			panic(err)
		}

		testSigningKey = key
	})

	return testSigningKey
}

// testPartitionSpec declares one partition of a fixture image.
type testPartitionSpec struct {
	minor     uint32
	nSections int
	name      string
	ptype     PartitionType
	extents   []ExtentDescriptor
	payload   []byte
	hashed    bool
	encrypted bool
}

// buildTestImage synthesizes a complete image: section zero with a legacy
// boot registry and directory, then one contiguous chain per partition.
// Hashed partitions are signed with the given key.
func buildTestImage(sectionSizeExp uint8, registry *BootRegistry, parts []testPartitionSpec, key *rsa.PrivateKey) []byte {
	sectionSize := 1 << sectionSizeExp

	total := 1
	for _, spec := range parts {
		total += spec.nSections
	}

	image := make([]byte, total*sectionSize)

	// Section zero.

	zero := NewSection(DirectoryMinor, 0, sectionSizeExp)

	if registry == nil {
		registry = &BootRegistry{
			Entries: []BootRegistryEntry{
				{Key: "boot_id", Value: "deadbeefdeadbeefdeadbeefdeadbeef"},
			},
		}
	}

	err := registry.SerializeLegacy(zero.Data)
	if err != nil {
		panic(err)
	}

	directory := &Directory{}

	next := uint32(1)
	for _, spec := range parts {
		directory.Partitions = append(directory.Partitions, PartitionDescriptor{
			Minor:         spec.minor,
			FirstFragment: uint16(len(directory.Fragments)),
			NFragments:    1,
		})

		directory.Fragments = append(directory.Fragments, FragmentDescriptor{
			FirstSection: next,
			Length:       uint32(spec.nSections),
		})

		next += uint32(spec.nSections)
	}

	err = directory.Serialize(zero.Data)
	if err != nil {
		panic(err)
	}

	err = zero.UpdateChecksum()
	if err != nil {
		panic(err)
	}

	raw, err := zero.Serialize()
	if err != nil {
		panic(err)
	}

	copy(image, raw)

	// Partition chains.

	next = 1
	for _, spec := range parts {
		first := next

		sections := make([]*Section, spec.nSections)
		numbers := make([]uint32, spec.nSections)

		remaining := spec.payload

		for i := 0; i < spec.nSections; i++ {
			sectionNumber := first + uint32(i)
			numbers[i] = sectionNumber

			section := NewSection(spec.minor, uint32(i), sectionSizeExp)

			if i+1 < spec.nSections {
				section.Header.NextSection = sectionNumber + 1
			}

			capacity := sectionSize - sectionHeaderSize

			if i == 0 {
				flags := PartitionFlags(0)
				if spec.hashed == true {
					flags |= PartitionFlagHashed
				}
				if spec.encrypted == true {
					flags |= PartitionFlagEncrypted
				}

				ph := PartitionHeader{
					Magic:          requiredPartitionMagic,
					Type:           spec.ptype,
					Flags:          flags,
					PartitionMinor: spec.minor,
					NExtents:       uint16(len(spec.extents)),
					PartitionSize:  uint64(len(spec.payload)),
				}

				putName(ph.Name[:], spec.name)

				section.Partition = &PartitionBlock{
					Header:  ph,
					Extents: spec.extents,
				}

				capacity -= section.Partition.Size()

				if spec.hashed == true {
					hashBytes := 32

					hb := &HashBlock{
						Header: HashHeader{
							Magic:         requiredHashMagic,
							Version:       1,
							HashType:      hashTypeBlake2b,
							HashBytes:     uint16(hashBytes),
							CountHash:     uint32(spec.nSections),
							HashBlockSize: uint32(hashBytes * spec.nSections),
							SignatureAlgo: signatureAlgoRsaSha256,
							SignatureSize: hashSignatureSize,
						},
						Signature: make([]byte, hashSignatureSize),
						Values:    make([]byte, hashBytes*spec.nSections),
					}

					hb.Excludes = defaultSigningExcludes(first, int64(sectionSize), section.Partition, hb.Size())
					hb.Header.CountExcludes = uint16(len(hb.Excludes))

					section.Hash = hb

					capacity -= hb.Size()
				}
			}

			payload := make([]byte, capacity)
			n := copy(payload, remaining)
			remaining = remaining[n:]

			section.Data = payload

			sections[i] = section
		}

		partition := &Partition{
			Minor:          spec.minor,
			SectionNumbers: numbers,
			Sections:       sections,
		}

		var signer Signer
		if spec.hashed == true && key != nil {
			signer = RsaSigner{Key: key}
		}

		err = (&Filesystem{}).rebuildPartitionIntegrity(partition, signer)
		if err != nil {
			panic(err)
		}

		for i, section := range sections {
			raw, err := section.Serialize()
			if err != nil {
				panic(err)
			}

			copy(image[int(numbers[i])*sectionSize:], raw)
		}

		next += uint32(spec.nSections)
	}

	return image
}

// openTestImage wraps an image buffer in a writable filesystem.
func openTestImage(image []byte) *Filesystem {
	fs := NewFilesystem(newMemoryStore(image))

	err := fs.Parse()
	if err != nil {
		panic(err)
	}

	return fs
}
