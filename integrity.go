// This file implements the integrity pipeline: CRC32 checksums, the BLAKE2b
// hash chain with byte-range exclusions, RSA-signed hash manifests and the
// write ordering that keeps all three consistent.
//
// The write ordering is mandatory: hash values first, then the signature
// over the hash manifest, then the CRC of every section, last.

package igelfs

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"hash/crc32"
	"reflect"

	"github.com/dsoprea/go-logging"

	"golang.org/x/crypto/blake2b"
)

// Signer signs a SHA-256 digest of the hash manifest. Private keys are not
// part of the library; callers provide this capability or signing is
// skipped.
type Signer interface {
	Sign(digest []byte) (signature []byte, err error)
}

// RsaSigner is a Signer over an in-memory RSA private key.
type RsaSigner struct {
	Key *rsa.PrivateKey
}

// Sign produces a PKCS#1 v1.5 signature over the given SHA-256 digest.
func (rs RsaSigner) Sign(digest []byte) (signature []byte, err error) {
	return rsa.SignPKCS1v15(rand.Reader, rs.Key, crypto.SHA256, digest)
}

// sectionCrc computes the CRC32 (IEEE) of a serialized section, excluding
// the checksum field itself.
func sectionCrc(raw []byte) uint32 {
	return crc32.ChecksumIEEE(raw[crcOffset:])
}

// UpdateChecksum recomputes and stores the section checksum. This must be
// the last mutation before the section is written.
func (s *Section) UpdateChecksum() (err error) {
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

	raw, err := s.Serialize()
	log.PanicIf(err)

	s.Header.Crc = sectionCrc(raw)

	return nil
}

// maskedSection returns a serialized copy of the section with all excluded
// byte ranges replaced by zeros, ready for hashing.
//
// The header checksum, generation and next-pointer ranges are always
// excluded. HashExclude records carry absolute image addresses and are
// translated to per-section offsets here.
func maskedSection(raw []byte, sectionNumber uint32, excludes []HashExclude) []byte {
	masked := make([]byte, len(raw))
	copy(masked, raw)

	zero := func(start, end int) {
		if start < 0 {
			start = 0
		}
		if end >= len(masked) {
			end = len(masked) - 1
		}
		for i := start; i <= end; i++ {
			masked[i] = 0
		}
	}

	// Dynamic header fields.
	zero(0, crcOffset-1)
	zero(16, 17)
	zero(22, 25)

	base := uint64(sectionNumber) * uint64(len(raw))
	limit := base + uint64(len(raw)) - 1

	for _, he := range excludes {
		if he.End < base || he.Start > limit {
			continue
		}

		start := int64(0)
		if he.Start > base {
			start = int64(he.Start - base)
		}

		end := int64(limit - base)
		if he.End < limit {
			end = int64(he.End - base)
		}

		zero(int(start), int(end))
	}

	return masked
}

// sectionDigest hashes a masked section with BLAKE2b at the hash block's
// digest size.
func sectionDigest(raw []byte, sectionNumber uint32, hb *HashBlock) (digest []byte, err error) {
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

	if hb.Header.HashType != hashTypeBlake2b {
		return nil, fmt.Errorf("unsupported hash type (%d)", hb.Header.HashType)
	}

	h, err := blake2b.New(int(hb.Header.HashBytes), nil)
	log.PanicIf(err)

	masked := maskedSection(raw, sectionNumber, hb.Excludes)

	_, err = h.Write(masked)
	log.PanicIf(err)

	return h.Sum(nil), nil
}

// signatureManifest serializes the signed region of a hash block: the
// concatenated hash values followed by the exclude records.
func signatureManifest(hb *HashBlock) (manifest []byte, err error) {
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

	manifest = make([]byte, 0, len(hb.Values)+len(hb.Excludes)*hashExcludeSize)
	manifest = append(manifest, hb.Values...)

	for i := range hb.Excludes {
		excludeRaw, err := serializeModel(hashExcludeSize, &hb.Excludes[i])
		log.PanicIf(err)

		manifest = append(manifest, excludeRaw...)
	}

	return manifest, nil
}

// defaultSigningExcludes returns the exclude records for a signed partition
// whose first section lives at the given section number: the signature field
// and the hash-value region, as absolute image addresses.
func defaultSigningExcludes(firstSectionNumber uint32, sectionSize int64, pb *PartitionBlock, hashBlockSize int) []HashExclude {
	base := uint64(firstSectionNumber)*uint64(sectionSize) + sectionHeaderSize + uint64(pb.Size())

	signatureStart := base + hashHeaderSize
	valuesStart := base + hashValuesOffset
	valuesSize := uint64(hashBlockSize) - hashValuesOffset

	return []HashExclude{
		{
			Start: signatureStart,
			End:   signatureStart + hashSignatureSize - 1,
			Size:  hashSignatureSize,
		},
		{
			Start: valuesStart,
			End:   valuesStart + valuesSize - 1,
			Size:  valuesSize,
		},
	}
}

// VerifySection checks one section. The CRC is always checked; the hash
// chain is only consulted with deep == true (and only for sections of signed
// partitions). Signature checks happen at the partition level.
func (fs *Filesystem) VerifySection(n uint32, deep bool) (err error) {
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

	raw, err := fs.ReadSectionBytes(n)
	log.PanicIf(err)

	section, err := ParseSection(raw)
	log.PanicIf(err)

	if sectionCrc(raw) != section.Header.Crc {
		return ChecksumError{Section: n}
	}

	if deep == false || section.Header.PartitionMinor == DirectoryMinor {
		return nil
	}

	partition, err := fs.GetPartition(section.Header.PartitionMinor)
	log.PanicIf(err)

	hb := partition.HashBlock()
	if hb == nil {
		return nil
	}

	for i, sectionNumber := range partition.SectionNumbers {
		if sectionNumber != n {
			continue
		}

		digest, err := sectionDigest(raw, n, hb)
		log.PanicIf(err)

		if bytes.Equal(digest, hb.Value(i)) == false {
			return HashMismatchError{Section: n}
		}

		break
	}

	return nil
}

// VerifyPartition checks every section of a partition: CRC always, the
// BLAKE2b chain when deep, and the hash-manifest signature once (against the
// given keyring) when the partition is signed.
func (fs *Filesystem) VerifyPartition(minor uint32, deep bool, keyring *Keyring) (err error) {
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

	partition, err := fs.GetPartition(minor)
	log.PanicIf(err)

	hb := partition.HashBlock()

	if hb != nil {
		if int(hb.Header.CountHash) != len(partition.Sections) {
			return fmt.Errorf("%w: hash count (%d) != chain length (%d)", ErrInvalidImage, hb.Header.CountHash, len(partition.Sections))
		}

		err = keyring.VerifyHashBlock(hb)
		if err != nil {
			return err
		}
	}

	for i, sectionNumber := range partition.SectionNumbers {
		raw, err := partition.Sections[i].Serialize()
		log.PanicIf(err)

		if sectionCrc(raw) != partition.Sections[i].Header.Crc {
			return ChecksumError{Section: sectionNumber}
		}

		if deep == true && hb != nil {
			digest, err := sectionDigest(raw, sectionNumber, hb)
			log.PanicIf(err)

			if bytes.Equal(digest, hb.Value(i)) == false {
				return HashMismatchError{Section: sectionNumber}
			}
		}
	}

	return nil
}

// VerifyImage checks section zero and every partition in the directory.
// The first failure aborts the verification.
func (fs *Filesystem) VerifyImage(deep bool, keyring *Keyring) (err error) {
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

	err = fs.VerifySection(0, false)
	log.PanicIf(err)

	directory, err := fs.Directory()
	log.PanicIf(err)

	for _, pd := range directory.Partitions {
		err = fs.VerifyPartition(pd.Minor, deep, keyring)
		if err != nil {
			return err
		}
	}

	return nil
}

// rebuildPartitionIntegrity recomputes the hash chain and signature of a
// partition's first section, then the CRC of every section. The ordering is
// load-bearing: hashes exclude the signature and CRC fields, the signature
// covers the finished hash values, and the CRC covers everything else.
func (fs *Filesystem) rebuildPartitionIntegrity(partition *Partition, signer Signer) (err error) {
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

	hb := partition.HashBlock()

	if hb != nil {
		hashBytes := int(hb.Header.HashBytes)

		// The value region is excluded from the digests, but its size still
		// shapes the section layout, so it is resized before any hashing.
		hb.Header.CountHash = uint32(len(partition.Sections))
		hb.Header.HashBlockSize = uint32(hashBytes * len(partition.Sections))
		hb.Values = make([]byte, hashBytes*len(partition.Sections))

		for i, section := range partition.Sections {
			raw, err := section.Serialize()
			log.PanicIf(err)

			digest, err := sectionDigest(raw, partition.SectionNumbers[i], hb)
			log.PanicIf(err)

			copy(hb.Values[i*hashBytes:], digest)
		}

		if signer != nil {
			manifest, err := signatureManifest(hb)
			log.PanicIf(err)

			digest := sha256.Sum256(manifest)

			signature, err := signer.Sign(digest[:])
			log.PanicIf(err)

			if len(signature) != hashSignatureSize {
				return fmt.Errorf("signer produced (%d) bytes, field holds (%d)", len(signature), hashSignatureSize)
			}

			hb.Signature = signature
		}
	}

	for _, section := range partition.Sections {
		err = section.UpdateChecksum()
		log.PanicIf(err)
	}

	return nil
}

// Flush reruns the integrity pipeline for every dirty partition and writes
// the staged sections through to the backing store. With a nil signer the
// existing signature is left in place.
func (fs *Filesystem) Flush(signer Signer) (err error) {
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

	for minor := range fs.dirtyMinors {
		partition, err := fs.GetPartition(minor)
		log.PanicIf(err)

		for i, sectionNumber := range partition.SectionNumbers {
			if _, found := fs.pending[sectionNumber]; found == true {
				partition.Sections[i].Header.Generation++
			}
		}

		err = fs.rebuildPartitionIntegrity(partition, signer)
		log.PanicIf(err)

		for i, sectionNumber := range partition.SectionNumbers {
			err = fs.WriteSection(sectionNumber, partition.Sections[i])
			log.PanicIf(err)

			delete(fs.pending, sectionNumber)
		}

		delete(fs.dirtyMinors, minor)
	}

	return nil
}

// RewritePartition routes an identity mutation of the partition through the
// full write pipeline: every section is rehashed, resigned and
// rechecksummed, with its generation bumped.
func (fs *Filesystem) RewritePartition(minor uint32, signer Signer) (err error) {
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

	partition, err := fs.GetPartition(minor)
	log.PanicIf(err)

	for i, sectionNumber := range partition.SectionNumbers {
		fs.pending[sectionNumber] = partition.Sections[i]
	}

	fs.dirtyMinors[minor] = true

	err = fs.Flush(signer)
	log.PanicIf(err)

	return nil
}
