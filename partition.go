// This file supports traversing partition chains: following next-section
// pointers from the directory's first section, aggregating extents and
// staging payload writes.

package igelfs

import (
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// SectionVisitorFunc is a visitor callback as all sections in a chain are
// visited.
type SectionVisitorFunc func(sectionNumber uint32, section *Section) (doContinue bool, err error)

// ProgressFunc is an optional progress callback for chain walks. Returning
// false aborts the walk.
type ProgressFunc func(sectionsVisited int) (doContinue bool)

// Partition is a fully-walked view of one partition chain. It holds copies
// of section bytes and stays valid after the filesystem is closed.
type Partition struct {
	Minor uint32

	SectionNumbers []uint32
	Sections       []*Section
}

// Block returns the partition block from the chain's first section, if
// present.
func (p *Partition) Block() *PartitionBlock {
	if len(p.Sections) == 0 {
		return nil
	}

	return p.Sections[0].Partition
}

// HashBlock returns the hash block from the chain's first section, if
// present.
func (p *Partition) HashBlock() *HashBlock {
	if len(p.Sections) == 0 {
		return nil
	}

	return p.Sections[0].Hash
}

// Extents returns the partition's extent table.
func (p *Partition) Extents() []ExtentDescriptor {
	pb := p.Block()
	if pb == nil {
		return nil
	}

	return pb.Extents
}

// Payload returns the partition's concatenated payload across all chained
// sections.
func (p *Partition) Payload() []byte {
	total := 0
	for _, section := range p.Sections {
		total += len(section.Payload())
	}

	payload := make([]byte, 0, total)
	for _, section := range p.Sections {
		payload = append(payload, section.Payload()...)
	}

	return payload
}

// GetExtent returns the raw bytes of the named extent. The byte range may
// span multiple chained sections.
func (p *Partition) GetExtent(name string) (data []byte, err error) {
	pb := p.Block()
	if pb == nil {
		return nil, fmt.Errorf("partition (%d) has no extent table", p.Minor)
	}

	ed, found := pb.FindExtent(name)
	if found == false {
		return nil, fmt.Errorf("partition (%d) has no extent [%s]", p.Minor, name)
	}

	payload := p.Payload()

	if ed.Offset+ed.Length > uint64(len(payload)) {
		return nil, fmt.Errorf("%w: extent [%s] range (%d)+(%d) past payload of (%d)", ErrTruncated, name, ed.Offset, ed.Length, len(payload))
	}

	return payload[ed.Offset : ed.Offset+ed.Length], nil
}

// WalkChain calls the visitor for every section in the chain starting at
// `first`, following next-section pointers until end-of-chain. The optional
// progress callback can cancel the walk.
func (fs *Filesystem) WalkChain(first uint32, cb SectionVisitorFunc, progress ProgressFunc) (err error) {
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

	visited := make(map[uint32]bool)

	current := first
	for current != EndOfChain {
		if visited[current] == true {
			return fmt.Errorf("%w: section (%d) revisited", ErrCycleDetected, current)
		}

		visited[current] = true

		section, err := fs.ReadSection(current)
		log.PanicIf(err)

		doContinue, err := cb(current, section)
		log.PanicIf(err)

		if doContinue == false {
			break
		}

		if progress != nil && progress(len(visited)) == false {
			return ErrCancelled
		}

		current = section.Header.NextSection
	}

	return nil
}

// GetPartition walks the chain for the given minor and returns a partition
// view. Chain invariants (uniform minor, ascending in-minor indexes, no
// cycles) are enforced while walking.
func (fs *Filesystem) GetPartition(minor uint32) (partition *Partition, err error) {
	return fs.GetPartitionWithProgress(minor, nil)
}

// GetPartitionWithProgress is GetPartition with a cancellation callback.
func (fs *Filesystem) GetPartitionWithProgress(minor uint32, progress ProgressFunc) (partition *Partition, err error) {
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

	directory, err := fs.Directory()
	log.PanicIf(err)

	pd, found := directory.FindPartitionByMinor(minor)
	if found == false {
		return nil, fmt.Errorf("partition (%d) not found", minor)
	}

	first, err := directory.FirstSectionOf(pd)
	log.PanicIf(err)

	partition = &Partition{
		Minor: minor,
	}

	expectedInMinor := uint32(0)

	cb := func(sectionNumber uint32, section *Section) (doContinue bool, err error) {
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

		if section.Header.PartitionMinor != minor {
			return false, fmt.Errorf("%w: section (%d) belongs to partition (%d), not (%d)", ErrInvalidImage, sectionNumber, section.Header.PartitionMinor, minor)
		}

		if section.Header.SectionInMinor != expectedInMinor {
			return false, fmt.Errorf("%w: section (%d) has in-minor index (%d), expected (%d)", ErrInvalidImage, sectionNumber, section.Header.SectionInMinor, expectedInMinor)
		}

		expectedInMinor++

		if section.Header.SectionInMinor == 0 {
			err = section.Derive()
			log.PanicIf(err)
		}

		partition.SectionNumbers = append(partition.SectionNumbers, sectionNumber)
		partition.Sections = append(partition.Sections, section)

		return true, nil
	}

	err = fs.WalkChain(first, cb, progress)
	if err != nil {
		return nil, err
	}

	return partition, nil
}

// GetExtent returns the raw bytes of the named extent of the given
// partition.
func (fs *Filesystem) GetExtent(minor uint32, name string) (data []byte, err error) {
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

	data, err = partition.GetExtent(name)
	log.PanicIf(err)

	return data, nil
}

// WriteBytes stages a write into the partition's payload at the given byte
// offset. Affected sections are marked dirty; the integrity pipeline reruns
// when Flush is called. Nothing reaches the backing store before Flush.
func (fs *Filesystem) WriteBytes(minor uint32, offset uint64, data []byte) (err error) {
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

	end := offset + uint64(len(data))

	cursor := uint64(0)
	written := uint64(0)

	for i, section := range partition.Sections {
		payload := section.Payload()
		payloadLen := uint64(len(payload))

		sectionStart := cursor
		sectionEnd := cursor + payloadLen
		cursor = sectionEnd

		if sectionEnd <= offset || sectionStart >= end {
			continue
		}

		from := uint64(0)
		if offset > sectionStart {
			from = offset - sectionStart
		}

		to := payloadLen
		if end < sectionEnd {
			to = end - sectionStart
		}

		copy(payload[from:to], data[written:])
		written += to - from

		fs.pending[partition.SectionNumbers[i]] = section
	}

	if written != uint64(len(data)) {
		return fmt.Errorf("%w: write of (%d) bytes at (%d) exceeds payload of (%d)", ErrTruncated, len(data), offset, cursor)
	}

	fs.dirtyMinors[minor] = true

	return nil
}

// PartitionInfo is one row of Describe() output.
type PartitionInfo struct {
	Minor        uint32
	Name         string
	Type         PartitionType
	SectionCount int
	PayloadSize  uint64
	Hashed       bool
	Encrypted    bool
	Extents      []ExtentDescriptor
}

// Describe collects partition statistics for the whole image.
func (fs *Filesystem) Describe() (infos []PartitionInfo, err error) {
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

	directory, err := fs.Directory()
	log.PanicIf(err)

	infos = make([]PartitionInfo, 0, len(directory.Partitions))

	for _, pd := range directory.Partitions {
		partition, err := fs.GetPartition(pd.Minor)
		log.PanicIf(err)

		info := PartitionInfo{
			Minor:        pd.Minor,
			SectionCount: len(partition.Sections),
			PayloadSize:  uint64(len(partition.Payload())),
		}

		if pb := partition.Block(); pb != nil {
			info.Name = pb.Header.PartitionName()
			info.Type = pb.Header.Type
			info.Hashed = pb.Header.Flags.HasHashBlock()
			info.Encrypted = pb.Header.Flags.IsEncrypted()
			info.Extents = pb.Extents
		}

		infos = append(infos, info)
	}

	return infos, nil
}
