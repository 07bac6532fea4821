// This file supports the section-zero directory: the partition and fragment
// descriptor tables that locate the first section of every partition chain.

package igelfs

import (
	"fmt"
	"reflect"

	"github.com/dsoprea/go-logging"
)

// Directory is the section-zero lookup from partition minors to section
// chains.
type Directory struct {
	Header DirectoryHeader

	Partitions []PartitionDescriptor
	Fragments  []FragmentDescriptor
}

// ParseDirectory parses the directory region out of section-zero data (the
// bytes following the section header).
func ParseDirectory(data []byte) (directory *Directory, err error) {
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

	if len(data) < bootRegistrySize+directoryHeaderSize {
		return nil, fmt.Errorf("%w: section-zero data is only (%d) bytes", ErrTruncated, len(data))
	}

	raw := data[bootRegistrySize:]

	dh := DirectoryHeader{}

	err = parseModel(raw, directoryHeaderSize, &dh)
	log.PanicIf(err)

	if dh.Magic != requiredDirectoryMagic {
		return nil, InvalidMagicError{Where: "directory header"}
	}

	if dh.NPartitions > maxPartitionDescriptors || dh.NFragments > maxFragmentDescriptors {
		return nil, fmt.Errorf("%w: descriptor counts (%d)/(%d) exceed limits", ErrCorruptDirectory, dh.NPartitions, dh.NFragments)
	}

	offset := directoryHeaderSize

	partitions := make([]PartitionDescriptor, dh.NPartitions)
	for i := 0; i < int(dh.NPartitions); i++ {
		err = parseModel(raw[offset:], partitionDescriptorSize, &partitions[i])
		log.PanicIf(err)

		offset += partitionDescriptorSize
	}

	fragments := make([]FragmentDescriptor, dh.NFragments)
	for i := 0; i < int(dh.NFragments); i++ {
		err = parseModel(raw[offset:], fragmentDescriptorSize, &fragments[i])
		log.PanicIf(err)

		offset += fragmentDescriptorSize
	}

	directory = &Directory{
		Header:     dh,
		Partitions: partitions,
		Fragments:  fragments,
	}

	return directory, nil
}

// Serialize writes the directory into the directory region of the given
// section-zero data buffer.
func (d *Directory) Serialize(data []byte) (err error) {
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

	size := directoryHeaderSize + len(d.Partitions)*partitionDescriptorSize + len(d.Fragments)*fragmentDescriptorSize

	if len(data) < bootRegistrySize+size {
		return fmt.Errorf("%w: directory needs (%d) bytes past the registry", ErrTruncated, size)
	}

	d.Header.Magic = requiredDirectoryMagic
	d.Header.NPartitions = uint16(len(d.Partitions))
	d.Header.NFragments = uint16(len(d.Fragments))

	raw := data[bootRegistrySize:]

	headerRaw, err := serializeModel(directoryHeaderSize, &d.Header)
	log.PanicIf(err)

	copy(raw, headerRaw)

	offset := directoryHeaderSize

	for i := range d.Partitions {
		pdRaw, err := serializeModel(partitionDescriptorSize, &d.Partitions[i])
		log.PanicIf(err)

		copy(raw[offset:], pdRaw)
		offset += partitionDescriptorSize
	}

	for i := range d.Fragments {
		fdRaw, err := serializeModel(fragmentDescriptorSize, &d.Fragments[i])
		log.PanicIf(err)

		copy(raw[offset:], fdRaw)
		offset += fragmentDescriptorSize
	}

	return nil
}

// FindPartitionByMinor scans the descriptor table for the given minor.
// Descriptor counts are small, so a linear scan is fine.
func (d *Directory) FindPartitionByMinor(minor uint32) (pd PartitionDescriptor, found bool) {
	for _, pd := range d.Partitions {
		if pd.Minor == minor {
			return pd, true
		}
	}

	return pd, false
}

// FirstSectionOf follows the descriptor's first fragment into the fragment
// table and returns its first section number.
func (d *Directory) FirstSectionOf(pd PartitionDescriptor) (firstSection uint32, err error) {
	if int(pd.FirstFragment) >= len(d.Fragments) {
		return 0, fmt.Errorf("%w: first fragment (%d) past fragment table of (%d)", ErrCorruptDirectory, pd.FirstFragment, len(d.Fragments))
	}

	if int(pd.FirstFragment)+int(pd.NFragments) > len(d.Fragments) {
		return 0, fmt.Errorf("%w: fragment run (%d)+(%d) past fragment table of (%d)", ErrCorruptDirectory, pd.FirstFragment, pd.NFragments, len(d.Fragments))
	}

	return d.Fragments[pd.FirstFragment].FirstSection, nil
}

// Dump prints the directory tables.
func (d *Directory) Dump() {
	fmt.Printf("Directory\n")
	fmt.Printf("=========\n")
	fmt.Printf("\n")

	for _, pd := range d.Partitions {
		fmt.Printf("%s\n", pd)
	}

	fmt.Printf("\n")

	for _, fd := range d.Fragments {
		fmt.Printf("%s\n", fd)
	}

	fmt.Printf("\n")
}

// Directory reads and parses the directory from section zero.
func (fs *Filesystem) Directory() (directory *Directory, err error) {
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

	if section.Header.PartitionMinor != DirectoryMinor {
		return nil, fmt.Errorf("%w: section zero has partition minor (%d)", ErrInvalidImage, section.Header.PartitionMinor)
	}

	directory, err = ParseDirectory(section.Data)
	log.PanicIf(err)

	return directory, nil
}
