package igelfs

import (
	"bytes"
	"errors"
	"testing"
)

func TestGetPartition_SectionCount(t *testing.T) {
	image := buildStandardTestImage()

	if len(image) != 16*1024*1024 {
		t.Fatalf("fixture image size not correct: (%d)", len(image))
	}

	fs := openTestImage(image)

	if fs.SectionCount() != 64 {
		t.Fatalf("section count not correct: (%d)", fs.SectionCount())
	}

	partition, err := fs.GetPartition(testMinorSystem)
	if err != nil {
		panic(err)
	}

	// The chain must reach exactly the sections carrying this minor.
	expected := 0
	for n := uint32(0); n < fs.SectionCount(); n++ {
		raw, err := fs.ReadSectionBytes(n)
		if err != nil {
			panic(err)
		}

		section, err := ParseSection(raw)
		if err != nil {
			panic(err)
		}

		if section.Header.PartitionMinor == testMinorSystem {
			expected++
		}
	}

	if len(partition.Sections) != expected {
		t.Fatalf("chain length (%d) does not match sections carrying the minor (%d)", len(partition.Sections), expected)
	}

	for i, section := range partition.Sections {
		if section.Header.PartitionMinor != testMinorSystem {
			t.Fatalf("section (%d) carries the wrong minor", i)
		}

		if int(section.Header.SectionInMinor) != i {
			t.Fatalf("section (%d) has in-minor index (%d)", i, section.Header.SectionInMinor)
		}
	}
}

func TestGetPartition_NotFound(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	_, err := fs.GetPartition(99)
	if err == nil {
		t.Fatalf("absent partition did not fail")
	}
}

// breakNextPointer rewrites the next-section field of a raw section in the
// image, patching the CRC so only the chain shape changes.
func breakNextPointer(image []byte, sectionNumber uint32, next uint32) {
	offset := int(sectionNumber) * DefaultSectionSize

	writeU32Le(image, offset+22, next)

	crc := sectionCrc(image[offset : offset+DefaultSectionSize])
	writeU32Le(image, offset, crc)
}

func TestGetPartition_ChainBreak(t *testing.T) {
	image := buildStandardTestImage()

	// Cut the system chain after its second section.
	breakNextPointer(image, 2, EndOfChain)

	fs := openTestImage(image)

	partition, err := fs.GetPartition(testMinorSystem)
	if err != nil {
		panic(err)
	}

	if len(partition.Sections) != 2 {
		t.Fatalf("broken chain length not correct: (%d)", len(partition.Sections))
	}

	// The shortened chain no longer matches the hash manifest.
	err = fs.VerifyPartition(testMinorSystem, false, testKeyring())
	if errors.Is(err, ErrInvalidImage) != true {
		t.Fatalf("short chain not rejected: %v", err)
	}
}

func TestGetPartition_CycleDetected(t *testing.T) {
	image := buildStandardTestImage()

	// Point the chain tail back at its head.
	breakNextPointer(image, 3, 1)

	fs := openTestImage(image)

	_, err := fs.GetPartition(testMinorSystem)
	if errors.Is(err, ErrCycleDetected) != true {
		t.Fatalf("cycle not detected: %v", err)
	}
}

func TestGetPartition_Cancelled(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	progress := func(sectionsVisited int) bool {
		return false
	}

	_, err := fs.GetPartitionWithProgress(testMinorData, progress)
	if errors.Is(err, ErrCancelled) != true {
		t.Fatalf("cancellation not honored: %v", err)
	}
}

func TestGetPartition_Progress(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	calls := 0
	progress := func(sectionsVisited int) bool {
		calls++
		return true
	}

	partition, err := fs.GetPartitionWithProgress(testMinorData, progress)
	if err != nil {
		panic(err)
	}

	if len(partition.Sections) != testDataSections {
		t.Fatalf("data chain length not correct: (%d)", len(partition.Sections))
	}

	if calls == 0 {
		t.Fatalf("progress callback never called")
	}
}

func TestGetExtent_Kernel(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	data, err := fs.GetExtent(testMinorSystem, "kernel")
	if err != nil {
		panic(err)
	}

	if len(data) != testKernelLength {
		t.Fatalf("kernel extent length not correct: (%d)", len(data))
	}

	expected := testSystemPayload()[:testKernelLength]

	if bytes.Equal(data, expected) != true {
		t.Fatalf("kernel extent bytes not correct")
	}
}

func TestGetExtent_SpansSections(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	data, err := fs.GetExtent(testMinorSystem, "splash")
	if err != nil {
		panic(err)
	}

	expected := testSystemPayload()[testSplashOffset : testSplashOffset+testSplashLength]

	if bytes.Equal(data, expected) != true {
		t.Fatalf("section-spanning extent bytes not correct")
	}
}

func TestGetExtent_Unknown(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	_, err := fs.GetExtent(testMinorSystem, "no-such-extent")
	if err == nil {
		t.Fatalf("unknown extent did not fail")
	}
}

func TestDescribe(t *testing.T) {
	image := buildStandardTestImage()
	fs := openTestImage(image)

	infos, err := fs.Describe()
	if err != nil {
		panic(err)
	}

	if len(infos) != 2 {
		t.Fatalf("partition count not correct: (%d)", len(infos))
	}

	if infos[0].Name != "system" || infos[0].Hashed != true {
		t.Fatalf("system partition not described correctly: %+v", infos[0])
	}

	if infos[1].SectionCount != testDataSections {
		t.Fatalf("data partition not described correctly: %+v", infos[1])
	}
}
