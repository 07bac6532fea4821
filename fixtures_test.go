package igelfs

// Shared fixtures: a standard image with one signed system partition and one
// plain data partition, at the default 256 KiB section size.

const (
	testMinorSystem = uint32(1)
	testMinorData   = uint32(2)

	testSystemSections = 3
	testDataSections   = 60

	testKernelLength = 4096
	testSplashOffset = 260000
	testSplashLength = 8192
)

func testSystemPayloadSize() int {
	sectionSize := 1 << DefaultSectionSizeExp

	blockSize := partitionHeaderSize + 2*extentDescriptorSize
	hashSize := hashValuesOffset + 32*testSystemSections

	first := sectionSize - sectionHeaderSize - blockSize - hashSize
	rest := (testSystemSections - 1) * (sectionSize - sectionHeaderSize)

	return first + rest
}

func testSystemPayload() []byte {
	payload := make([]byte, testSystemPayloadSize())
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	return payload
}

func testSystemExtents() []ExtentDescriptor {
	kernel := ExtentDescriptor{
		Type:   ExtentTypeKernel,
		Offset: 0,
		Length: testKernelLength,
	}

	putName(kernel.Name[:], "kernel")

	splash := ExtentDescriptor{
		Type:   ExtentTypeSplash,
		Offset: testSplashOffset,
		Length: testSplashLength,
	}

	putName(splash.Name[:], "splash")

	return []ExtentDescriptor{kernel, splash}
}

// buildStandardTestImage synthesizes the canonical 16 MiB test image:
// 64 sections of 256 KiB, a signed 3-section system partition and a plain
// 60-section data partition.
func buildStandardTestImage() []byte {
	parts := []testPartitionSpec{
		{
			minor:     testMinorSystem,
			nSections: testSystemSections,
			name:      "system",
			ptype:     PartitionTypeSystem,
			extents:   testSystemExtents(),
			payload:   testSystemPayload(),
			hashed:    true,
		},
		{
			minor:     testMinorData,
			nSections: testDataSections,
			name:      "data",
			ptype:     PartitionTypeSystem,
		},
	}

	return buildTestImage(DefaultSectionSizeExp, nil, parts, getTestSigningKey())
}

// testKeyring trusts only the per-binary signing key.
func testKeyring() *Keyring {
	kr := NewEmptyKeyring()
	kr.AddPublicKey(&getTestSigningKey().PublicKey)

	return kr
}
