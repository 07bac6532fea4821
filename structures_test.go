package igelfs

import (
	"testing"
)

func TestSectionHeader_SectionSize(t *testing.T) {
	sh := SectionHeader{
		SectionSizeExp: DefaultSectionSizeExp,
	}

	if sh.SectionSize() != 262144 {
		t.Fatalf("section-size not correct: (%d)", sh.SectionSize())
	}
}

func TestSectionHeader_IsLast(t *testing.T) {
	sh := SectionHeader{
		NextSection: EndOfChain,
	}

	if sh.IsLast() != true {
		t.Fatalf("end-of-chain not detected")
	}

	sh.NextSection = 5

	if sh.IsLast() != false {
		t.Fatalf("chained section reported as last")
	}
}

func TestPartitionFlags(t *testing.T) {
	pf := PartitionFlagHashed | PartitionFlagEncrypted

	if pf.HasHashBlock() != true {
		t.Fatalf("hashed flag not decoded")
	}

	if pf.IsEncrypted() != true {
		t.Fatalf("encrypted flag not decoded")
	}

	pf = 0

	if pf.HasHashBlock() != false || pf.IsEncrypted() != false {
		t.Fatalf("clear flags misreported")
	}
}

func TestExtentType_String(t *testing.T) {
	if ExtentTypeSquashfs.String() != "squashfs" {
		t.Fatalf("extent-type name not correct: [%s]", ExtentTypeSquashfs)
	}

	if ExtentType(200).String() != "type-200" {
		t.Fatalf("unknown extent-type name not correct: [%s]", ExtentType(200))
	}
}

func TestPartitionHeader_PartitionName(t *testing.T) {
	ph := PartitionHeader{}
	putName(ph.Name[:], "system")

	if ph.PartitionName() != "system" {
		t.Fatalf("partition name not correct: [%s]", ph.PartitionName())
	}
}
