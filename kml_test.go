package igelfs

import (
	"archive/tar"
	"bytes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	lzf "github.com/zhuyie/golzf"

	"golang.org/x/crypto/argon2"
)

var (
	testBootID = []byte{
		0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef,
		0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef,
	}

	testSalt = []byte("0123456789abcdef")
)

func TestDeriveExtentKey(t *testing.T) {
	key, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	if len(key) != 32 {
		t.Fatalf("extent key length not correct: (%d)", len(key))
	}

	again, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(key, again) != true {
		t.Fatalf("extent key derivation not deterministic")
	}

	other, err := DeriveExtentKey([]byte{0x01})
	if err != nil {
		panic(err)
	}

	if bytes.Equal(key, other) == true {
		t.Fatalf("distinct boot identifiers derived the same key")
	}
}

func TestDeriveExtentKey_Empty(t *testing.T) {
	_, err := DeriveExtentKey(nil)
	if errors.Is(err, ErrKdfFailure) != true {
		t.Fatalf("empty boot identifier not rejected: %v", err)
	}
}

func TestXts_RoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	tweak := bytes.Repeat([]byte{0x17}, 16)
	plaintext := bytes.Repeat([]byte{0x5a}, 64)

	ciphertext, err := xtsEncrypt(key, tweak, plaintext)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(ciphertext, plaintext) == true {
		t.Fatalf("ciphertext equals plaintext")
	}

	recovered, err := xtsDecrypt(key, tweak, ciphertext)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(recovered, plaintext) != true {
		t.Fatalf("xts did not round-trip")
	}
}

func TestXts_Misaligned(t *testing.T) {
	key := make([]byte, 32)
	tweak := make([]byte, 16)

	_, err := xtsDecrypt(key, tweak, make([]byte, 17))
	if errors.Is(err, ErrUnwrapFailure) != true {
		t.Fatalf("misaligned blob not rejected: %v", err)
	}
}

func TestLzfDecompressor_RoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte("IGFS overlay payload "), 500)

	compressed := make([]byte, len(original)+len(original)/16+128)

	n, err := lzf.Compress(original, compressed)
	if err != nil {
		panic(err)
	}

	inflated, err := LzfDecompressor{}.Decompress(compressed[:n])
	if err != nil {
		panic(err)
	}

	if bytes.Equal(inflated, original) != true {
		t.Fatalf("lzf did not round-trip")
	}
}

// buildKmlTar packs a kmlconfig.json into an uncompressed tar archive.
func buildKmlTar(cfg *KmlConfig) []byte {
	raw, err := json.Marshal(cfg)
	if err != nil {
		panic(err)
	}

	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)

	err = tw.WriteHeader(&tar.Header{
		Name: "./" + kmlConfigFilename,
		Mode: 0o600,
		Size: int64(len(raw)),
	})
	if err != nil {
		panic(err)
	}

	_, err = tw.Write(raw)
	if err != nil {
		panic(err)
	}

	err = tw.Close()
	if err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// buildKmlConfig wraps the given master and per-partition keys the way the
// firmware does, so the unwrap path can be checked against known material.
func buildKmlConfig(extentKey, master []byte, minor uint32, fsKey []byte) *KmlConfig {
	password := []byte(base64.StdEncoding.EncodeToString(extentKey[:20]))

	k1 := argon2.IDKey(password, testSalt, 2, 64*1024, 1, 32)

	slotPub := bytes.Repeat([]byte{0x33}, 32)

	h := sha512.New()
	h.Write(k1)
	h.Write(slotPub)
	k2 := h.Sum(nil)

	wrappedMaster, err := xtsEncrypt(k2[0:32], k2[32:48], master)
	if err != nil {
		panic(err)
	}

	keyPub := bytes.Repeat([]byte{0x44}, 32)

	h = sha512.New()
	h.Write(master)
	h.Write(keyPub)
	k2 = h.Sum(nil)

	wrappedFsKey, err := xtsEncrypt(k2[0:32], k2[32:48], fsKey)
	if err != nil {
		panic(err)
	}

	return &KmlConfig{
		System: KmlSystem{
			Salt:  base64.StdEncoding.EncodeToString(testSalt),
			Level: 1,
		},
		Slots: []KmlSlot{
			{
				Pub:  base64.StdEncoding.EncodeToString(slotPub),
				Priv: base64.StdEncoding.EncodeToString(wrappedMaster),
			},
		},
		Keys: []KmlKey{
			{
				Minor:   minor,
				Pub:     base64.StdEncoding.EncodeToString(keyPub),
				Wrapped: base64.StdEncoding.EncodeToString(wrappedFsKey),
			},
		},
	}
}

func TestExtentFilesystem_RoundTrip(t *testing.T) {
	key, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	cfg := buildKmlConfig(key, bytes.Repeat([]byte{0x77}, 64), 23, bytes.Repeat([]byte{0x88}, 64))
	tarData := buildKmlTar(cfg)

	nonce := [24]byte{1, 2, 3}
	aad := [12]byte{9, 8, 7}

	blob, err := EncryptExtentFilesystem(tarData, key, nonce, aad)
	if err != nil {
		panic(err)
	}

	recovered, err := DecryptExtentFilesystem(blob, key, nil)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(recovered, tarData) != true {
		t.Fatalf("extent filesystem did not round-trip")
	}
}

func TestDecryptExtentFilesystem_Tamper(t *testing.T) {
	key, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	cfg := buildKmlConfig(key, bytes.Repeat([]byte{0x77}, 64), 23, bytes.Repeat([]byte{0x88}, 64))

	blob, err := EncryptExtentFilesystem(buildKmlTar(cfg), key, [24]byte{}, [12]byte{})
	if err != nil {
		panic(err)
	}

	blob[extentFilesystemHeaderSize+10] ^= 0x01

	_, err = DecryptExtentFilesystem(blob, key, nil)
	if errors.Is(err, ErrAeadFailure) != true {
		t.Fatalf("tampered ciphertext not rejected: %v", err)
	}
}

func TestDecryptExtentFilesystem_InvalidMagic(t *testing.T) {
	key, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	blob := make([]byte, 256)

	_, err = DecryptExtentFilesystem(blob, key, nil)

	ime := InvalidMagicError{}
	if errors.As(err, &ime) != true {
		t.Fatalf("invalid container magic not detected: %v", err)
	}
}

func TestKml_DecryptThroughImage(t *testing.T) {
	extentKey, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	master := bytes.Repeat([]byte{0x77}, 64)
	fsKey := bytes.Repeat([]byte{0x88}, 64)

	cfg := buildKmlConfig(extentKey, master, 23, fsKey)
	tarData := buildKmlTar(cfg)

	blob, err := EncryptExtentFilesystem(tarData, extentKey, [24]byte{0xaa}, [12]byte{0xbb})
	if err != nil {
		panic(err)
	}

	writeable := ExtentDescriptor{
		Type:   ExtentTypeWriteable,
		Offset: 0,
		Length: uint64(len(blob)),
	}

	putName(writeable.Name[:], "writeable")

	parts := []testPartitionSpec{
		{
			minor:     23,
			nSections: 1,
			name:      "overlay",
			ptype:     PartitionTypeWriteable,
			extents:   []ExtentDescriptor{writeable},
			payload:   blob,
			encrypted: true,
		},
	}

	image := buildTestImage(DefaultSectionSizeExp, nil, parts, nil)
	fs := openTestImage(image)

	extent, err := fs.GetExtent(23, "writeable")
	if err != nil {
		panic(err)
	}

	recoveredTar, err := DecryptExtentFilesystem(extent, extentKey, nil)
	if err != nil {
		panic(err)
	}

	recoveredCfg, err := ExtractKmlConfig(recoveredTar)
	if err != nil {
		panic(err)
	}

	salt, err := base64.StdEncoding.DecodeString(recoveredCfg.System.Salt)
	if err != nil {
		panic(err)
	}

	if len(salt) != 16 {
		t.Fatalf("system salt length not correct: (%d)", len(salt))
	}

	mk, err := DeriveMasterKey(recoveredCfg, 0, extentKey)
	if err != nil {
		panic(err)
	}

	defer mk.Wipe()

	if bytes.Equal(mk.Bytes(), master) != true {
		t.Fatalf("master key not recovered")
	}

	recoveredFsKey, err := UnwrapPartitionKey(recoveredCfg, mk, 23)
	if err != nil {
		panic(err)
	}

	if bytes.Equal(recoveredFsKey, fsKey) != true {
		t.Fatalf("partition key not recovered")
	}
}

func TestDeriveMasterKey_UnknownLevel(t *testing.T) {
	key, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	cfg := buildKmlConfig(key, bytes.Repeat([]byte{0x77}, 64), 23, bytes.Repeat([]byte{0x88}, 64))
	cfg.System.Level = 9

	_, err = DeriveMasterKey(cfg, 0, key)
	if errors.Is(err, ErrKdfFailure) != true {
		t.Fatalf("unknown system level not rejected: %v", err)
	}
}

func TestUnwrapPartitionKey_Missing(t *testing.T) {
	key, err := DeriveExtentKey(testBootID)
	if err != nil {
		panic(err)
	}

	master := bytes.Repeat([]byte{0x77}, 64)

	cfg := buildKmlConfig(key, master, 23, bytes.Repeat([]byte{0x88}, 64))

	mk, err := DeriveMasterKey(cfg, 0, key)
	if err != nil {
		panic(err)
	}

	defer mk.Wipe()

	_, err = UnwrapPartitionKey(cfg, mk, 99)
	if errors.Is(err, ErrUnwrapFailure) != true {
		t.Fatalf("missing partition key not rejected: %v", err)
	}
}

func TestExtractKmlConfig_Missing(t *testing.T) {
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)

	err := tw.WriteHeader(&tar.Header{
		Name: "other.txt",
		Mode: 0o600,
		Size: 2,
	})
	if err != nil {
		panic(err)
	}

	_, err = tw.Write([]byte("hi"))
	if err != nil {
		panic(err)
	}

	err = tw.Close()
	if err != nil {
		panic(err)
	}

	_, err = ExtractKmlConfig(buf.Bytes())
	if errors.Is(err, ErrKdfFailure) != true {
		t.Fatalf("missing kmlconfig not reported: %v", err)
	}
}

func TestDetectContainer(t *testing.T) {
	luks := append(append([]byte{}, luksMagic...), 0x00, 0x01)

	if DetectContainer(luks) != ContainerLuks {
		t.Fatalf("luks container not detected")
	}

	if DetectContainer([]byte{0x00, 0x01, 0x02}) != ContainerPlain {
		t.Fatalf("plain container not detected")
	}

	if ContainerLuks.String() != "luks" || ContainerPlain.String() != "plain" {
		t.Fatalf("container mode names not correct")
	}
}

func TestMasterKey_Wipe(t *testing.T) {
	mk := &MasterKey{key: []byte{1, 2, 3}}

	backing := mk.key

	mk.Wipe()

	if mk.Bytes() != nil {
		t.Fatalf("key not cleared")
	}

	for _, b := range backing {
		if b != 0 {
			t.Fatalf("key material not zeroized")
		}
	}
}
