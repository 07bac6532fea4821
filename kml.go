// This file implements the key management layer (KML) used by encrypted
// partitions: extent-key derivation, AEAD extent containers, LZF-compressed
// tar payloads, and the Argon2id/AES-XTS key-wrapping scheme of
// kmlconfig.json.

package igelfs

import (
	"archive/tar"
	"bytes"
	"crypto/aes"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"reflect"

	"github.com/dsoprea/go-logging"
	lzf "github.com/zhuyie/golzf"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	extentFilesystemHeaderSize = 48
	extentFilesystemDataSize   = 1048528

	extentKeySize = 32

	kmlConfigFilename = "kmlconfig.json"
)

var (
	requiredExtentFsMagic = uint32(0x53465845)

	// extentKeyPersonal keys the extent-key derivation. BLAKE2b
	// personalization is not exposed by the hash implementation, so the
	// personalization string is applied as the MAC key instead.
	extentKeyPersonal = []byte("igel-extent")

	luksMagic = []byte{'L', 'U', 'K', 'S', 0xba, 0xbe}
)

// WipeBytes zeroizes key material in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeriveExtentKey derives the 32-byte extent key from a boot identifier.
func DeriveExtentKey(bootID []byte) (key []byte, err error) {
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

	if len(bootID) == 0 {
		return nil, fmt.Errorf("%w: empty boot identifier", ErrKdfFailure)
	}

	h, err := blake2b.New256(extentKeyPersonal)
	log.PanicIf(err)

	_, err = h.Write(bootID)
	log.PanicIf(err)

	return h.Sum(nil), nil
}

// ExtentFilesystemHeader is the fixed prefix of an encrypted extent
// container.
type ExtentFilesystemHeader struct {
	Magic uint32

	Nonce [24]byte

	// Aad is the AEAD associated data.
	Aad [12]byte

	PayloadLength uint64
}

// Decompressor inflates an extent payload. Injected so the compression
// backend can be swapped; a nil capability selects the default LZF backend.
type Decompressor interface {
	Decompress(src []byte) (dst []byte, err error)
}

// LzfDecompressor is the default Decompressor.
type LzfDecompressor struct{}

// Decompress inflates an LZF stream. The inflated size is not recorded in
// the container, so the output buffer doubles on each failed attempt; after
// ten attempts the last decompression error is returned.
func (LzfDecompressor) Decompress(src []byte) (dst []byte, err error) {
	size := len(src) * 4
	if size < 1<<16 {
		size = 1 << 16
	}

	for attempt := 0; attempt < 10; attempt++ {
		dst = make([]byte, size)

		n, decompressErr := lzf.Decompress(src, dst)
		if decompressErr == nil {
			return dst[:n], nil
		}

		err = decompressErr
		size *= 2
	}

	return nil, err
}

// DecryptOptions carries the optional capabilities of extent decryption.
type DecryptOptions struct {
	// Decompressor inflates the decrypted payload. Left nil, the default
	// LZF backend is used. Set DisableDecompression to get the raw
	// plaintext instead.
	Decompressor Decompressor

	DisableDecompression bool
}

// DecryptExtentFilesystem opens an encrypted extent container and returns
// the inflated tar archive within.
func DecryptExtentFilesystem(blob, key []byte, opts *DecryptOptions) (tarData []byte, err error) {
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

	header := ExtentFilesystemHeader{}

	err = parseModel(blob, extentFilesystemHeaderSize, &header)
	log.PanicIf(err)

	if header.Magic != requiredExtentFsMagic {
		return nil, InvalidMagicError{Where: "extent filesystem header"}
	}

	if extentFilesystemHeaderSize+header.PayloadLength > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: payload of (%d) bytes past blob of (%d)", ErrTruncated, header.PayloadLength, len(blob))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAeadFailure, err)
	}

	ciphertext := blob[extentFilesystemHeaderSize : extentFilesystemHeaderSize+header.PayloadLength]

	plaintext, err := aead.Open(nil, header.Nonce[:], ciphertext, header.Aad[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAeadFailure, err)
	}

	if opts == nil {
		opts = &DecryptOptions{}
	}

	if opts.DisableDecompression == true {
		return plaintext, nil
	}

	decompressor := opts.Decompressor
	if decompressor == nil {
		decompressor = LzfDecompressor{}
	}

	tarData, err = decompressor.Decompress(plaintext)
	log.PanicIf(err)

	return tarData, nil
}

// EncryptExtentFilesystem is the write-side counterpart: it compresses the
// archive, seals it and prepends a container header.
func EncryptExtentFilesystem(tarData, key []byte, nonce [24]byte, aad [12]byte) (blob []byte, err error) {
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

	compressed := make([]byte, len(tarData)+len(tarData)/16+128)

	n, err := lzf.Compress(tarData, compressed)
	log.PanicIf(err)

	compressed = compressed[:n]

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAeadFailure, err)
	}

	ciphertext := aead.Seal(nil, nonce[:], compressed, aad[:])

	header := ExtentFilesystemHeader{
		Magic:         requiredExtentFsMagic,
		Nonce:         nonce,
		Aad:           aad,
		PayloadLength: uint64(len(ciphertext)),
	}

	headerRaw, err := serializeModel(extentFilesystemHeaderSize, &header)
	log.PanicIf(err)

	blob = make([]byte, 0, len(headerRaw)+len(ciphertext))
	blob = append(blob, headerRaw...)
	blob = append(blob, ciphertext...)

	return blob, nil
}

// KmlSystem is the system block of kmlconfig.json.
type KmlSystem struct {
	Salt  string `json:"salt"`
	Level int    `json:"level"`
}

// KmlSlot is one key slot: a public share and a wrapped private share.
type KmlSlot struct {
	Pub  string `json:"pub"`
	Priv string `json:"priv"`
}

// KmlKey is one wrapped per-partition filesystem key.
type KmlKey struct {
	Minor   uint32 `json:"minor"`
	Pub     string `json:"pub,omitempty"`
	Wrapped string `json:"wrapped"`
}

// KmlTpm is the optional TPM binding block.
type KmlTpm struct {
	Present bool `json:"present"`
}

// KmlConfig is the parsed kmlconfig.json.
type KmlConfig struct {
	System KmlSystem `json:"system"`
	Slots  []KmlSlot `json:"slots"`
	Keys   []KmlKey  `json:"keys"`
	Tpm    *KmlTpm   `json:"tpm,omitempty"`
}

// ParseKmlConfig parses raw kmlconfig.json bytes.
func ParseKmlConfig(raw []byte) (cfg *KmlConfig, err error) {
	cfg = new(KmlConfig)

	err = json.Unmarshal(raw, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKdfFailure, err)
	}

	return cfg, nil
}

// ExtractKmlConfig locates and parses kmlconfig.json inside a tar archive.
func ExtractKmlConfig(tarData []byte) (cfg *KmlConfig, err error) {
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

	tr := tar.NewReader(bytes.NewReader(tarData))

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		log.PanicIf(err)

		if path.Base(hdr.Name) != kmlConfigFilename {
			continue
		}

		raw, err := io.ReadAll(tr)
		log.PanicIf(err)

		cfg, err = ParseKmlConfig(raw)
		log.PanicIf(err)

		return cfg, nil
	}

	return nil, fmt.Errorf("%w: %s not found in archive", ErrKdfFailure, kmlConfigFilename)
}

// argonParams maps a kmlconfig system level to Argon2id costs. The mapping
// follows the libsodium crypto_pwhash presets; unknown levels fail rather
// than guess.
func argonParams(level int) (passes uint32, memoryKib uint32, err error) {
	switch level {
	case 1:
		// Interactive.
		return 2, 64 * 1024, nil
	case 2:
		// Moderate.
		return 3, 256 * 1024, nil
	case 3:
		// Sensitive.
		return 4, 1024 * 1024, nil
	}

	return 0, 0, fmt.Errorf("%w: unknown system level (%d)", ErrKdfFailure, level)
}

// MasterKey owns unwrapped master-key material. Wipe it when done.
type MasterKey struct {
	key []byte
}

// Bytes exposes the raw key material.
func (mk *MasterKey) Bytes() []byte {
	return mk.key
}

// Wipe zeroizes the key material.
func (mk *MasterKey) Wipe() {
	WipeBytes(mk.key)
	mk.key = nil
}

// unwrapKey derives the unwrap cipher from k1 and a public share, then
// decrypts the wrapped blob: k2 = SHA-512(k1 || pub), AES-XTS with
// key = k2[0:32] and tweak = k2[32:48].
func unwrapKey(k1, pub, wrapped []byte) (key []byte, err error) {
	h := sha512.New()
	h.Write(k1)
	h.Write(pub)
	k2 := h.Sum(nil)

	defer WipeBytes(k2)

	key, err = xtsDecrypt(k2[0:32], k2[32:48], wrapped)
	if err != nil {
		return nil, err
	}

	return key, nil
}

// DeriveMasterKey unwraps the master key of the given slot using the extent
// key: the password is the base64 form of the extent key's leading 20
// bytes, stretched with Argon2id over the system salt.
func DeriveMasterKey(cfg *KmlConfig, slot int, extentKey []byte) (mk *MasterKey, err error) {
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

	if slot < 0 || slot >= len(cfg.Slots) {
		return nil, fmt.Errorf("%w: slot (%d) out of range (%d)", ErrUnwrapFailure, slot, len(cfg.Slots))
	}

	if len(extentKey) < 20 {
		return nil, fmt.Errorf("%w: extent key is only (%d) bytes", ErrKdfFailure, len(extentKey))
	}

	password := []byte(base64.StdEncoding.EncodeToString(extentKey[:20]))
	defer WipeBytes(password)

	salt, err := base64.StdEncoding.DecodeString(cfg.System.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad system salt: %v", ErrKdfFailure, err)
	}

	passes, memoryKib, err := argonParams(cfg.System.Level)
	if err != nil {
		return nil, err
	}

	k1 := argon2.IDKey(password, salt, passes, memoryKib, 1, 32)
	defer WipeBytes(k1)

	pub, err := base64.StdEncoding.DecodeString(cfg.Slots[slot].Pub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad slot pub: %v", ErrUnwrapFailure, err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(cfg.Slots[slot].Priv)
	if err != nil {
		return nil, fmt.Errorf("%w: bad slot priv: %v", ErrUnwrapFailure, err)
	}

	key, err := unwrapKey(k1, pub, wrapped)
	if err != nil {
		return nil, err
	}

	return &MasterKey{key: key}, nil
}

// UnwrapPartitionKey unwraps the filesystem key for the given partition
// minor using the master key. The result is the dm-crypt key for the
// partition's container.
func UnwrapPartitionKey(cfg *KmlConfig, master *MasterKey, minor uint32) (key []byte, err error) {
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

	for _, entry := range cfg.Keys {
		if entry.Minor != minor {
			continue
		}

		pub := []byte{}
		if entry.Pub != "" {
			pub, err = base64.StdEncoding.DecodeString(entry.Pub)
			if err != nil {
				return nil, fmt.Errorf("%w: bad key pub: %v", ErrUnwrapFailure, err)
			}
		}

		wrapped, err := base64.StdEncoding.DecodeString(entry.Wrapped)
		if err != nil {
			return nil, fmt.Errorf("%w: bad wrapped key: %v", ErrUnwrapFailure, err)
		}

		key, err = unwrapKey(master.Bytes(), pub, wrapped)
		if err != nil {
			return nil, err
		}

		return key, nil
	}

	return nil, fmt.Errorf("%w: no key for partition (%d)", ErrUnwrapFailure, minor)
}

// ContainerMode identifies how an unwrapped key opens the partition
// payload.
type ContainerMode int

const (
	// ContainerPlain is a plain aes-xts-plain64 container (key-size 512).
	ContainerPlain ContainerMode = 0

	// ContainerLuks is a LUKS container opened with a master-key file.
	ContainerLuks ContainerMode = 1
)

// String returns the conventional name of the mode.
func (cm ContainerMode) String() string {
	if cm == ContainerLuks {
		return "luks"
	}

	return "plain"
}

// DetectContainer decides between LUKS and plain by the payload's leading
// magic.
func DetectContainer(payload []byte) ContainerMode {
	if len(payload) >= len(luksMagic) && bytes.Equal(payload[:len(luksMagic)], luksMagic) == true {
		return ContainerLuks
	}

	return ContainerPlain
}

// xtsDecrypt decrypts an AES-XTS blob with an explicit 16-byte tweak. The
// x/crypto XTS implementation only accepts little-endian sector numbers as
// tweaks, so the XEX chain is run directly here.
func xtsDecrypt(key, tweak, ciphertext []byte) (plaintext []byte, err error) {
	if len(key) != 32 || len(tweak) != 16 {
		return nil, fmt.Errorf("%w: bad xts key/tweak geometry", ErrUnwrapFailure)
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: wrapped blob of (%d) bytes is not block aligned", ErrUnwrapFailure, len(ciphertext))
	}

	dataCipher, err := aes.NewCipher(key[0:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailure, err)
	}

	tweakCipher, err := aes.NewCipher(key[16:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailure, err)
	}

	t := make([]byte, aes.BlockSize)
	tweakCipher.Encrypt(t, tweak)

	plaintext = make([]byte, len(ciphertext))
	block := make([]byte, aes.BlockSize)

	for offset := 0; offset < len(ciphertext); offset += aes.BlockSize {
		for i := 0; i < aes.BlockSize; i++ {
			block[i] = ciphertext[offset+i] ^ t[i]
		}

		dataCipher.Decrypt(block, block)

		for i := 0; i < aes.BlockSize; i++ {
			plaintext[offset+i] = block[i] ^ t[i]
		}

		xtsDoubleTweak(t)
	}

	return plaintext, nil
}

// xtsEncrypt is the wrap-side counterpart of xtsDecrypt.
func xtsEncrypt(key, tweak, plaintext []byte) (ciphertext []byte, err error) {
	if len(key) != 32 || len(tweak) != 16 {
		return nil, fmt.Errorf("%w: bad xts key/tweak geometry", ErrUnwrapFailure)
	}

	if len(plaintext) == 0 || len(plaintext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: blob of (%d) bytes is not block aligned", ErrUnwrapFailure, len(plaintext))
	}

	dataCipher, err := aes.NewCipher(key[0:16])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailure, err)
	}

	tweakCipher, err := aes.NewCipher(key[16:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailure, err)
	}

	t := make([]byte, aes.BlockSize)
	tweakCipher.Encrypt(t, tweak)

	ciphertext = make([]byte, len(plaintext))
	block := make([]byte, aes.BlockSize)

	for offset := 0; offset < len(plaintext); offset += aes.BlockSize {
		for i := 0; i < aes.BlockSize; i++ {
			block[i] = plaintext[offset+i] ^ t[i]
		}

		dataCipher.Encrypt(block, block)

		for i := 0; i < aes.BlockSize; i++ {
			ciphertext[offset+i] = block[i] ^ t[i]
		}

		xtsDoubleTweak(t)
	}

	return ciphertext, nil
}

// xtsDoubleTweak multiplies the tweak by x in GF(2^128), little-endian.
func xtsDoubleTweak(t []byte) {
	carry := byte(0)

	for i := 0; i < len(t); i++ {
		next := t[i] >> 7
		t[i] = t[i]<<1 | carry
		carry = next
	}

	if carry != 0 {
		t[0] ^= 0x87
	}
}
