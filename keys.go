// This file carries the trusted public keys that firmware hash manifests are
// verified against, and the keyring that performs the verification.

package igelfs

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
)

// Trusted firmware signing keys, PKIX DER. Multiple keys are provisioned so
// that images signed during a key rollover still verify.
var (
	trustedKeyDer = []string{
		"30820222300d06092a864886f70d01010105000382020f003082020a02820201" +
		"00e0978bb12c60b5686d114af7234f177cdee5ecbb016bf57de6f36320d2b347" +
		"27eb841af5ccd47b0aa7fbfec875cf8574a483a00f562a70bbffa5edfe39c299" +
		"52f1027451bada2ebcf175b4896b62e982570b89b0eec42158455f508ff27ae8" +
		"bc8bf65ede8a72ab8e20da7a8b2cd6d4be5c5d202bdc4de51ca9a2e4bce69f5f" +
		"afd79fe74daaf15cb39d2e5ba1cb715235cb1999b75a9cb44b95df603a5aab2e" +
		"a1791820a797ade9e9a484590841e6a1c3ba1efcf046dfc060f01819f701c42c" +
		"fd6d030841587a28a593c98fdb9c118193ce11cacc38a871b10a57f000dd51c5" +
		"10fd1fb8b8e26377e2eec6d1d7cd2fed91fb32251cb8c8ef91af738cc9a1bc76" +
		"b2717a20f0db610d50ec5470efe1eae69776316048a1328e52fb8700deba99b6" +
		"b62994d04d3c4998a7929d320953ff4251ad729ec0edd3dab6e234bd15569ca5" +
		"544732069369538fa0bf1047f4ddd33fbfbdba1027c4dd505deceff866c0f437" +
		"f63da781dc0d8188b3c0d0450fafea19a01c19fb028ad932db3c5264a8634c9e" +
		"bbc32648102a78bc60a154efe5116f32947d2e2ba8d8b1d8333b694b04077354" +
		"11eec1346a200510d458061d061e7283c990a7d718274970d3c00413b10682fd" +
		"cd6d61bbdffe192de9cac082b000560db0d6cef416dfcc4a2a6018ad355aa3bf" +
		"5530a75a0c9a3ed95c537c6f6195b50e7117465f698e21a967d891fb37461372" +
		"4b0203010001",
		"30820222300d06092a864886f70d01010105000382020f003082020a02820201" +
		"00c5133a0adf19e4f5029d35815d8a0f612f218ab79937a0735e55303e376d69" +
		"06c06da3dafb9008c5623b0ae23663b47d281e1f220e424752f2d710a588b988" +
		"50fd4fba079e6702001bd86f16fcbe480762f9425dd74b69ac4e319d896e0ab2" +
		"cbd6acba185191aa402b5fff88dcca9a8ab3b77508f9a18ac1d7532edcf7df1a" +
		"3a0917c4e5dfbfcfc8362792ee0111f0913a7b80030be7840df26e3877b90264" +
		"3f360df8e8b3b1efa512bb43113f0954318225b92711f0a92dfe4bed44635b85" +
		"b383499d1e099666a382631ecd32484ff56c17abab13de0bbf1b03cd7c63f1cd" +
		"2f4ace1978e50e3743762aa1e2d909d46f6bf8e34b857cfbe2a6edd48868adc8" +
		"7e833efb55666e11ba4a797d4d23add73753cce0c56b2dd1505b0b7d4f296554" +
		"e98eea51d4399c4bd884e3077ed877ae446859dc51b819353285496badfc7c5f" +
		"32fe68f04e6616366090cc055197e6bab02c01c4386035d4ac3a42a013eaebe4" +
		"fe668ed9cb1d3a6d4d472cd431b1caabcf4a2327f96b10847ca14157c6ad02f4" +
		"294eaa589572a7bbeefc181f9205e36cb889d92f13582c1399102c9a971a9dd6" +
		"22aa9f5708f5989bbdb5edfb00eaaf050655fa897d682b70b7ef475d6fef016d" +
		"74964493d74cd815a270f53b228332f9282c0e91a56cc201184133182d598962" +
		"f09534185ad080c11d401520b327961146c592f2e558942a7e222daae4c04086" +
		"f30203010001",	}
)

// Keyring holds the RSA public keys that hash-manifest signatures are
// checked against. The embedded trusted keys are immutable static data;
// callers may add their own.
type Keyring struct {
	keys []*rsa.PublicKey
}

// NewKeyring returns a keyring preloaded with the embedded trusted keys.
func NewKeyring() *Keyring {
	kr := new(Keyring)

	for _, keyHex := range trustedKeyDer {
		der, err := hex.DecodeString(keyHex)
		if err != nil {
			continue
		}

		pub, err := x509.ParsePKIXPublicKey(der)
		if err != nil {
			continue
		}

		if rsaPub, ok := pub.(*rsa.PublicKey); ok == true {
			kr.keys = append(kr.keys, rsaPub)
		}
	}

	return kr
}

// NewEmptyKeyring returns a keyring with no keys at all.
func NewEmptyKeyring() *Keyring {
	return new(Keyring)
}

// AddPublicKey adds a caller-provisioned key to the trusted set.
func (kr *Keyring) AddPublicKey(pub *rsa.PublicKey) {
	kr.keys = append(kr.keys, pub)
}

// Len returns the number of trusted keys.
func (kr *Keyring) Len() int {
	return len(kr.keys)
}

// Verify checks a PKCS#1 v1.5 signature over the given SHA-256 digest
// against each trusted key in turn.
func (kr *Keyring) Verify(digest, signature []byte) (err error) {
	if len(kr.keys) == 0 {
		return ErrUntrustedSigner
	}

	for _, pub := range kr.keys {
		if rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, signature) == nil {
			return nil
		}
	}

	return ErrSignatureInvalid
}

// VerifyHashBlock verifies the signature of a hash block over its manifest
// (hash values plus serialized excludes).
func (kr *Keyring) VerifyHashBlock(hb *HashBlock) (err error) {
	manifest, err := signatureManifest(hb)
	if err != nil {
		return err
	}

	digest := sha256.Sum256(manifest)

	return kr.Verify(digest[:], hb.Signature)
}
