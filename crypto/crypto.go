package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"

	"github.com/blockpipe/blockpipe/common"
)

// SignatureLength is the length of a compact recoverable signature:
// 1 byte recovery id + 32 byte R + 32 byte S.
const SignatureLength = 65

// Keccak256 computes the legacy Keccak-256 digest of the concatenation
// of the inputs.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func Keccak256Hash(data ...[]byte) common.Hash {
	return common.BytesToHash(Keccak256(data...))
}

// Sign produces a compact recoverable signature over digest.
func Sign(digest common.Hash, key *secp256k1.PrivateKey) []byte {
	return ecdsa.SignCompact(key, digest.Bytes(), false)
}

// Recover returns the address that produced sig over digest.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest.Bytes())
	if err != nil {
		return common.Address{}, err
	}
	return PubkeyToAddress(pub), nil
}

func PubkeyToAddress(pub *secp256k1.PublicKey) common.Address {
	// drop the 0x04 uncompressed prefix, hash the raw point
	return common.BytesToAddress(Keccak256(pub.SerializeUncompressed()[1:])[12:])
}

func GenerateKey() (*secp256k1.PrivateKey, error) {
	return secp256k1.GeneratePrivateKey()
}
