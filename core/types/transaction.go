package types

import (
	"errors"
	"sync/atomic"

	"github.com/holiman/uint256"

	"github.com/blockpipe/blockpipe/common"
	"github.com/blockpipe/blockpipe/crypto"
)

var ErrInvalidSig = errors.New("invalid transaction signature")

// Transaction is a signed value transfer.
type Transaction struct {
	Nonce    uint64
	GasPrice *uint256.Int
	Gas      uint64
	To       common.Address
	Value    *uint256.Int
	Data     []byte
	// Sig is a 65-byte compact recoverable signature over SigningHash.
	Sig []byte

	hash atomic.Pointer[common.Hash]
	from atomic.Pointer[common.Address]
}

type txEncoding struct {
	Nonce    uint64
	GasPrice *uint256.Int
	Gas      uint64
	To       common.Address
	Value    *uint256.Int
	Data     []byte
	Sig      []byte
}

type txSigning struct {
	ChainID  uint64
	Nonce    uint64
	GasPrice *uint256.Int
	Gas      uint64
	To       common.Address
	Value    *uint256.Int
	Data     []byte
}

func (t *Transaction) enc() txEncoding {
	return txEncoding{t.Nonce, t.GasPrice, t.Gas, t.To, t.Value, t.Data, t.Sig}
}

func (t *Transaction) EncodeCBOR() ([]byte, error) {
	return EncodeToBytes(t.enc())
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	var dec txEncoding
	if err := DecodeBytes(data, &dec); err != nil {
		return nil, err
	}
	return &Transaction{
		Nonce:    dec.Nonce,
		GasPrice: dec.GasPrice,
		Gas:      dec.Gas,
		To:       dec.To,
		Value:    dec.Value,
		Data:     dec.Data,
		Sig:      dec.Sig,
	}, nil
}

// Hash returns the digest of the full signed transaction.
func (t *Transaction) Hash() common.Hash {
	if cached := t.hash.Load(); cached != nil {
		return *cached
	}
	enc, err := t.EncodeCBOR()
	if err != nil {
		panic(err)
	}
	h := crypto.Keccak256Hash(enc)
	t.hash.Store(&h)
	return h
}

// SigningHash is the digest the sender signs. It commits to the chain id
// so signatures cannot be replayed across chains.
func (t *Transaction) SigningHash(chainID uint64) common.Hash {
	enc, err := EncodeToBytes(txSigning{chainID, t.Nonce, t.GasPrice, t.Gas, t.To, t.Value, t.Data})
	if err != nil {
		panic(err)
	}
	return crypto.Keccak256Hash(enc)
}

// Sender recovers the signing address. The result is memoized; recovery
// is the expensive step the Senders stage parallelizes.
func (t *Transaction) Sender(chainID uint64) (common.Address, error) {
	if cached := t.from.Load(); cached != nil {
		return *cached, nil
	}
	if len(t.Sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSig
	}
	addr, err := crypto.Recover(t.SigningHash(chainID), t.Sig)
	if err != nil {
		return common.Address{}, err
	}
	t.from.Store(&addr)
	return addr, nil
}

// SetSender primes the sender cache, used when senders were recovered
// out of band (by the Senders stage).
func (t *Transaction) SetSender(addr common.Address) {
	t.from.Store(&addr)
}
