package types

import (
	"github.com/blockpipe/blockpipe/common"
)

const (
	ReceiptStatusFailed     = uint64(0)
	ReceiptStatusSuccessful = uint64(1)
)

// Receipt records the outcome of one executed transaction.
type Receipt struct {
	Status            uint64
	CumulativeGasUsed uint64
	GasUsed           uint64
	TxHash            common.Hash
}

type Receipts []*Receipt

func (rs Receipts) EncodeCBOR() ([]byte, error) {
	plain := make([]Receipt, len(rs))
	for i, r := range rs {
		plain[i] = *r
	}
	return EncodeToBytes(plain)
}

func DecodeReceipts(data []byte) (Receipts, error) {
	var plain []Receipt
	if err := DecodeBytes(data, &plain); err != nil {
		return nil, err
	}
	rs := make(Receipts, len(plain))
	for i := range plain {
		rs[i] = &plain[i]
	}
	return rs, nil
}
