package chainstore

import (
	"time"

	"github.com/btcsuite/btcd/wire"
)

// NextHeader returns a header that builds on prev with the given timestamp.
// Headers produced this way carry no valid proof of work, which the store
// never checks.
func NextHeader(prev *StoredBlock, ts time.Time) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    4,
		PrevBlock:  prev.Hash(),
		Timestamp:  ts,
		Bits:       prev.Header.Bits,
		Nonce:      prev.Height + 1,
		MerkleRoot: prev.Header.MerkleRoot,
	}
}

// MakeHeaders returns n headers extending from, spaced apart by interval with
// the first one stamped at start.
func MakeHeaders(from *StoredBlock, n int, start time.Time,
	interval time.Duration) []wire.BlockHeader {

	headers := make([]wire.BlockHeader, 0, n)
	prev := from
	for i := 0; i < n; i++ {
		header := NextHeader(prev, start.Add(time.Duration(i)*interval))
		headers = append(headers, header)
		prev = prev.Build(header)
	}

	return headers
}
