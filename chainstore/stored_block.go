package chainstore

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// headerType is the tlv type of the serialized 80 byte block header.
	headerType tlv.Type = 0

	// heightType is the tlv type of the block height.
	heightType tlv.Type = 2
)

// StoredBlock is a block header together with its height in the chain. The
// predecessor of a stored block is found by looking up Header.PrevBlock in the
// store. StoredBlocks are never modified once written.
type StoredBlock struct {
	// Header is the block header.
	Header wire.BlockHeader

	// Height is the number of blocks between this block and genesis.
	Height uint32
}

// NewStoredBlock builds the stored block for a header at the given height.
func NewStoredBlock(header wire.BlockHeader, height uint32) *StoredBlock {
	return &StoredBlock{
		Header: header,
		Height: height,
	}
}

// Hash returns the hash of the block header.
func (b *StoredBlock) Hash() chainhash.Hash {
	return b.Header.BlockHash()
}

// PrevHash returns the hash of the predecessor block.
func (b *StoredBlock) PrevHash() chainhash.Hash {
	return b.Header.PrevBlock
}

// Time returns the timestamp recorded in the header.
func (b *StoredBlock) Time() time.Time {
	return b.Header.Timestamp
}

// Build returns the stored block for a header that extends this block.
func (b *StoredBlock) Build(header wire.BlockHeader) *StoredBlock {
	return NewStoredBlock(header, b.Height+1)
}

// String returns a short description of the block.
func (b *StoredBlock) String() string {
	return fmt.Sprintf("%v@%d", b.Hash(), b.Height)
}

// Encode writes the block as a tlv stream.
func (b *StoredBlock) Encode(w io.Writer) error {
	var header bytes.Buffer
	if err := b.Header.Serialize(&header); err != nil {
		return err
	}

	headerBytes := header.Bytes()
	height := b.Height

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(headerType, &headerBytes),
		tlv.MakePrimitiveRecord(heightType, &height),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Decode reads a block previously written by Encode.
func (b *StoredBlock) Decode(r io.Reader) error {
	var (
		headerBytes []byte
		height      uint32
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(headerType, &headerBytes),
		tlv.MakePrimitiveRecord(heightType, &height),
	)
	if err != nil {
		return err
	}

	if err := stream.Decode(r); err != nil {
		return err
	}

	if len(headerBytes) != wire.MaxBlockHeaderPayload {
		return fmt.Errorf("%w: header is %d bytes", ErrCorruptStore,
			len(headerBytes))
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		return err
	}

	b.Header = header
	b.Height = height

	return nil
}

// cachedBlock wraps a stored block so it can live in the LRU cache.
type cachedBlock struct {
	block *StoredBlock
}

// Size returns the "size" of an entry. We return 1 as we just want to limit
// the total number of entries rather than do accurate size accounting.
func (c *cachedBlock) Size() (uint64, error) {
	return 1, nil
}
