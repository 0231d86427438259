// Package frame decodes the CAR v1 block bundle carried in each
// firehose commit so individual record blocks can be looked up by CID.
package frame

import (
	"bytes"
	"context"
	"fmt"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	car "github.com/ipld/go-car"
)

// BlockReader is an in-memory, read-only view over the blocks carried
// in one commit's CAR bundle. It mirrors the write-side MemBlockstore
// shape used elsewhere in the AT Protocol ecosystem, but is populated
// once from a byte slice rather than built up incrementally.
type BlockReader struct {
	blocks map[string]blocks.Block
	roots  []cid.Cid
}

// Load parses a CAR v1 byte bundle (commit.Blocks from the firehose
// wire format) into a BlockReader.
func Load(ctx context.Context, carBytes []byte) (*BlockReader, error) {
	cr, err := car.NewCarReader(bytes.NewReader(carBytes))
	if err != nil {
		return nil, fmt.Errorf("frame: open car reader: %w", err)
	}

	br := &BlockReader{
		blocks: make(map[string]blocks.Block, 16),
		roots:  cr.Header.Roots,
	}

	for {
		blk, err := cr.Next()
		if err != nil {
			break // io.EOF or a truncated trailing block; either ends the read.
		}
		br.blocks[blk.Cid().KeyString()] = blk
	}

	return br, nil
}

// Get retrieves a block by CID.
func (b *BlockReader) Get(_ context.Context, c cid.Cid) (blocks.Block, error) {
	blk, ok := b.blocks[c.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// Roots returns the CAR header's root CIDs (the commit block, by
// convention for firehose bundles).
func (b *BlockReader) Roots() []cid.Cid {
	return b.roots
}

// Len reports how many blocks were loaded.
func (b *BlockReader) Len() int {
	return len(b.blocks)
}
