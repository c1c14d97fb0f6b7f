package stream

import (
	"context"
	"io"
)

// DefaultBlockSize is the default block size of a BlockIterator.
const DefaultBlockSize = 8 * 1024

// BlockIterator reads a stream block by block. It is tied to the consumption position
// of its Reader and cannot be restarted.
type BlockIterator struct {
	r         *Reader
	total     int64
	blockSize int
	consumed  int64
}

// NewBlockIterator returns an iterator reading total bytes from r in blocks of blockSize.
// A non-positive total reads until EOF. blockSize is capped by the reader limit.
func NewBlockIterator(r *Reader, total int64, blockSize int) *BlockIterator {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if blockSize > r.Limit() {
		blockSize = r.Limit()
	}
	return &BlockIterator{
		r:         r,
		total:     total,
		blockSize: blockSize,
	}
}

// Next returns the next block. The last block of a bounded iterator is shorter if total
// is not a multiple of the block size. It returns io.EOF when the total has been consumed
// or the stream has ended.
func (it *BlockIterator) Next(ctx context.Context) ([]byte, error) {
	size := it.blockSize
	if it.total > 0 {
		remaining := it.total - it.consumed
		if remaining <= 0 {
			return nil, io.EOF
		}
		if remaining < int64(size) {
			size = int(remaining)
		}
	}

	block, err := it.r.Read(ctx, size)
	if err != nil {
		return nil, err
	}
	if len(block) == 0 {
		return nil, io.EOF
	}
	it.consumed += int64(len(block))
	return block, nil
}

// Consumed returns the number of bytes returned so far.
func (it *BlockIterator) Consumed() int64 {
	return it.consumed
}

// LineIterator reads a stream record by record, records being separated by a delimiter.
type LineIterator struct {
	r     *Reader
	delim []byte
}

// NewLineIterator returns an iterator splitting r on delim. A nil delim means "\n".
func NewLineIterator(r *Reader, delim []byte) *LineIterator {
	if len(delim) == 0 {
		delim = []byte("\n")
	}
	return &LineIterator{
		r:     r,
		delim: delim,
	}
}

// Next returns the next record without its delimiter. It returns io.EOF on the first
// empty record, so an empty line ends the iteration as well as the end of the stream.
func (it *LineIterator) Next(ctx context.Context) ([]byte, error) {
	line, err := it.r.ReadUntil(ctx, it.delim)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 {
		return nil, io.EOF
	}
	return line, nil
}
