package bloom

import "unsafe"

const (
	// BlockSizeBits is the number of bits of a filter block.
	BlockSizeBits = 256
	// BlockSize is the number of bytes of a filter block.
	BlockSize = BlockSizeBits / 8
	// NumWordsPerBlock is the number of 32 bit words of a filter block.
	NumWordsPerBlock = BlockSize / 4
)

var salt = [NumWordsPerBlock]uint32{
	0: 0x47b6137b,
	1: 0x44974d91,
	2: 0x8824ad5b,
	3: 0xa2b7289d,
	4: 0x705495c7,
	5: 0x2df1424b,
	6: 0x9efc4947,
	7: 0x5c6bfb31,
}

// Block is a bloom filter block: one bit is set per 32 bit word for each
// inserted value, the bit positions being derived from the value with the
// block salt.
type Block [NumWordsPerBlock]uint32

func (b *Block) Insert(x uint32) {
	for i := range b {
		b[i] |= blockMask(x, i)
	}
}

func (b *Block) Check(x uint32) bool {
	for i := range b {
		if b[i]&blockMask(x, i) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the memory of b as a byte slice, sharing the backing array.
func (b *Block) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b)), BlockSize)
}

func blockMask(x uint32, i int) uint32 {
	return 1 << ((x * salt[i]) >> 27)
}
