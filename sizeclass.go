package tbman

// sizeClassLadder generates the monotone sequence of block sizes spanning
// [minBlockSize, maxBlockSize] described in spec.md §4.1. steppingMethod
// interleaves arithmetic steps between doublings: 0 and 1 both give pure
// doubling, larger values emit more (smaller) classes per octave at the
// cost of more BlockManagers.
//
// Grounded on original_source/tbman.cpp's tbman_s_init block-size loop,
// which this reproduces (mask_bxp/size_mask/size_inc stepping), except that
// stepping 0 starts from the stepping-1 mask.
func sizeClassLadder(minBlockSize, maxBlockSize uint64, steppingMethod uint) []uint64 {
	maskBxp := uint64(steppingMethod)
	sizeMask := (uint64(1) << maskBxp) - 1
	if sizeMask == 0 {
		// A zero mask never grows under shifting.
		sizeMask = 1
	}
	sizeInc := minBlockSize

	for sizeMask < minBlockSize || ((sizeMask<<1)&minBlockSize) != 0 {
		sizeMask <<= 1
	}

	var ladder []uint64
	for blockSize := minBlockSize; blockSize <= maxBlockSize; blockSize += sizeInc {
		ladder = append(ladder, blockSize)
		if blockSize > sizeMask {
			sizeMask <<= 1
			sizeInc <<= 1
		}
	}
	return ladder
}
