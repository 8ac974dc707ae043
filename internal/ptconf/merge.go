package ptconf

// merge combines two values bit-by-bit: bits set in mask come from val, all
// other bits come from data.
func merge(val, data, mask uint32) uint32 {
	return (val & mask) | (data &^ mask)
}

// throughable returns the mask of bits in a guest write that may be forwarded
// to the physical device: everything that is neither emulated nor read-only,
// and (unless the engine is permissive) not reserved either.
func (e *Engine) throughable(info *regInfo, validMask uint32) uint32 {
	m := ^(info.emuMask | info.roMask)
	if !e.permissive {
		m &^= info.resMask
	}
	return m & validMask
}

// widthMask returns the all-ones mask for a register width in bytes.
func widthMask(size uint32) uint32 {
	return allOnes >> ((4 - size) * 8)
}
