package bit

// Combine combines two 16 bit halves into a single 32 bit value.
// The high half will be the most significant one.
func Combine(high, low uint16) uint32 {
	return (uint32(high) << 16) | uint32(low)
}

// Low returns the low (LSB) half of a 32 bit number.
func Low(value uint32) uint16 {
	return uint16(value)
}

// High returns the high (MSB) half of a 32 bit number.
func High(value uint32) uint16 {
	return uint16(value >> 16)
}

// IsSet16 will check if the bit at the specified index is set to 1 or not.
func IsSet16(index, value uint16) bool {
	return ((value >> index) & 1) == 1
}

// ExtractBits extracts bits from highBit to lowBit (inclusive)
// Example: ExtractBits(0x02010000, 23, 16) -> 0x01
func ExtractBits(value uint32, highBit, lowBit uint8) uint32 {
	width := highBit - lowBit + 1
	mask := uint32((uint64(1) << width) - 1)
	return (value >> lowBit) & mask
}

// Clamp16 saturates a 32 bit value to the signed 16 bit range.
func Clamp16(x int32) int16 {
	if x > 0x7FFF {
		return 0x7FFF
	}
	if x < -0x8000 {
		return -0x8000
	}
	return int16(x)
}

// Clamp16Wide saturates a 64 bit value to the signed 16 bit range.
func Clamp16Wide(x int64) int16 {
	if x > 0x7FFF {
		return 0x7FFF
	}
	if x < -0x8000 {
		return -0x8000
	}
	return int16(x)
}
