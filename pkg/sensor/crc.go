package sensor

const (
	crc8Polynomial = 0x31
	crc8Init       = 0xFF
)

// CRC8 computes the Sensirion checksum (poly 0x31, init 0xFF, MSB first, no
// final xor) over data.
func CRC8(data []byte) byte {
	crc := byte(crc8Init)
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ crc8Polynomial
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// wordWithCRC returns the big-endian word v followed by its checksum.
func wordWithCRC(v uint16) []byte {
	w := []byte{byte(v >> 8), byte(v)}
	return append(w, CRC8(w))
}
