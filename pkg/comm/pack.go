package comm

// Pack7 encodes 8-bit bytes so none has bit 7 set. Every group of up to 7
// bytes is preceded by a byte holding their high bits, bit i for byte i.
func Pack7(data []byte) []byte {
	out := make([]byte, 0, len(data)+(len(data)+6)/7)
	for n := 0; n < len(data); n += 7 {
		group := data[n:]
		if len(group) > 7 {
			group = group[:7]
		}
		var msb byte
		for i, b := range group {
			msb |= (b >> 7) << uint(i)
		}
		out = append(out, msb)
		for _, b := range group {
			out = append(out, b&0x7F)
		}
	}
	return out
}

// Unpack7 decodes bytes encoded by Pack7.
func Unpack7(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for n := 0; n < len(data); n += 8 {
		msb := data[n]
		end := n + 8
		if end > len(data) {
			end = len(data)
		}
		for i, b := range data[n+1 : end] {
			out = append(out, b&0x7F|(msb>>uint(i)&1)<<7)
		}
	}
	return out
}
