package transport

// Receive filters store the RTR flag in bit 11 of the identifier and mask.
// Transmit slots pack identifier, length and RTR flag in a single word:
//
//	bits 0-10  identifier
//	bits 11-14 length
//	bit 15     RTR
const (
	IdentMask   uint16 = 0x07FF
	RxRtrBit    uint16 = 0x0800
	TxLenShift         = 11
	TxLenMask   uint16 = 0x000F
	TxRtrBit    uint16 = 0x8000
	MaxDataSize        = 8
)

// Pack a transmit identifier. length is truncated to 8.
func PackIdent(ident uint16, length uint8, rtr bool) uint16 {
	length = min(length, MaxDataSize)
	packed := ident&IdentMask | (uint16(length)&TxLenMask)<<TxLenShift
	if rtr {
		packed |= TxRtrBit
	}
	return packed
}

func UnpackIdent(packed uint16) (ident uint16, length uint8, rtr bool) {
	ident = packed & IdentMask
	length = uint8((packed >> TxLenShift) & TxLenMask)
	rtr = packed&TxRtrBit != 0
	return ident, length, rtr
}

// Identifier as compared against receive filters
func rxIdent(ident uint16, rtr bool) uint16 {
	ident &= IdentMask
	if rtr {
		ident |= RxRtrBit
	}
	return ident
}
