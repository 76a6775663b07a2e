//go:build linux && (386 || arm || mips || mipsle || ppc)

package socketcanraw

import "golang.org/x/sys/unix"

// Go representation of the C struct mmsghdr (does not exist in golang.org/x/sys/unix)
// Hdr = 28 bytes, Len = 4 bytes, padded to 32 bytes
type Mmsghdr struct {
	Hdr unix.Msghdr
	Len uint32
	pad [4]byte
}
