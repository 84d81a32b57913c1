// Package entropy gathers seed material for the SSRC generator and the
// RTCP jitter PRNG.
//
// Grounded on rtp_random32() (original_source/rtp/rtp_random.c): an MD5
// digest over time, process id, the first non-loopback interface's MAC
// address, and uid/gid, XOR-reduced to 32 bits. The property that must
// survive translation is that seeds drawn in the same second, on the same
// host, by different processes are still independent — achieved by
// folding in the pid and a network MAC rather than relying on time alone.
package entropy

import (
	"crypto/md5"
	"encoding/binary"
	"net"
	"os"
	"time"
)

// Random32 returns a 32-bit pseudo-random quantity derived from system
// entropy: wall time, process id, the type discriminator (so repeated
// calls in quick succession diverge), and the MAC address of the first
// non-loopback network interface found.
//
// The result is the XOR-reduction of the first three 32-bit words of the
// MD5 digest of the gathered material, matching md_32() in the original.
func Random32(typ int32) uint32 {
	return Seed(typ).Reduce()
}

// Digest is the raw 16-byte MD5 digest produced by gathering entropy; it
// is kept around so callers needing more than 32 bits (e.g. to seed two
// independent PRNGs) don't have to re-gather input material.
type Digest [md5.Size]byte

// Reduce XOR-folds the digest's first three 32-bit little-endian words
// into a single uint32, mirroring md_32()'s `r ^= digest.x[i]` loop.
func (d Digest) Reduce() uint32 {
	var r uint32
	for i := 0; i < 3; i++ {
		r ^= binary.LittleEndian.Uint32(d[i*4 : i*4+4])
	}
	return r
}

// Seed gathers entropy and returns the MD5 digest over it.
func Seed(typ int32) Digest {
	var buf []byte

	var typBuf [4]byte
	binary.LittleEndian.PutUint32(typBuf[:], uint32(typ))
	buf = append(buf, typBuf[:]...)

	now := time.Now()
	var tvBuf [16]byte
	binary.LittleEndian.PutUint64(tvBuf[0:8], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(tvBuf[8:16], uint64(now.Nanosecond()))
	buf = append(buf, tvBuf[:]...)

	var pidBuf [4]byte
	binary.LittleEndian.PutUint32(pidBuf[:], uint32(os.Getpid()))
	buf = append(buf, pidBuf[:]...)

	buf = append(buf, firstMACAddress()...)

	var idBuf [8]byte
	binary.LittleEndian.PutUint32(idBuf[0:4], uint32(os.Getuid()))
	binary.LittleEndian.PutUint32(idBuf[4:8], uint32(os.Getgid()))
	buf = append(buf, idBuf[:]...)

	hostname, _ := os.Hostname()
	buf = append(buf, []byte(hostname)...)

	return md5.Sum(buf)
}

// firstMACAddress returns the hardware address of the first non-loopback
// network interface with a non-empty MAC, or nil if none is found.
func firstMACAddress() []byte {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) > 0 {
			return iface.HardwareAddr
		}
	}
	return nil
}
