// Package wire reads and patches the few bytes of a raw DNS query the proxy
// cares about. It does not parse DNS messages.
package wire

import "strings"

const (
	// MaxPacketSize is the size of the receive buffer; longer datagrams are
	// truncated.
	MaxPacketSize = 500

	// NameOffset is where the first label's characters begin: a 12-byte
	// header followed by the first label length byte.
	NameOffset = 13

	// nameTrailer covers the terminating zero byte plus QTYPE and QCLASS
	// that follow the question name.
	nameTrailer = 5

	// labelSeparatorMax is the highest byte value rendered as a dot.
	labelSeparatorMax = '#'
)

// Header bytes rewritten by Block.
const (
	flagsHighOffset = 2
	flagsLowOffset  = 3
	ancountHiOffset = 6
	ancountLoOffset = 7

	blockedFlagsHigh = 0x81 // QR=1, RD=1
	blockedFlagsLow  = 0x83 // RA=1, RCODE=NXDOMAIN
)

// Decode renders buf[start:end] as a dotted domain. Bytes at or below '#'
// become dots, every other byte is taken as is. Label lengths of 36 or more
// and compressed names are misdecoded.
func Decode(buf []byte, start, end int) string {
	if start < 0 {
		start = 0
	}
	if end > len(buf) {
		end = len(buf)
	}
	if end <= start {
		return ""
	}

	var sb strings.Builder
	sb.Grow(end - start)
	for _, b := range buf[start:end] {
		if b <= labelSeparatorMax {
			sb.WriteByte('.')
		} else {
			sb.WriteByte(b)
		}
	}
	return sb.String()
}

// QueryDomain decodes the first question name of an n-byte query held in buf.
func QueryDomain(buf []byte, n int) string {
	return Decode(buf, NameOffset, n-nameTrailer)
}

// Encode replaces dots with zero bytes and keeps every other character's
// byte value.
func Encode(domain string) []byte {
	data := make([]byte, len(domain))
	for i := 0; i < len(domain); i++ {
		if domain[i] == '.' {
			data[i] = 0
		} else {
			data[i] = domain[i]
		}
	}
	return data
}

// Block turns the query in buf into a refusal in place: response and
// NXDOMAIN flags are set and the answer count is zeroed. buf must hold at
// least the fixed header.
func Block(buf []byte) {
	buf[flagsHighOffset] = blockedFlagsHigh
	buf[flagsLowOffset] = blockedFlagsLow
	buf[ancountHiOffset] = 0
	buf[ancountLoOffset] = 0
}

// BlockedOffsets lists the header bytes Block rewrites.
func BlockedOffsets() []int {
	return []int{flagsHighOffset, flagsLowOffset, ancountHiOffset, ancountLoOffset}
}
