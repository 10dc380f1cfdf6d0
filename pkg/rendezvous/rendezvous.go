// Package rendezvous derives the address and port every instance of an
// application meets on, from nothing more than a shared identifier.
//
// The hash is computed with IEEE-754 double arithmetic so instances built
// on other runtimes that use the same scheme agree with ours.
package rendezvous

import (
	"fmt"
	"math"
	"net/netip"
	"unicode/utf16"
)

const (
	// Q is the prime multiplier of the hash.
	Q = 147606721
	// IntMax is the modulus of the hash, 2^31-1.
	IntMax = 2147483647

	// PortBase is the first port of the IANA dynamic range.
	PortBase = 49152
	// PortSpan keeps derived ports inside the dynamic range.
	PortSpan = 15383

	// MulticastTTL is enough to traverse an overlay network.
	MulticastTTL = 128
)

// GroupPrefix is the /24 the multicast group is derived in.
var GroupPrefix = [3]byte{228, 186, 2}

// Point is where instances of one application exchange frames.
type Point struct {
	Group netip.Addr
	Port  uint16
}

func (p Point) String() string {
	return fmt.Sprintf("%s:%d", p.Group, p.Port)
}

// Hash the identifier.
func Hash(id string) uint32 {
	const q, intMax = float64(Q), float64(IntMax)

	var result float64
	for _, c := range utf16.Encode([]rune(id)) {
		sq := float64(c) * float64(c)
		// explicit conversion forbids fused multiply-add.
		result = math.Mod(float64(result*q)+sq, intMax)
	}
	result = math.Mod(float64(result*q), intMax)
	return uint32(result)
}

// Port derived from a hash.
func Port(h uint32) uint16 {
	return uint16(PortBase + h%PortSpan)
}

// Group derived from a hash, the last octet avoids 255.
func Group(h uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{GroupPrefix[0], GroupPrefix[1], GroupPrefix[2], byte(h % 254)})
}

// Derive the rendezvous point of an application.
func Derive(id string) Point {
	h := Hash(id)
	return Point{
		Group: Group(h),
		Port:  Port(h),
	}
}
