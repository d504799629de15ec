package hsdesc

import (
	"encoding/binary"
	"fmt"
	"net"
)

// LinkSpecType tags the kind of value a LinkSpec carries.
type LinkSpecType uint8

const (
	LinkSpecIPv4     LinkSpecType = 1
	LinkSpecIPv6     LinkSpecType = 2
	LinkSpecLegacyID LinkSpecType = 3
)

const (
	ipv4SpecLen    = 4 + 2
	ipv6SpecLen    = 16 + 2
	legacyIDSpecLen = 20
)

// LinkSpec is a typed, length-prefixed record identifying how to reach a
// relay: an IPv4 or IPv6 address-and-port pair, or a legacy RSA identity
// digest.
type LinkSpec struct {
	Type     LinkSpecType
	Addr     net.IP
	Port     uint16
	LegacyID [20]byte
}

// EncodeLinkSpecs serializes specs as n_specs:u8 followed by
// type:u8, len:u8, body for each entry.
func EncodeLinkSpecs(specs []LinkSpec) ([]byte, error) {
	if len(specs) > 255 {
		return nil, fmt.Errorf("%w: too many link specifiers (%d)", ErrParse, len(specs))
	}
	out := make([]byte, 0, 1+len(specs)*(2+18))
	out = append(out, byte(len(specs)))
	for _, ls := range specs {
		switch ls.Type {
		case LinkSpecIPv4:
			ip4 := ls.Addr.To4()
			if ip4 == nil {
				return nil, fmt.Errorf("%w: IPv4 link spec with non-IPv4 address", ErrParse)
			}
			out = append(out, byte(LinkSpecIPv4), ipv4SpecLen)
			out = append(out, ip4...)
			var portBuf [2]byte
			binary.BigEndian.PutUint16(portBuf[:], ls.Port)
			out = append(out, portBuf[:]...)
		case LinkSpecIPv6:
			ip6 := ls.Addr.To16()
			if ip6 == nil {
				return nil, fmt.Errorf("%w: IPv6 link spec with invalid address", ErrParse)
			}
			out = append(out, byte(LinkSpecIPv6), ipv6SpecLen)
			out = append(out, ip6...)
			var portBuf [2]byte
			binary.BigEndian.PutUint16(portBuf[:], ls.Port)
			out = append(out, portBuf[:]...)
		case LinkSpecLegacyID:
			out = append(out, byte(LinkSpecLegacyID), legacyIDSpecLen)
			out = append(out, ls.LegacyID[:]...)
		default:
			return nil, fmt.Errorf("%w: type 0x%02x", ErrBadLinkSpec, ls.Type)
		}
	}
	return out, nil
}

// DecodeLinkSpecs parses the n_specs:u8-prefixed block built by
// EncodeLinkSpecs. An unrecognized type fails the whole block with
// ErrBadLinkSpec; every length-prefixed field is bounds-checked against
// the remaining input before being read.
func DecodeLinkSpecs(data []byte) ([]LinkSpec, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty link specifier block", ErrParse)
	}
	n := int(data[0])
	out := make([]LinkSpec, 0, n)
	off := 1
	for i := 0; i < n; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: truncated link specifier %d header", ErrParse, i)
		}
		t := data[off]
		l := int(data[off+1])
		off += 2
		if off+l > len(data) {
			return nil, fmt.Errorf("%w: link specifier %d body truncated", ErrParse, i)
		}
		body := data[off : off+l]
		off += l

		switch LinkSpecType(t) {
		case LinkSpecIPv4:
			if l != ipv4SpecLen {
				return nil, fmt.Errorf("%w: IPv4 link spec has length %d", ErrParse, l)
			}
			out = append(out, LinkSpec{
				Type: LinkSpecIPv4,
				Addr: net.IP(append([]byte(nil), body[:4]...)),
				Port: binary.BigEndian.Uint16(body[4:6]),
			})
		case LinkSpecIPv6:
			if l != ipv6SpecLen {
				return nil, fmt.Errorf("%w: IPv6 link spec has length %d", ErrParse, l)
			}
			out = append(out, LinkSpec{
				Type: LinkSpecIPv6,
				Addr: net.IP(append([]byte(nil), body[:16]...)),
				Port: binary.BigEndian.Uint16(body[16:18]),
			})
		case LinkSpecLegacyID:
			if l != legacyIDSpecLen {
				return nil, fmt.Errorf("%w: LegacyId link spec has length %d", ErrParse, l)
			}
			var ls LinkSpec
			ls.Type = LinkSpecLegacyID
			copy(ls.LegacyID[:], body)
			out = append(out, ls)
		default:
			return nil, fmt.Errorf("%w: type %d", ErrBadLinkSpec, t)
		}
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes after link specifier block", ErrParse)
	}
	return out, nil
}
