package hsdesc

import (
	"net"
	"reflect"
	"testing"
)

func TestLinkSpecRoundTrip(t *testing.T) {
	specs := []LinkSpec{
		{Type: LinkSpecIPv4, Addr: net.ParseIP("198.51.100.7"), Port: 9001},
		{Type: LinkSpecIPv6, Addr: net.ParseIP("2001:db8::1"), Port: 443},
		{Type: LinkSpecLegacyID, LegacyID: [20]byte{1, 2, 3, 4, 5}},
	}
	encoded, err := EncodeLinkSpecs(specs)
	if err != nil {
		t.Fatalf("EncodeLinkSpecs: %v", err)
	}
	decoded, err := DecodeLinkSpecs(encoded)
	if err != nil {
		t.Fatalf("DecodeLinkSpecs: %v", err)
	}
	if len(decoded) != len(specs) {
		t.Fatalf("got %d specs, want %d", len(decoded), len(specs))
	}
	for i := range specs {
		if decoded[i].Type != specs[i].Type {
			t.Errorf("spec %d: type %d, want %d", i, decoded[i].Type, specs[i].Type)
		}
		if decoded[i].Port != specs[i].Port {
			t.Errorf("spec %d: port %d, want %d", i, decoded[i].Port, specs[i].Port)
		}
		if decoded[i].Type != LinkSpecLegacyID && !decoded[i].Addr.Equal(specs[i].Addr) {
			t.Errorf("spec %d: addr %v, want %v", i, decoded[i].Addr, specs[i].Addr)
		}
		if decoded[i].Type == LinkSpecLegacyID && decoded[i].LegacyID != specs[i].LegacyID {
			t.Errorf("spec %d: legacy id mismatch", i)
		}
	}
}

func TestLinkSpecEmpty(t *testing.T) {
	encoded, err := EncodeLinkSpecs(nil)
	if err != nil {
		t.Fatalf("EncodeLinkSpecs(nil): %v", err)
	}
	decoded, err := DecodeLinkSpecs(encoded)
	if err != nil {
		t.Fatalf("DecodeLinkSpecs: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("got %d specs, want 0", len(decoded))
	}
}

func TestLinkSpecUnknownType(t *testing.T) {
	_, err := DecodeLinkSpecs([]byte{1, 0x7f, 0})
	if err == nil {
		t.Fatal("expected error for unknown link spec type")
	}
}

func TestLinkSpecTruncated(t *testing.T) {
	full, err := EncodeLinkSpecs([]LinkSpec{{Type: LinkSpecIPv4, Addr: net.ParseIP("1.2.3.4"), Port: 80}})
	if err != nil {
		t.Fatalf("EncodeLinkSpecs: %v", err)
	}
	for n := 0; n < len(full); n++ {
		if _, err := DecodeLinkSpecs(full[:n]); err == nil {
			t.Fatalf("DecodeLinkSpecs accepted truncated input of length %d", n)
		}
	}
}

func TestLinkSpecTrailingBytesRejected(t *testing.T) {
	full, err := EncodeLinkSpecs([]LinkSpec{{Type: LinkSpecIPv4, Addr: net.ParseIP("1.2.3.4"), Port: 80}})
	if err != nil {
		t.Fatalf("EncodeLinkSpecs: %v", err)
	}
	full = append(full, 0xff)
	if _, err := DecodeLinkSpecs(full); err == nil {
		t.Fatal("expected error for trailing bytes")
	}
}

func TestLinkSpecTypeNumberingMatchesWire(t *testing.T) {
	want := map[LinkSpecType]uint8{LinkSpecIPv4: 1, LinkSpecIPv6: 2, LinkSpecLegacyID: 3}
	got := map[LinkSpecType]uint8{LinkSpecIPv4: uint8(LinkSpecIPv4), LinkSpecIPv6: uint8(LinkSpecIPv6), LinkSpecLegacyID: uint8(LinkSpecLegacyID)}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("link specifier numbering changed: got %v, want %v", got, want)
	}
}
