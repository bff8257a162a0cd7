package crypto

import (
	"bytes"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, AddressLength)
	addr := NewAddress(AccountPrefix, raw)

	decoded, err := DecodeAddress(addr.String())
	if err != nil {
		t.Fatalf("decode address: %v", err)
	}
	if !decoded.Equal(addr) {
		t.Fatalf("expected %s, got %s", addr, decoded)
	}
	if decoded.Prefix() != AccountPrefix {
		t.Fatalf("expected prefix %q, got %q", AccountPrefix, decoded.Prefix())
	}
}

func TestModuleAddressDeterministic(t *testing.T) {
	first := ModuleAddress("savings")
	second := ModuleAddress(" savings ")
	if !first.Equal(second) {
		t.Fatalf("expected module address to ignore surrounding whitespace")
	}
	if first.Equal(ModuleAddress("delegation")) {
		t.Fatalf("expected distinct module addresses")
	}
	if first.IsZero() {
		t.Fatalf("module address must not be zero")
	}
}

func TestDecodeAddressRejectsGarbage(t *testing.T) {
	if _, err := DecodeAddress("not-an-address"); err == nil {
		t.Fatalf("expected decode error")
	}
}
