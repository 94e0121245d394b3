package socks5

import (
	"net"
	"testing"
)

func TestNewFriendlyNames_Basic(t *testing.T) {
	names, warnings := NewFriendlyNames([]LabelEntry{
		{IPAddress: "93.184.216.34", FriendlyName: "example"},
	})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	if suffix := names.SuffixFor(net.ParseIP("93.184.216.34")); suffix != " (example)" {
		t.Errorf("SuffixFor = %q, want \" (example)\"", suffix)
	}
}

func TestNewFriendlyNames_InvalidEntryDropped(t *testing.T) {
	names, warnings := NewFriendlyNames([]LabelEntry{
		{IPAddress: "not-an-ip", FriendlyName: "broken"},
	})
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1 entry", warnings)
	}
	if suffix := names.SuffixForAddr("not-an-ip"); suffix != "" {
		t.Errorf("SuffixForAddr = %q, want empty", suffix)
	}
}

func TestNewFriendlyNames_DuplicateLastWins(t *testing.T) {
	names, warnings := NewFriendlyNames([]LabelEntry{
		{IPAddress: "10.0.0.1", FriendlyName: "first"},
		{IPAddress: "10.0.0.1", FriendlyName: "second"},
	})
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want 1 entry", warnings)
	}
	if suffix := names.SuffixForAddr("10.0.0.1"); suffix != " (second)" {
		t.Errorf("SuffixForAddr = %q, want \" (second)\"", suffix)
	}
}

func TestNewFriendlyNames_IPv6Normalisation(t *testing.T) {
	names, _ := NewFriendlyNames([]LabelEntry{
		{IPAddress: "2001:0db8:0000:0000:0000:0000:0000:0001", FriendlyName: "v6host"},
	})

	// The compressed textual form must resolve to the same canonical key.
	if suffix := names.SuffixForAddr("2001:db8::1"); suffix != " (v6host)" {
		t.Errorf("SuffixForAddr(compressed) = %q, want \" (v6host)\"", suffix)
	}
}

func TestSuffixFor_NoMatch(t *testing.T) {
	names, _ := NewFriendlyNames([]LabelEntry{
		{IPAddress: "10.0.0.1", FriendlyName: "first"},
	})
	if suffix := names.SuffixForAddr("10.0.0.2"); suffix != "" {
		t.Errorf("SuffixForAddr = %q, want empty", suffix)
	}
}

func TestSuffixFor_NilReceiver(t *testing.T) {
	var names *FriendlyNames
	if suffix := names.SuffixFor(net.ParseIP("10.0.0.1")); suffix != "" {
		t.Errorf("SuffixFor on nil = %q, want empty", suffix)
	}
}
