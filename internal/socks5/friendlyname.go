package socks5

import (
	"fmt"
	"net"
)

// FriendlyNames is a read-only, immutable-after-construction lookup from
// IP literal to a human-readable label. It is a pure log decoration with
// no behavioural effect on the proxy core; every other component takes
// it as an injected dependency rather than constructing its own.
type FriendlyNames struct {
	labels map[string]string
}

// LabelEntry is a raw {IP literal, friendly name} pair as read from
// configuration, before parsing.
type LabelEntry struct {
	IPAddress    string
	FriendlyName string
}

// NewFriendlyNames builds a FriendlyNames map from entries. Invalid
// literals are dropped; duplicate literals (by canonical textual form)
// resolve last-wins. Both conditions are summarised into the returned
// warnings slice rather than one line per offending entry.
func NewFriendlyNames(entries []LabelEntry) (*FriendlyNames, []string) {
	labels := make(map[string]string, len(entries))
	var invalid []string
	var duplicates []string

	for _, e := range entries {
		ip := net.ParseIP(e.IPAddress)
		if ip == nil {
			invalid = append(invalid, e.IPAddress)
			continue
		}
		key := ip.String()
		if _, exists := labels[key]; exists {
			duplicates = append(duplicates, key)
		}
		labels[key] = e.FriendlyName
	}

	var warnings []string
	if len(invalid) > 0 {
		warnings = append(warnings, fmt.Sprintf("dropped %d unparseable IP address mapping(s): %v", len(invalid), invalid))
	}
	if len(duplicates) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d duplicate IP address mapping(s) resolved last-wins: %v", len(duplicates), duplicates))
	}

	return &FriendlyNames{labels: labels}, warnings
}

// SuffixFor returns " (Label)" for ip if it has a configured friendly
// name, or "" otherwise.
func (f *FriendlyNames) SuffixFor(ip net.IP) string {
	if f == nil || ip == nil {
		return ""
	}
	label, ok := f.labels[ip.String()]
	if !ok {
		return ""
	}
	return fmt.Sprintf(" (%s)", label)
}

// SuffixForAddr parses addr (a textual IP literal) and returns its
// friendly-name suffix, or "" if addr does not parse or has no label.
func (f *FriendlyNames) SuffixForAddr(addr string) string {
	return f.SuffixFor(net.ParseIP(addr))
}

// SuffixForTCPAddr returns the friendly-name suffix for a *net.TCPAddr,
// or "" if addr is nil.
func (f *FriendlyNames) SuffixForTCPAddr(addr *net.TCPAddr) string {
	if addr == nil {
		return ""
	}
	return f.SuffixFor(addr.IP)
}
