package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
)

// DefaultReflectors are well-known anycast resolvers that answer ICMP
// timestamp requests. They seed the candidate superset when no list file is
// configured and backfill it when the file runs short.
var DefaultReflectors = []netip.Addr{
	netip.MustParseAddr("9.9.9.9"),
	netip.MustParseAddr("8.238.120.14"),
	netip.MustParseAddr("74.82.42.42"),
	netip.MustParseAddr("194.242.2.2"),
	netip.MustParseAddr("208.67.222.222"),
	netip.MustParseAddr("94.140.14.14"),
}

// LoadReflectors parses a reflector list file: one entry per line, address in
// the first comma-separated column. A leading header line is tolerated, as
// are blank lines and # comments. Any other unparseable line is an error.
func LoadReflectors(path string) ([]netip.Addr, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []netip.Addr
	for i, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		field := line
		if idx := strings.IndexByte(line, ','); idx >= 0 {
			field = line[:idx]
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(field))
		if err != nil {
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("%s:%d: %w", path, i+1, err)
		}
		out = append(out, addr.Unmap())
	}
	return out, nil
}

// CandidateReflectors builds the candidate superset handed to the pool:
// list-file entries first, then the defaults, deduplicated in order.
func (c *Config) CandidateReflectors() ([]netip.Addr, error) {
	var fromFile []netip.Addr
	if c.Reflectors.ListFile != "" {
		var err error
		fromFile, err = LoadReflectors(c.Reflectors.ListFile)
		if err != nil {
			return nil, err
		}
	}
	seen := make(map[netip.Addr]struct{}, len(fromFile)+len(DefaultReflectors))
	out := make([]netip.Addr, 0, len(fromFile)+len(DefaultReflectors))
	for _, addr := range fromFile {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	for _, addr := range DefaultReflectors {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
