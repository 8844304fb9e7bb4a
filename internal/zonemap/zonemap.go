// Package zonemap resolves client addresses to zone labels from the
// ip-rules file. Rules are CIDR prefixes; lookup takes the longest matching
// prefix.
package zonemap

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
)

type rule struct {
	prefix netip.Prefix
	zone   string
}

// Map is an immutable zone table. Build one with Load or Parse and share it
// freely; lookups are lock-free.
type Map struct {
	rules []rule // sorted by descending prefix length
}

// Load reads rules from a file. Format, one rule per line:
//
//	<CIDR>  <zone>   # optional comment
//
// Blank lines and comment-only lines are ignored. IPv4 and IPv6 both work.
func Load(path string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parse(bufio.NewScanner(f), path)
}

// Parse reads rules from a string, for tests and embedded defaults.
func Parse(content string) (*Map, error) {
	return parse(bufio.NewScanner(strings.NewReader(content)), "<inline>")
}

func parse(sc *bufio.Scanner, name string) (*Map, error) {
	m := &Map{}
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: want \"<CIDR> <zone>\", got %q", name, lineNo, sc.Text())
		}
		prefix, err := netip.ParsePrefix(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, lineNo, err)
		}
		m.rules = append(m.rules, rule{prefix: prefix.Masked(), zone: fields[1]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].prefix.Bits() > m.rules[j].prefix.Bits()
	})
	return m, nil
}

// Zone returns the zone of the longest-prefix rule containing addr, or ""
// when no rule matches.
func (m *Map) Zone(addr netip.Addr) string {
	if m == nil {
		return ""
	}
	// Match IPv4 in either notation.
	candidates := []netip.Addr{addr}
	if addr.Is4In6() {
		candidates = append(candidates, addr.Unmap())
	}
	for _, r := range m.rules {
		for _, a := range candidates {
			if r.prefix.Contains(a) {
				return r.zone
			}
		}
	}
	return ""
}

// ZoneOf parses a host:port or bare address string and resolves its zone.
func (m *Map) ZoneOf(remoteAddr string) string {
	host := remoteAddr
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		return m.Zone(ap.Addr())
	}
	if i := strings.LastIndexByte(remoteAddr, ':'); i >= 0 && strings.Count(remoteAddr, ":") == 1 {
		host = remoteAddr[:i]
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return m.Zone(addr)
}

// Len returns the rule count.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}
