package zonemap

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

const sampleRules = `
# edge zones
10.0.0.0/8       us-east      # broad rule
10.1.0.0/16      us-east-1a
10.1.2.0/24      us-east-1a-rack7
192.168.0.0/16   lab
2001:db8::/32    eu-west
2001:db8:1::/48  eu-west-1b
`

func TestParse_LongestPrefixWins(t *testing.T) {
	m, err := Parse(sampleRules)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Len() != 6 {
		t.Fatalf("Len = %d, want 6", m.Len())
	}

	cases := []struct {
		addr string
		zone string
	}{
		{"10.2.3.4", "us-east"},
		{"10.1.9.9", "us-east-1a"},
		{"10.1.2.3", "us-east-1a-rack7"},
		{"192.168.44.1", "lab"},
		{"172.16.0.1", ""},
		{"2001:db8:2::1", "eu-west"},
		{"2001:db8:1::1", "eu-west-1b"},
	}
	for _, tc := range cases {
		addr := netip.MustParseAddr(tc.addr)
		if got := m.Zone(addr); got != tc.zone {
			t.Errorf("Zone(%s) = %q, want %q", tc.addr, got, tc.zone)
		}
	}
}

func TestZoneOf_AddrPortForms(t *testing.T) {
	m, err := Parse(sampleRules)
	if err != nil {
		t.Fatal(err)
	}
	if got := m.ZoneOf("10.1.2.3:52011"); got != "us-east-1a-rack7" {
		t.Errorf("ZoneOf host:port = %q", got)
	}
	if got := m.ZoneOf("[2001:db8:1::1]:443"); got != "eu-west-1b" {
		t.Errorf("ZoneOf v6 = %q", got)
	}
	if got := m.ZoneOf("10.2.3.4"); got != "us-east" {
		t.Errorf("ZoneOf bare = %q", got)
	}
	if got := m.ZoneOf("not-an-address"); got != "" {
		t.Errorf("ZoneOf garbage = %q", got)
	}
}

func TestZone_MappedV4(t *testing.T) {
	m, _ := Parse("10.0.0.0/8 core\n")
	addr := netip.MustParseAddr("::ffff:10.5.5.5")
	if got := m.Zone(addr); got != "core" {
		t.Errorf("mapped v4 lookup = %q", got)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ip-rules.txt")
	if err := os.WriteFile(path, []byte(sampleRules), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Len() != 6 {
		t.Errorf("Len = %d", m.Len())
	}
}

func TestParse_BadLine(t *testing.T) {
	if _, err := Parse("10.0.0.0/8 zone extra\n"); err == nil {
		t.Error("expected error for extra field")
	}
	if _, err := Parse("10.0.0.300/8 zone\n"); err == nil {
		t.Error("expected error for bad CIDR")
	}
}
