package proxy

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/portlink/backend/proxy/balance"
)

// echoServer accepts TCP connections and echoes everything back, prefixed
// with its tag so tests can tell backends apart.
func echoServer(t *testing.T, tag string) *balance.Target {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					fmt.Fprintf(c, "%s:%s", tag, line)
				}
			}(conn)
		}
	}()
	return targetFor(t, ln.Addr().String())
}

func targetFor(t *testing.T, addr string) *balance.Target {
	t.Helper()
	ap, err := netip.ParseAddrPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return balance.NewTarget(ap.Addr().String(), int(ap.Port()), int(ap.Port()))
}

func startManager(t *testing.T, cfgs ...EndpointConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfgs, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Stop(time.Second) })
	return m
}

func TestTCPForward_EndToEnd(t *testing.T) {
	target := echoServer(t, "b1")
	m := startManager(t, EndpointConfig{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoTCP,
		Targets: []*balance.Target{target},
	})
	ep := m.Endpoints()[0]

	conn, err := net.Dial("tcp", ep.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	fmt.Fprint(conn, "ping\n")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "b1:ping\n" {
		t.Fatalf("echo = %q", line)
	}
}

func TestTCPForward_ConnectionCountReturnsToZero(t *testing.T) {
	target := echoServer(t, "b1")
	m := startManager(t, EndpointConfig{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoTCP,
		Targets: []*balance.Target{target},
	})
	ep := m.Endpoints()[0]

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", ep.Addr())
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprint(conn, "x\n")
		bufio.NewReader(conn).ReadString('\n')
		conn.Close()
	}

	deadline := time.After(3 * time.Second)
	for target.CurrentConnections() != 0 {
		select {
		case <-deadline:
			t.Fatalf("currentConnections stuck at %d", target.CurrentConnections())
		case <-time.After(20 * time.Millisecond):
		}
	}
	if target.TotalConnections() != 3 {
		t.Errorf("total = %d, want 3", target.TotalConnections())
	}
}

func TestHTTPForward_RewriteAndStatus(t *testing.T) {
	var gotPath, gotHeader string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Forwarded-Tier")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "ok")
	}))
	t.Cleanup(backend.Close)

	target := targetFor(t, strings.TrimPrefix(backend.URL, "http://"))
	target.Backend = balance.BackendHTTP
	target.StripPrefix = "/api"
	target.SetHeaders = map[string]string{"X-Forwarded-Tier": "edge"}

	m := startManager(t, EndpointConfig{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoHTTP,
		Targets:        []*balance.Target{target},
		BackendTimeout: 5 * time.Second,
	})
	ep := m.Endpoints()[0]

	resp, err := http.Get("http://" + ep.Addr() + "/api/v1/things")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if gotPath != "/v1/things" {
		t.Errorf("backend path = %q, want prefix stripped", gotPath)
	}
	if gotHeader != "edge" {
		t.Errorf("header rewrite missing: %q", gotHeader)
	}
	if counts := target.StatusCounts(); counts[0] != 1 {
		t.Errorf("2xx count = %d", counts[0])
	}
	if target.AverageResponseTime() <= 0 {
		t.Error("response time EWMA not updated")
	}
}

func TestHTTPForward_NoTargetsIs503(t *testing.T) {
	down := balance.NewTarget("127.0.0.1", 1, 1)
	down.SetHealthy(false)

	m := startManager(t, EndpointConfig{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoHTTP,
		Targets: []*balance.Target{down},
	})
	ep := m.Endpoints()[0]

	resp, err := http.Get("http://" + ep.Addr() + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestUDPForward_Datagrams(t *testing.T) {
	// UDP echo backend.
	backendConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { backendConn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, src, err := backendConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			backendConn.WriteToUDP(append([]byte("echo:"), buf[:n]...), src)
		}
	}()

	target := targetFor(t, backendConn.LocalAddr().String())
	target.Backend = balance.BackendUDP

	m := startManager(t, EndpointConfig{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoUDP,
		Targets: []*balance.Target{target},
	})
	ep := m.Endpoints()[0]

	conn, err := net.Dial("udp", ep.Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("dgram")); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("udp read: %v", err)
	}
	if string(buf[:n]) != "echo:dgram" {
		t.Fatalf("udp echo = %q", buf[:n])
	}
}

func TestManager_RejectsDuplicatePorts(t *testing.T) {
	target := balance.NewTarget("127.0.0.1", 1, 1)
	_, err := NewManager([]EndpointConfig{
		{ListenIP: "127.0.0.1", ListenPort: 19999, Protocol: ProtoTCP, Targets: []*balance.Target{target}},
		{ListenIP: "127.0.0.1", ListenPort: 19999, Protocol: ProtoUDP, Targets: []*balance.Target{target}},
	}, nil, nil, nil)
	if err == nil {
		t.Fatal("duplicate listen port accepted")
	}
}

func TestManager_TLSRequiresCertificate(t *testing.T) {
	target := balance.NewTarget("127.0.0.1", 1, 1)
	_, err := NewManager([]EndpointConfig{
		{ListenIP: "127.0.0.1", ListenPort: 19998, Protocol: ProtoTLS, Targets: []*balance.Target{target}},
	}, nil, nil, nil)
	if err == nil {
		t.Fatal("TLS endpoint without certificate accepted")
	}
}

func TestManager_HashWithoutSelectorRejected(t *testing.T) {
	target := balance.NewTarget("127.0.0.1", 1, 1)
	_, err := NewManager([]EndpointConfig{
		{ListenIP: "127.0.0.1", ListenPort: 19997, Protocol: ProtoTCP, Algorithm: "hash", Targets: []*balance.Target{target}},
	}, nil, nil, nil)
	if err == nil {
		t.Fatal("hash endpoint without key selector accepted")
	}
}

func TestSnapshot_Consistency(t *testing.T) {
	target := echoServer(t, "b1")
	m := startManager(t, EndpointConfig{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoTCP,
		Targets: []*balance.Target{target},
	})

	conn, err := net.Dial("tcp", m.Endpoints()[0].Addr())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	fmt.Fprint(conn, "x\n")
	bufio.NewReader(conn).ReadString('\n')

	snap := m.Snapshot()
	if len(snap.Endpoints) != 1 || !snap.Endpoints[0].IsActive {
		t.Fatalf("endpoint status = %+v", snap.Endpoints)
	}
	if len(snap.Targets) != 1 || snap.Targets[0].Total != 1 {
		t.Fatalf("target metrics = %+v", snap.Targets)
	}
	if snap.GlobalActive != snap.Targets[0].Active {
		t.Fatal("global active must sum per-target actives")
	}
}

func TestEndpoint_StopRefusesNewConnections(t *testing.T) {
	target := echoServer(t, "b1")
	m, err := NewManager([]EndpointConfig{{
		ListenIP: "127.0.0.1", ListenPort: 0, Protocol: ProtoTCP,
		Targets: []*balance.Target{target},
	}}, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	addr := m.Endpoints()[0].Addr()
	m.Stop(time.Second)

	if _, err := net.Dial("tcp", addr); err == nil {
		t.Fatal("stopped endpoint accepted a connection")
	}
	if m.Endpoints()[0].IsActive() {
		t.Fatal("stopped endpoint still reports active")
	}
}
