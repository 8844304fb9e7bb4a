// Package proxy implements the port forwarder: protocol-specific listeners,
// target selection through the balance strategies, splice loops and the
// metrics snapshot.
package proxy

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/portlink/backend/proxy/balance"
)

// Protocol names an endpoint's front listener type.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoTLS  Protocol = "tls"
	ProtoUDP  Protocol = "udp"
	ProtoHTTP Protocol = "http"
	ProtoQUIC Protocol = "quic"
)

const (
	// DefaultIdleTimeout closes a spliced connection after this much silence
	// in both directions.
	DefaultIdleTimeout = 30 * time.Second

	// DefaultUDPExpiry drops an idle NAT mapping.
	DefaultUDPExpiry = 5 * time.Minute
)

// EndpointConfig declares one front listener and its backend pool.
type EndpointConfig struct {
	ListenIP   string
	ListenPort int
	Protocol   Protocol
	Targets    []*balance.Target

	Algorithm   string
	HashKey     balance.KeySelector
	MaxConns    int
	IdleTimeout time.Duration
	UDPExpiry   time.Duration

	// AcceptRate/AcceptBurst enable the accept token bucket when positive.
	AcceptRate  float64
	AcceptBurst int

	// TLS fronts must carry a server certificate; client certs are verified
	// when required.
	ServerTLS          *tls.Config
	ClientCertRequired bool

	// BackendTimeout bounds each HTTP request to a target.
	BackendTimeout time.Duration
}

func (c *EndpointConfig) listenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenIP, c.ListenPort)
}

func (c *EndpointConfig) validate() error {
	switch c.Protocol {
	case ProtoTCP, ProtoTLS, ProtoUDP, ProtoHTTP, ProtoQUIC:
	default:
		return fmt.Errorf("endpoint :%d: unknown protocol %q", c.ListenPort, c.Protocol)
	}
	// Port 0 binds ephemerally (tests, dynamic setups).
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("endpoint %q: listen port %d out of range", c.Protocol, c.ListenPort)
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("endpoint :%d: no targets", c.ListenPort)
	}
	if (c.Protocol == ProtoTLS || c.Protocol == ProtoQUIC) && c.ServerTLS == nil {
		return fmt.Errorf("endpoint :%d: %s front requires a server certificate", c.ListenPort, c.Protocol)
	}
	if c.Algorithm == "hash" && c.HashKey == nil {
		return fmt.Errorf("endpoint :%d: hash algorithm requires a key selector", c.ListenPort)
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.UDPExpiry <= 0 {
		c.UDPExpiry = DefaultUDPExpiry
	}
	return nil
}
