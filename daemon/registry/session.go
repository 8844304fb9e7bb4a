// Package registry tracks the per-client state of every live connection on
// the session server.
package registry

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the carrier a client connected over.
type Transport int

const (
	TransportTCP Transport = iota + 1
	TransportTLS
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "TCP"
	case TransportTLS:
		return "TLS"
	default:
		return "UNKNOWN"
	}
}

// Session is the per-client state held by the registry. Counters are updated
// with atomic adds; readers get a consistent value per field but no
// cross-field snapshot.
type Session struct {
	ID        uint32
	Transport Transport
	FilePath  string

	Conn net.Conn

	bytesReceived     atomic.Int64
	bytesSent         atomic.Int64
	fileBytesReceived atomic.Int64
	fileBytesSent     atomic.Int64
	recvCount         atomic.Int64
	sendCount         atomic.Int64
	recvFileCount     atomic.Int64
	sendFileCount     atomic.Int64

	seq          atomic.Uint32
	lastActivity atomic.Int64 // unix nanos
	startedAt    time.Time
	connected    atomic.Bool

	uniqueOnce sync.Once
	uniqueID   atomic.Value // string
}

func newSession(id uint32, conn net.Conn, transport Transport, fileRoot string) *Session {
	s := &Session{
		ID:        id,
		Transport: transport,
		FilePath:  fmt.Sprintf("%s/Client%d", fileRoot, id),
		Conn:      conn,
		startedAt: time.Now(),
	}
	s.connected.Store(true)
	s.Touch()
	return s
}

// Touch advances the activity clock to now.
func (s *Session) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := s.lastActivity.Load()
		if now <= prev || s.lastActivity.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// StartedAt returns when the session was registered.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// NextSeq returns the next outbound sequence number.
func (s *Session) NextSeq() uint32 {
	return s.seq.Add(1)
}

// BindUniqueID records the peer-supplied routing identifier. The first bind
// wins; later calls report whether this one took effect.
func (s *Session) BindUniqueID(id string) bool {
	bound := false
	s.uniqueOnce.Do(func() {
		s.uniqueID.Store(id)
		bound = true
	})
	return bound
}

// UniqueID returns the bound routing identifier, or "" before the bind.
func (s *Session) UniqueID() string {
	if v := s.uniqueID.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// IsConnected reports whether the session is still live.
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

func (s *Session) markClosed() {
	s.connected.Store(false)
}

// Counter mutators. One method per wire-visible counter keeps call sites
// greppable against the protocol contract.

func (s *Session) AddBytesReceived(n int64)     { s.bytesReceived.Add(n); s.recvCount.Add(1) }
func (s *Session) AddBytesSent(n int64)         { s.bytesSent.Add(n); s.sendCount.Add(1) }
func (s *Session) AddFileBytesReceived(n int64) { s.fileBytesReceived.Add(n); s.recvFileCount.Add(1) }
func (s *Session) AddFileBytesSent(n int64)     { s.fileBytesSent.Add(n); s.sendFileCount.Add(1) }

// Stats is a point-in-time copy of the session counters.
type Stats struct {
	BytesReceived     int64
	BytesSent         int64
	FileBytesReceived int64
	FileBytesSent     int64
	RecvCount         int64
	SendCount         int64
	RecvFileCount     int64
	SendFileCount     int64
}

// Stats copies the counters. Each field is individually consistent.
func (s *Session) Stats() Stats {
	return Stats{
		BytesReceived:     s.bytesReceived.Load(),
		BytesSent:         s.bytesSent.Load(),
		FileBytesReceived: s.fileBytesReceived.Load(),
		FileBytesSent:     s.fileBytesSent.Load(),
		RecvCount:         s.recvCount.Load(),
		SendCount:         s.sendCount.Load(),
		RecvFileCount:     s.recvFileCount.Load(),
		SendFileCount:     s.sendFileCount.Load(),
	}
}
