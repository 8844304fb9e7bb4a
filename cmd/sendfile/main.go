// Command sendfile pushes one file to a portlink session server over the
// framed protocol, retransmitting unacknowledged chunks for up to -rounds
// rounds, then declaring the whole-file hash once and waiting for the server
// to confirm it.
package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/daemon/transfer"
)

var (
	addr      string
	useTLS    bool
	filePath  string
	sourceID  string
	targetID  string
	chunkSize int
	parity    int
	rounds    int
)

func main() {
	flag.StringVar(&addr, "addr", "127.0.0.1:5200", "session server address")
	flag.BoolVar(&useTLS, "tls", false, "connect over TLS")
	flag.StringVar(&filePath, "file", "", "file to send")
	flag.StringVar(&sourceID, "source", "sendfile", "wire source id")
	flag.StringVar(&targetID, "target", "", "wire target id (empty sends to the server)")
	flag.IntVar(&chunkSize, "chunk-size", transfer.DefaultChunkSize, "chunk size in bytes")
	flag.IntVar(&parity, "parity", 0, "Reed-Solomon parity chunks to append")
	flag.IntVar(&rounds, "rounds", 3, "retransmit rounds before giving up")
	flag.Parse()

	if filePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: sendfile -file <path> [-addr host:port] [options]")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	plan, err := transfer.PlanFile(filePath, transfer.PlanOptions{
		Priority:     protocol.PriorityHigh,
		SourceID:     sourceID,
		TargetID:     targetID,
		ChunkSize:    chunkSize,
		ParityShards: parity,
	})
	if err != nil {
		return err
	}
	fmt.Printf("File ID: %s (%d chunks, %d bytes, md5 %s)\n", plan.FileID, plan.TotalChunks, plan.FileSize, plan.MD5)

	conn, err := dial()
	if err != nil {
		return err
	}
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	// Ack collector.
	var mu sync.Mutex
	acked := make(map[uint32]bool)
	completeAck := make(chan struct{}, 1)
	go func() {
		for {
			m, err := dec.Decode()
			if err != nil {
				return
			}
			if m.InfoType != protocol.InfoAck {
				continue
			}
			if m.Message == "FILE_COMPLETE_ACK" && m.FileID == plan.FileID {
				select {
				case completeAck <- struct{}{}:
				default:
				}
				continue
			}
			mu.Lock()
			acked[m.AckNum] = true
			mu.Unlock()
		}
	}()

	// Chunks first, with bounded retransmit rounds for the unacked tail.
	seq := uint32(0)
	seqOf := make(map[int]uint32, len(plan.Messages))
	chunks := plan.Messages[:len(plan.Messages)-1]
	for i, m := range chunks {
		seq++
		m.SeqNum = seq
		seqOf[i] = seq
		if err := enc.Encode(m); err != nil {
			return err
		}
	}

	for round := 0; round <= rounds; round++ {
		time.Sleep(time.Second)
		var missing []int
		mu.Lock()
		for i := range chunks {
			if !acked[seqOf[i]] {
				missing = append(missing, i)
			}
		}
		mu.Unlock()
		if len(missing) == 0 {
			break
		}
		if round == rounds {
			return fmt.Errorf("%d chunks unacknowledged after %d rounds", len(missing), rounds)
		}
		fmt.Printf("Retransmitting %d chunks (round %d)\n", len(missing), round+1)
		for _, i := range missing {
			seq++
			chunks[i].SeqNum = seq
			seqOf[i] = seq
			if err := enc.Encode(chunks[i]); err != nil {
				return err
			}
		}
	}

	// Whole-file hash declaration, then wait for the completion ack.
	complete := plan.Messages[len(plan.Messages)-1]
	seq++
	complete.SeqNum = seq
	if err := enc.Encode(complete); err != nil {
		return err
	}

	select {
	case <-completeAck:
		fmt.Println("Transfer verified by server.")
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("no FILE_COMPLETE_ACK (hash mismatch or server gone)")
	}
}

func dial() (net.Conn, error) {
	if useTLS {
		return tls.Dial("tcp", addr, &tls.Config{InsecureSkipVerify: true})
	}
	return net.DialTimeout("tcp", addr, 10*time.Second)
}
