// Package protocol implements the framed binary protocol spoken between
// portlink clients and the session server: heartbeats, application messages
// and chunked file transfers.
package protocol

// InfoType identifies the kind of traffic a message carries. The numeric
// values are part of the wire contract and must not be reordered.
type InfoType uint8

const (
	InfoHeartBeat InfoType = iota
	InfoCTSNormal
	InfoCTSFile
	InfoSTCNormal
	InfoSTCFile
	InfoCTCNormal
	InfoCTCFile
	InfoCTCVideo
	InfoCTCVoice
	InfoAck
)

func (t InfoType) String() string {
	switch t {
	case InfoHeartBeat:
		return "HEART_BEAT"
	case InfoCTSNormal:
		return "CTS_NORMAL"
	case InfoCTSFile:
		return "CTS_FILE"
	case InfoSTCNormal:
		return "STC_NORMAL"
	case InfoSTCFile:
		return "STC_FILE"
	case InfoCTCNormal:
		return "CTC_NORMAL"
	case InfoCTCFile:
		return "CTC_FILE"
	case InfoCTCVideo:
		return "CTC_VIDEO"
	case InfoCTCVoice:
		return "CTC_VOICE"
	case InfoAck:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// IsFile reports whether the message belongs to a file transfer.
func (t InfoType) IsFile() bool {
	return t == InfoCTSFile || t == InfoSTCFile || t == InfoCTCFile
}

// Priority classes traffic for queueing and retry. HIGH gets the most workers
// and retries hardest; tiers do not preempt one another.
type Priority uint8

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Message is the unit of exchange on the wire (CommunicationData in the
// protocol schema). File-transfer fields are zero for non-file traffic.
type Message struct {
	Message  string
	InfoType InfoType
	SeqNum   uint32
	AckNum   uint32
	Priority Priority
	SourceID string
	TargetID string

	FileID      string
	FileName    string
	FileSize    int64
	ChunkIndex  int32
	TotalChunks int32
	ChunkData   []byte
	MD5Hash     string
	ChunkMD5    string
}

// NewAck builds the acknowledgment for a received message: infoType is
// InfoAck (the original's infoType is not carried), ackNum carries its
// seqNum, and file acks keep the fileId and chunkIndex so the sender can
// clear the right slot.
func NewAck(orig *Message) *Message {
	ack := &Message{
		Message:  "ACK",
		InfoType: InfoAck,
		AckNum:   orig.SeqNum,
		Priority: PriorityHigh,
		SourceID: orig.TargetID,
		TargetID: orig.SourceID,
	}
	if orig.InfoType.IsFile() {
		ack.FileID = orig.FileID
		ack.ChunkIndex = orig.ChunkIndex
	}
	return ack
}

// NewFileCompleteAck acknowledges a verified whole file.
func NewFileCompleteAck(orig *Message) *Message {
	ack := NewAck(orig)
	ack.Message = "FILE_COMPLETE_ACK"
	return ack
}

// IsFileComplete reports whether a file frame is the terminal control message
// carrying the whole-file hash: no chunk payload, index one past the last
// data chunk, and a declared MD5.
func (m *Message) IsFileComplete() bool {
	return m.InfoType.IsFile() && len(m.ChunkData) == 0 &&
		m.ChunkIndex == m.TotalChunks && m.MD5Hash != ""
}
