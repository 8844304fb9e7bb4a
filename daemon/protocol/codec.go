package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Payload field numbers. These mirror the protocol schema and are frozen:
// changing one breaks every deployed peer.
const (
	fieldMessage     = 1
	fieldInfoType    = 2
	fieldSeqNum      = 3
	fieldAckNum      = 4
	fieldPriority    = 5
	fieldSourceID    = 6
	fieldTargetID    = 7
	fieldFileID      = 8
	fieldFileName    = 9
	fieldFileSize    = 10
	fieldChunkIndex  = 11
	fieldTotalChunks = 12
	fieldChunkData   = 13
	fieldMD5Hash     = 14
	fieldChunkMD5    = 15
)

// MarshalPayload serializes a message into the field-tagged binary payload
// carried inside a frame. Zero-valued fields are omitted.
func MarshalPayload(m *Message) []byte {
	b := make([]byte, 0, 64+len(m.ChunkData))
	if m.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	if m.InfoType != 0 {
		b = protowire.AppendTag(b, fieldInfoType, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.InfoType))
	}
	if m.SeqNum != 0 {
		b = protowire.AppendTag(b, fieldSeqNum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.SeqNum))
	}
	if m.AckNum != 0 {
		b = protowire.AppendTag(b, fieldAckNum, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.AckNum))
	}
	if m.Priority != 0 {
		b = protowire.AppendTag(b, fieldPriority, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Priority))
	}
	if m.SourceID != "" {
		b = protowire.AppendTag(b, fieldSourceID, protowire.BytesType)
		b = protowire.AppendString(b, m.SourceID)
	}
	if m.TargetID != "" {
		b = protowire.AppendTag(b, fieldTargetID, protowire.BytesType)
		b = protowire.AppendString(b, m.TargetID)
	}
	if m.FileID != "" {
		b = protowire.AppendTag(b, fieldFileID, protowire.BytesType)
		b = protowire.AppendString(b, m.FileID)
	}
	if m.FileName != "" {
		b = protowire.AppendTag(b, fieldFileName, protowire.BytesType)
		b = protowire.AppendString(b, m.FileName)
	}
	if m.FileSize != 0 {
		b = protowire.AppendTag(b, fieldFileSize, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.FileSize))
	}
	if m.ChunkIndex != 0 {
		b = protowire.AppendTag(b, fieldChunkIndex, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.ChunkIndex)))
	}
	if m.TotalChunks != 0 {
		b = protowire.AppendTag(b, fieldTotalChunks, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(uint32(m.TotalChunks)))
	}
	if len(m.ChunkData) > 0 {
		b = protowire.AppendTag(b, fieldChunkData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.ChunkData)
	}
	if m.MD5Hash != "" {
		b = protowire.AppendTag(b, fieldMD5Hash, protowire.BytesType)
		b = protowire.AppendString(b, m.MD5Hash)
	}
	if m.ChunkMD5 != "" {
		b = protowire.AppendTag(b, fieldChunkMD5, protowire.BytesType)
		b = protowire.AppendString(b, m.ChunkMD5)
	}
	return b
}

// UnmarshalPayload parses a field-tagged payload. Unknown fields are skipped
// so newer peers can add fields without breaking older servers.
func UnmarshalPayload(b []byte) (*Message, error) {
	m := &Message{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad field tag", ErrProtocolViolation)
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad varint for field %d", ErrProtocolViolation, num)
			}
			b = b[n:]
			switch num {
			case fieldInfoType:
				m.InfoType = InfoType(v)
			case fieldSeqNum:
				m.SeqNum = uint32(v)
			case fieldAckNum:
				m.AckNum = uint32(v)
			case fieldPriority:
				m.Priority = Priority(v)
			case fieldFileSize:
				m.FileSize = int64(v)
			case fieldChunkIndex:
				m.ChunkIndex = int32(v)
			case fieldTotalChunks:
				m.TotalChunks = int32(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad length-delimited field %d", ErrProtocolViolation, num)
			}
			b = b[n:]
			switch num {
			case fieldMessage:
				m.Message = string(v)
			case fieldSourceID:
				m.SourceID = string(v)
			case fieldTargetID:
				m.TargetID = string(v)
			case fieldFileID:
				m.FileID = string(v)
			case fieldFileName:
				m.FileName = string(v)
			case fieldChunkData:
				m.ChunkData = append([]byte(nil), v...)
			case fieldMD5Hash:
				m.MD5Hash = string(v)
			case fieldChunkMD5:
				m.ChunkMD5 = string(v)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad wire type %d", ErrProtocolViolation, typ)
			}
			b = b[n:]
		}
	}
	if m.InfoType > InfoAck {
		return nil, fmt.Errorf("%w: info type %d out of range", ErrProtocolViolation, m.InfoType)
	}
	if m.Priority > PriorityLow {
		return nil, fmt.Errorf("%w: priority %d out of range", ErrProtocolViolation, m.Priority)
	}
	return m, nil
}
