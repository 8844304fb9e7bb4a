package server

import (
	"context"
	"errors"

	"github.com/portlink/backend/daemon/dispatch"
	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/daemon/registry"
)

// handleInbound dispatches one decoded frame. Inbound handlers never retry;
// a bad frame is dropped here and the peer's own timers recover.
func (s *Server) handleInbound(ctx context.Context, env *dispatch.Envelope) dispatch.Result {
	msg := env.Msg
	sess, err := s.reg.Get(env.ClientID)
	if err != nil {
		// Client vanished between decode and dispatch.
		return dispatch.Ok
	}

	switch msg.InfoType {
	case protocol.InfoHeartBeat:
		s.reply(sess, protocol.NewAck(msg))
		return dispatch.Ok

	case protocol.InfoCTSFile, protocol.InfoSTCFile:
		return s.handleFileFrame(sess, msg)

	case protocol.InfoCTSNormal, protocol.InfoSTCNormal:
		s.reply(sess, protocol.NewAck(msg))
		return dispatch.Ok

	case protocol.InfoCTCNormal, protocol.InfoCTCFile, protocol.InfoCTCVideo, protocol.InfoCTCVoice:
		// Client-to-client traffic: forward unchanged; the recipient acks.
		s.forward(msg)
		return dispatch.Ok

	case protocol.InfoAck:
		if msg.TargetID != "" && msg.TargetID != s.cfg.ServiceName {
			s.forward(msg)
		}
		return dispatch.Ok

	default:
		if s.logger != nil {
			s.logger.FrameRejected(sess.ID, "unhandled info type", nil)
		}
		return dispatch.Fatal
	}
}

func (s *Server) handleFileFrame(sess *registry.Session, msg *protocol.Message) dispatch.Result {
	ack, err := s.engine.HandleFrame(sess.FilePath, msg)
	if err != nil {
		if errors.Is(err, protocol.ErrProtocolViolation) {
			s.dropClient(sess.ID, "protocol violation")
			return dispatch.Fatal
		}
		if s.logger != nil {
			s.logger.WithClient(sess.ID).Error(err, "file frame failed")
		}
		return dispatch.Ok
	}
	if ack != nil {
		s.reply(sess, ack)
	}
	return dispatch.Ok
}

// reply enqueues a server-originated message for one client.
func (s *Server) reply(sess *registry.Session, msg *protocol.Message) {
	env := dispatch.NewEnvelope(msg)
	env.ClientID = sess.ID
	if err := s.outbound.Enqueue(env); err != nil && s.logger != nil {
		s.logger.Error(err, "outbound enqueue failed")
	}
}

// forward routes a message to the client owning its wire target id. An
// unknown target is still enqueued: the send fails Transient, and after the
// retry budget the envelope parks until the target reconnects.
func (s *Server) forward(msg *protocol.Message) {
	env := dispatch.NewEnvelope(msg)
	if err := s.outbound.Enqueue(env); err != nil && s.logger != nil {
		s.logger.Error(err, "forward enqueue failed")
	}
}

// handleOutbound writes one envelope to its destination. Routing prefers the
// registry id stamped on the envelope; otherwise the wire target id resolves
// through the uniqueId index.
func (s *Server) handleOutbound(ctx context.Context, env *dispatch.Envelope) dispatch.Result {
	msg := env.Msg

	var sess *registry.Session
	var err error
	if env.ClientID != 0 {
		sess, err = s.reg.Get(env.ClientID)
	} else {
		sess, err = s.reg.GetByUniqueID(msg.TargetID)
		if err == nil {
			env.ClientID = sess.ID
		}
	}
	if err != nil {
		return dispatch.Transient
	}

	cc, ok := s.lookupConn(sess.ID)
	if !ok {
		return dispatch.Transient
	}

	if msg.SeqNum == 0 {
		msg.SeqNum = sess.NextSeq()
	}

	cc.writeMu.Lock()
	before := cc.enc.BytesWritten()
	err = cc.enc.Encode(msg)
	delta := cc.enc.BytesWritten() - before
	cc.writeMu.Unlock()

	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordFrameRejected("write_failed")
		}
		return dispatch.Transient
	}

	sess.Touch()
	sess.AddBytesSent(delta)
	if msg.InfoType.IsFile() {
		sess.AddFileBytesSent(int64(len(msg.ChunkData)))
	}
	if s.metrics != nil {
		s.metrics.RecordFrame("outbound", msg.InfoType.String(), int(delta))
	}
	return dispatch.Ok
}
