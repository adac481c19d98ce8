package file

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/sirupsen/logrus"
)

// errLinkLost is returned by the receive loop when the connection drops.
var errLinkLost = errors.New("connection lost")

// runReceiver drives an incoming session from negotiation to a terminal
// state. rec is a usable resume record, which accepts the offer without a
// decision.
func (s *Session) runReceiver(l link, rec *ResumeRecord) {
	defer s.mgr.wg.Done()
	defer func() { s.detach(l) }()
	defer s.closeTarget()

	s.setState(StateNegotiating)

	d, err := s.awaitDecision(l, rec)
	if err != nil {
		s.endReceiver(l, err)
		return
	}
	if !d.accept {
		s.notify(l.conn, transport.PacketOfferReply, serializeOfferReply(false, d.reason, nil))
		if d.fail != nil {
			s.finish(StateFailed, d.fail)
		} else {
			s.finish(StateCancelled, nil)
		}
		return
	}

	if err := s.openTarget(d.target, rec); err != nil {
		s.notify(l.conn, transport.PacketOfferReply, serializeOfferReply(false, RejectLocalIO, nil))
		s.finish(StateFailed, failure(ReasonLocalIO, "open target", err))
		return
	}
	s.persist()
	if err := s.sendHave(l); err != nil {
		l = s.waitReattach(l)
		if l.conn == nil {
			return
		}
	}
	s.setState(StateTransferring)

	for {
		err := s.receive(&l)
		if !errors.Is(err, errLinkLost) {
			s.endReceiver(l, err)
			return
		}
		l = s.waitReattach(l)
		if l.conn == nil {
			return
		}
		s.setState(StateTransferring)
	}
}

// awaitDecision waits for Accept or Reject, unless rec already decides.
func (s *Session) awaitDecision(l link, rec *ResumeRecord) (decision, error) {
	if rec != nil {
		s.logger("Session.awaitDecision").WithFields(logrus.Fields{
			"target": rec.Target,
			"cursor": rec.Cursor,
		}).Info("Resuming into existing partial file")
		return decision{accept: true, target: rec.Target}, nil
	}

	s.mgr.proposal(s.Info())

	timer := time.NewTimer(s.mgr.opts.NegotiateTimeout)
	defer timer.Stop()
	for {
		select {
		case d := <-s.decision:
			return d, nil
		case <-s.ctx.Done():
			return decision{reason: RejectDeclined}, nil
		case <-l.conn.Done():
			return decision{}, failure(ReasonUnreachable, "connection lost before a decision", l.conn.Err())
		case <-timer.C:
			s.notify(l.conn, transport.PacketOfferReply, serializeOfferReply(false, RejectTimeout, nil))
			return decision{}, failure(ReasonTimeout, RejectTimeout, nil)
		case p := <-l.inbox:
			if p.PacketType == transport.PacketCancel {
				return decision{}, failure(ReasonCancelledByPeer, deserializeReason(p.Data), nil)
			}
		}
	}
}

// openTarget preallocates the target and loads confirmed chunks from rec.
func (s *Session) openTarget(target string, rec *ResumeRecord) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := chunk.Preallocate(target, s.desc.Size)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.file = f
	s.target = target
	s.mu.Unlock()

	if rec == nil {
		rec = s.mgr.record(s.peer, s.desc)
	}
	if rec != nil && rec.Target == target {
		if set, err := rec.Set(); err == nil {
			s.merge(set)
		}
	}
	return nil
}

func (s *Session) closeTarget() {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		f.Close()
	}
}

// persist saves the confirmed set to the resume store.
func (s *Session) persist() {
	s.mu.RLock()
	rec := newResumeRecord(s.peer, s.desc, s.target, s.confirmed, s.mgr.tp.Now())
	s.mu.RUnlock()
	if err := s.mgr.resumeStore().Save(rec); err != nil {
		s.logger("Session.persist").WithField("error", err.Error()).Warn("Failed to save resume record")
	}
}

// sendHave accepts the offer or resume, reporting the confirmed chunks.
func (s *Session) sendHave(l link) error {
	have := s.Confirmed()
	return s.send(s.ctx, l.conn, transport.PacketOfferReply, serializeOfferReply(true, "", have))
}

// receive handles chunks until the file is complete or the session ends.
func (s *Session) receive(l *link) error {
	for {
		if s.Confirmed().Complete() {
			return s.finalize(*l)
		}
		select {
		case <-s.ctx.Done():
			return errCancelled
		case nl := <-s.reattach:
			// The peer reconnected before we noticed the old link drop.
			s.detach(*l)
			*l = nl
			if err := s.sendHave(nl); err != nil {
				return errLinkLost
			}
		case <-l.conn.Done():
			return errLinkLost
		case p := <-l.inbox:
			if err := s.handleReceived(*l, p); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleReceived(l link, p *transport.Packet) error {
	switch p.PacketType {
	case transport.PacketChunk:
		return s.handleChunk(l, p.Data)
	case transport.PacketResume:
		if err := s.sendHave(l); err != nil {
			return errLinkLost
		}
	case transport.PacketCancel:
		return failure(ReasonCancelledByPeer, deserializeReason(p.Data), nil)
	default:
		s.logger("Session.handleReceived").WithField("packet_type", p.PacketType.String()).Debug("Ignoring packet")
	}
	return nil
}

func (s *Session) handleChunk(l link, data []byte) error {
	logger := s.logger("Session.handleChunk")

	c, err := deserializeChunk(data, s.desc)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Dropping malformed chunk")
		return nil
	}
	if s.isConfirmed(c.Index) {
		return s.ack(l, transport.PacketChunkAck, c.Index)
	}

	if !chunk.VerifyChunk(c, c.Hash) {
		s.failures[c.Index]++
		logger.WithFields(logrus.Fields{
			"index":    c.Index,
			"failures": s.failures[c.Index],
		}).Warn("Chunk failed verification")
		if s.failures[c.Index] > s.mgr.opts.HashRetries {
			s.notify(l.conn, transport.PacketComplete, []byte{byte(completeIntegrity)})
			return failure(ReasonIntegrityMismatch, "chunk kept failing verification", nil)
		}
		return s.ack(l, transport.PacketChunkNack, c.Index)
	}

	s.mu.RLock()
	f := s.file
	s.mu.RUnlock()
	if err := chunk.WriteChunk(f, s.desc, c); err != nil {
		s.notify(l.conn, transport.PacketCancel, serializeReason(RejectLocalIO))
		return failure(ReasonLocalIO, "write chunk", err)
	}
	s.confirm(c.Index)
	s.persist()

	logger.WithField("index", c.Index).Debug("Chunk written")
	return s.ack(l, transport.PacketChunkAck, c.Index)
}

func (s *Session) ack(l link, kind transport.PacketType, index uint32) error {
	if err := s.send(s.ctx, l.conn, kind, serializeIndex(index)); err != nil {
		if s.ctx.Err() != nil {
			return errCancelled
		}
		return errLinkLost
	}
	return nil
}

func (s *Session) isConfirmed(index uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confirmed.Has(index)
}

// finalize checks the whole-file hash and reports the result to the sender.
func (s *Session) finalize(l link) error {
	s.mu.RLock()
	f := s.file
	s.mu.RUnlock()

	if err := f.Sync(); err != nil {
		return failure(ReasonLocalIO, "sync target", err)
	}
	digest, err := chunk.HashFile(f, s.desc.Size)
	if err != nil {
		return failure(ReasonLocalIO, "hash target", err)
	}
	store := s.mgr.resumeStore()
	if !digest.Equal(s.desc.Hash) {
		s.notify(l.conn, transport.PacketComplete, []byte{byte(completeIntegrity)})
		_ = store.Delete(s.peer, s.desc.Hash)
		return failure(ReasonIntegrityMismatch, "file hash mismatch", nil)
	}
	if err := store.Delete(s.peer, s.desc.Hash); err != nil {
		s.logger("Session.finalize").WithField("error", err.Error()).Warn("Failed to delete resume record")
	}
	// The file is final, so an offer of the same content may start as soon
	// as the sender hears about it.
	s.mgr.release(s)
	s.notify(l.conn, transport.PacketComplete, []byte{byte(completeOK)})
	return nil
}

// waitReattach parks a session whose connection dropped until the sender
// reconnects. It returns a zero link after finishing the session.
func (s *Session) waitReattach(l link) link {
	s.detach(l)
	s.setState(StateResuming)

	timer := time.NewTimer(s.mgr.opts.ResumeTimeout)
	defer timer.Stop()
	select {
	case nl := <-s.reattach:
		if err := s.sendHave(nl); err != nil {
			s.detach(nl)
			s.finish(StateFailed, failure(ReasonTimeout, "reconnect failed", err))
			return link{}
		}
		return nl
	case <-timer.C:
		s.finish(StateFailed, failure(ReasonTimeout, "peer did not reconnect", nil))
	case <-s.ctx.Done():
		s.endReceiver(link{}, errCancelled)
	}
	return link{}
}

// endReceiver maps a driver result to a terminal state.
func (s *Session) endReceiver(l link, err error) {
	switch {
	case err == nil:
		s.finish(StateCompleted, nil)
	case errors.Is(err, errCancelled):
		s.notify(l.conn, transport.PacketCancel, serializeReason("cancelled by receiver"))
		s.mu.RLock()
		discard := s.discard
		s.mu.RUnlock()
		if discard {
			s.discardPartial()
		}
		s.finish(StateCancelled, nil)
	default:
		s.finish(StateFailed, err)
	}
}

// discardPartial removes the partial target and its resume record.
func (s *Session) discardPartial() {
	s.closeTarget()
	s.mu.RLock()
	target := s.target
	s.mu.RUnlock()
	if target != "" {
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger("Session.discardPartial").WithField("error", err.Error()).Warn("Failed to remove partial file")
		}
	}
	_ = s.mgr.resumeStore().Delete(s.peer, s.desc.Hash)
}

// replayCompletion answers a resume for a session that already completed,
// e.g. when the final notice was lost with the connection.
func (s *Session) replayCompletion(conn *transport.Connection) {
	s.notify(conn, transport.PacketOfferReply, serializeOfferReply(true, "", s.Confirmed()))
	s.notify(conn, transport.PacketComplete, []byte{byte(completeOK)})
}
