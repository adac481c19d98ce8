package file

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/peerdrop/chunk"
	"github.com/opd-ai/peerdrop/transport"
	"github.com/sirupsen/logrus"
)

// errCancelled is returned inside a driver when the local side cancels.
var errCancelled = errors.New("cancelled")

// errStalled is returned by stream when a chunk timed out after its resends.
// The session resyncs with a resume; the shared connection stays up.
var errStalled = fmt.Errorf("chunk acknowledgements stalled: %w", errLinkLost)

// inflight tracks one unacknowledged chunk.
type inflight struct {
	sent    time.Time
	resends int
}

// runSender drives an outgoing session. stop unregisters the caller's
// context watch.
func (s *Session) runSender(stop func() bool) {
	defer s.mgr.wg.Done()
	defer stop()
	defer s.source.Close()

	var l link
	defer func() { s.detach(l) }()

	conn, err := s.mgr.resolver.Resolve(s.ctx, s.ticket, s.mgr.opts.ResolveTimeout)
	if err != nil {
		if s.ctx.Err() != nil {
			s.endSender(l, errCancelled)
			return
		}
		s.endSender(l, failure(ReasonUnreachable, "resolve peer", err))
		return
	}
	l = s.attach(conn)
	s.setState(StateNegotiating)

	if err := s.send(s.ctx, l.conn, transport.PacketOffer, serializeDescriptor(s.desc)); err != nil {
		s.endSender(l, s.linkError(failure(ReasonUnreachable, "send offer", err)))
		return
	}
	have, err := s.awaitReply(s.ctx, l, ReasonUnreachable)
	if err != nil {
		if errors.Is(err, errLinkLost) {
			err = failure(ReasonUnreachable, "connection lost during negotiation", l.conn.Err())
		}
		s.endSender(l, err)
		return
	}
	s.merge(have)
	s.setState(StateTransferring)

	stalled, stalledAt := false, uint32(0)
	for {
		err := s.stream(l)
		if !errors.Is(err, errLinkLost) {
			s.endSender(l, err)
			return
		}
		if errors.Is(err, errStalled) {
			acked := s.Confirmed().Len()
			if stalled && acked == stalledAt {
				s.notify(l.conn, transport.PacketCancel, serializeReason("sender timed out"))
				s.endSender(l, failure(ReasonTimeout, "receiver stopped acknowledging chunks", nil))
				return
			}
			stalled, stalledAt = true, acked
		}
		s.detach(l)
		l = link{}
		s.setState(StateResuming)

		l, err = s.reconnect()
		if err != nil {
			s.endSender(l, err)
			return
		}
		s.setState(StateTransferring)
	}
}

// linkError turns a send error into errCancelled when the session was
// cancelled meanwhile.
func (s *Session) linkError(err error) error {
	if s.ctx.Err() != nil {
		return errCancelled
	}
	return err
}

// awaitReply waits for the answer to an offer or resume. Expiry of ctx
// fails with reason, unless the session itself was cancelled.
func (s *Session) awaitReply(ctx context.Context, l link, reason Reason) (*chunk.Set, error) {
	timer := time.NewTimer(s.mgr.opts.NegotiateTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			if s.ctx.Err() != nil {
				return nil, errCancelled
			}
			return nil, failure(reason, "resume window expired", ctx.Err())
		case <-l.conn.Done():
			return nil, errLinkLost
		case <-timer.C:
			return nil, failure(ReasonTimeout, "no reply to offer", nil)
		case p := <-l.inbox:
			switch p.PacketType {
			case transport.PacketOfferReply:
				accepted, why, have, err := deserializeOfferReply(p.Data)
				if err != nil {
					s.logger("Session.awaitReply").WithField("error", err.Error()).Warn("Malformed offer reply")
					continue
				}
				if !accepted {
					return nil, failure(ReasonRejected, why, nil)
				}
				return have, nil
			case transport.PacketCancel:
				return nil, failure(ReasonCancelledByPeer, deserializeReason(p.Data), nil)
			case transport.PacketComplete:
				// A stale completion from before a reconnect; the reply follows.
			}
		}
	}
}

// stream sends every unconfirmed chunk, keeping at most Window in flight,
// then waits for the receiver's completion notice.
func (s *Session) stream(l link) error {
	opts := s.mgr.opts
	pending := s.Confirmed().Missing()
	flights := make(map[uint32]*inflight, opts.Window)
	next := 0

	tick := opts.ChunkTimeout / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	if tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	s.logger("Session.stream").WithFields(logrus.Fields{
		"pending": len(pending),
		"window":  opts.Window,
	}).Debug("Streaming chunks")

	for {
		for len(flights) < opts.Window && next < len(pending) {
			idx := pending[next]
			next++
			if s.isConfirmed(idx) {
				continue
			}
			if err := s.sendChunk(l, idx); err != nil {
				return err
			}
			flights[idx] = &inflight{sent: s.mgr.tp.Now()}
		}
		if len(flights) == 0 && next >= len(pending) {
			return s.awaitComplete(l)
		}

		select {
		case <-s.ctx.Done():
			return errCancelled
		case <-l.conn.Done():
			return errLinkLost
		case p := <-l.inbox:
			switch p.PacketType {
			case transport.PacketChunkAck:
				idx, err := deserializeIndex(p.Data)
				if err != nil {
					continue
				}
				delete(flights, idx)
				s.confirm(idx)
			case transport.PacketChunkNack:
				idx, err := deserializeIndex(p.Data)
				if err != nil {
					continue
				}
				f, ok := flights[idx]
				if !ok {
					continue
				}
				s.logger("Session.stream").WithField("index", idx).Warn("Receiver rejected chunk, resending")
				if err := s.sendChunk(l, idx); err != nil {
					return err
				}
				f.sent = s.mgr.tp.Now()
			case transport.PacketComplete:
				return s.completion(p.Data)
			case transport.PacketCancel:
				return failure(ReasonCancelledByPeer, deserializeReason(p.Data), nil)
			}
		case <-ticker.C:
			for idx, f := range flights {
				if s.mgr.tp.Since(f.sent) < opts.ChunkTimeout {
					continue
				}
				if f.resends >= opts.ChunkRetries {
					s.logger("Session.stream").WithField("index", idx).Warn("Chunk timed out again, resyncing session")
					return errStalled
				}
				f.resends++
				s.logger("Session.stream").WithField("index", idx).Info("Chunk timed out, resending")
				if err := s.sendChunk(l, idx); err != nil {
					return err
				}
				f.sent = s.mgr.tp.Now()
			}
		}
	}
}

// sendChunk reads, verifies and sends chunk index.
func (s *Session) sendChunk(l link, index uint32) error {
	c, err := s.source.ReadVerified(index)
	if err != nil {
		return failure(ReasonLocalIO, "read chunk", err)
	}
	if hook := s.mgr.beforeSend; hook != nil {
		hook(s, l.conn, index)
	}
	if s.ctx.Err() != nil {
		return errCancelled
	}
	if drop := s.mgr.dropChunk; drop != nil && drop(s, index) {
		return nil
	}
	if mutate := s.mgr.mutateChunk; mutate != nil {
		mutate(s, c)
	}
	if err := s.send(s.ctx, l.conn, transport.PacketChunk, serializeChunk(c)); err != nil {
		return s.linkError(errLinkLost)
	}
	return nil
}

// awaitComplete waits for the receiver's whole-file verdict.
func (s *Session) awaitComplete(l link) error {
	timer := time.NewTimer(s.mgr.opts.NegotiateTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return errCancelled
		case <-l.conn.Done():
			return errLinkLost
		case <-timer.C:
			return failure(ReasonTimeout, "no completion notice", nil)
		case p := <-l.inbox:
			switch p.PacketType {
			case transport.PacketComplete:
				return s.completion(p.Data)
			case transport.PacketCancel:
				return failure(ReasonCancelledByPeer, deserializeReason(p.Data), nil)
			case transport.PacketChunkAck:
				if idx, err := deserializeIndex(p.Data); err == nil {
					s.confirm(idx)
				}
			}
		}
	}
}

func (s *Session) completion(data []byte) error {
	if len(data) > 0 && completeStatus(data[0]) == completeOK {
		return nil
	}
	return failure(ReasonIntegrityMismatch, "receiver reported hash mismatch", nil)
}

// reconnect re-resolves the ticket and re-attaches the session to the
// receiver, within ResumeAttempts and ResumeTimeout.
func (s *Session) reconnect() (link, error) {
	opts := s.mgr.opts
	ctx, cancel := context.WithTimeout(s.ctx, opts.ResumeTimeout)
	defer cancel()

	logger := s.logger("Session.reconnect")
	backoff := opts.ResumeBackoff
	var lastErr error

	for attempt := 1; attempt <= opts.ResumeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return link{}, s.resumeExpired(lastErr)
			}
			backoff *= 2
		}

		conn, err := s.mgr.resolver.Resolve(ctx, s.ticket, opts.ResolveTimeout)
		if err != nil {
			lastErr = err
			logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err.Error(),
			}).Warn("Reconnect attempt failed")
			if ctx.Err() != nil {
				return link{}, s.resumeExpired(lastErr)
			}
			continue
		}

		l := s.attach(conn)
		if err := s.send(ctx, l.conn, transport.PacketResume, serializeDescriptor(s.desc)); err != nil {
			lastErr = err
			s.detach(l)
			continue
		}
		have, err := s.awaitReply(ctx, l, ReasonUnreachable)
		if errors.Is(err, errLinkLost) {
			lastErr = err
			s.detach(l)
			continue
		}
		if err != nil {
			return l, err
		}

		s.merge(have)
		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"cursor":  have.Cursor(),
		}).Info("Transfer resumed")
		return l, nil
	}
	return link{}, s.resumeExpired(lastErr)
}

func (s *Session) resumeExpired(err error) error {
	if s.ctx.Err() != nil {
		return errCancelled
	}
	return failure(ReasonUnreachable, "could not reconnect", err)
}

// endSender maps a driver result to a terminal state.
func (s *Session) endSender(l link, err error) {
	switch {
	case err == nil:
		s.finish(StateCompleted, nil)
	case errors.Is(err, errCancelled):
		s.notify(l.conn, transport.PacketCancel, serializeReason("cancelled by sender"))
		s.finish(StateCancelled, nil)
	default:
		s.finish(StateFailed, err)
	}
}
