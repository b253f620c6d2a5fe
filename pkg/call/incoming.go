package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// handleInvite обрабатывает новый INVITE или re-INVITE внутри диалога
func (m *Manager) handleInvite(ctx context.Context, stx *transaction.ServerTx) {
	req := stx.Request()
	if message.ToTag(req.To()) != "" {
		m.handleReinvite(ctx, stx)
		return
	}
	if req.CallID() == nil || req.From() == nil {
		m.respond(ctx, stx, sip.StatusBadRequest, "Bad Request")
		return
	}

	p, ok := m.profiles.Get()
	if !ok {
		m.respond(ctx, stx, sip.StatusTemporarilyUnavailable, "Temporarily Unavailable")
		return
	}
	if user := req.Recipient.User; user != "" && user != p.Username {
		m.respond(ctx, stx, sip.StatusNotFound, "Not Found")
		return
	}

	callID := req.CallID().Value()
	log := m.log.With(slog.String("call_id", callID))

	answer, media, err := createAnswer(req.Body(), m.conf.MediaHost, m.conf.MediaPort)
	if err != nil {
		log.Info("incoming call rejected, no usable media", slog.Any("error", err))
		m.respond(ctx, stx, sip.StatusNotAcceptableHere, "Not Acceptable Here")
		return
	}

	from := req.From()
	c := newCall(m, callID, Incoming, p, peerOf(from.DisplayName, from.Address))
	c.server = stx
	c.dialog = newUASDialog(req, stx.Tag())
	c.media = media
	c.localSDP = answer

	if err := m.occupy(c); err != nil {
		if errors.Is(err, ErrClosed) {
			m.respond(ctx, stx, sip.StatusServiceUnavailable, "Service Unavailable")
			return
		}
		log.Info("incoming call rejected, another call is active",
			slog.String("remote", c.peer.String()))
		m.respond(ctx, stx, sip.StatusBusyHere, "Busy Here")
		return
	}

	ringing := stx.NewResponse(sip.StatusRinging, "Ringing")
	ringing.AppendHeader(&sip.ContactHeader{Address: m.conf.Local.Contact(p.Username)})
	m.send(ctx, stx, ringing)

	if !c.enter(evRing, nil) {
		return
	}
	m.wg.Add(1)
	go m.watchIncoming(c, stx)
}

// watchIncoming следит за входящим INVITE: CANCEL до ответа и ACK
// после 200 OK. Без ACK звонок завершается BYE.
func (m *Manager) watchIncoming(c *Call, stx *transaction.ServerTx) {
	defer m.wg.Done()

	cancelled := stx.Cancelled()
	for {
		select {
		case <-cancelled:
			cancelled = nil
			// CANCEL после 200 OK ни на что не влияет (RFC 3261 9.2)
			ok := c.enter(evEnd, func(cur State) bool {
				if cur != StateRinging || c.answering {
					return false
				}
				c.reason = EndCancelled
				return true
			})
			if ok {
				m.respond(context.Background(), stx, sip.StatusRequestTerminated, "Request Terminated")
				return
			}

		case <-stx.Acked():
			c.log.Debug("ACK received")
			return

		case <-stx.Done():
			err := stx.Err()
			if errors.Is(err, transaction.ErrTimeout) {
				ok := c.enter(evEnd, func(cur State) bool {
					if cur != StateEstablished {
						return false
					}
					c.reason = EndTimeout
					c.err = fmt.Errorf("no ACK for 200 OK: %w", transaction.ErrTimeout)
					return true
				})
				if ok {
					m.sendBye(c)
				}
				return
			}
			c.enter(evEnd, func(cur State) bool {
				if cur != StateRinging {
					return false
				}
				c.reason = EndFailed
				c.err = transaction.ErrTerminated
				return true
			})
			return

		case <-c.ended:
			return
		}
	}
}

// Answer принимает входящий звонок в состоянии Ringing: отправляет
// 200 OK с SDP answer и переводит звонок в Established.
func (m *Manager) Answer(ctx context.Context, id string) error {
	c, err := m.lookup(id)
	if err != nil {
		return &Error{CallID: id, Op: "answer", Err: err}
	}
	if c.direction != Incoming {
		return answerError(id, fmt.Errorf("%s call cannot be answered", c.direction))
	}

	c.mu.Lock()
	state := State(c.fsm.Current())
	if state != StateRinging || c.answering {
		c.mu.Unlock()
		return answerError(id, fmt.Errorf("call is %s", state))
	}
	c.answering = true
	stx, body := c.server, c.localSDP
	c.mu.Unlock()

	resp := m.withBody(stx.NewResponse(sip.StatusOK, "OK"), c.profile.Username, body)
	if err := stx.Respond(ctx, resp); err != nil {
		aerr := answerError(id, err)
		c.end(EndFailed, aerr)
		return aerr
	}

	if !c.enter(evEstablish, func(cur State) bool { return cur == StateRinging }) {
		return answerError(id, errors.New("call ended while answering"))
	}
	return nil
}

// handleReinvite отвечает на re-INVITE активного диалога. Новое SDP
// обновляет параметры медиа, аудио не перезапускается.
func (m *Manager) handleReinvite(ctx context.Context, stx *transaction.ServerTx) {
	req := stx.Request()
	c := m.Active()
	if c == nil || !c.matches(req) {
		m.respond(ctx, stx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}

	c.mu.Lock()
	if cseq := req.CSeq(); cseq != nil && cseq.SeqNo > c.dialog.remoteSeq {
		c.dialog.remoteSeq = cseq.SeqNo
	}
	body := c.localSDP
	c.mu.Unlock()

	if len(req.Body()) > 0 {
		answer, media, err := createAnswer(req.Body(), m.conf.MediaHost, m.conf.MediaPort)
		if err != nil {
			m.respond(ctx, stx, sip.StatusNotAcceptableHere, "Not Acceptable Here")
			return
		}
		c.mu.Lock()
		c.media = media
		c.localSDP = answer
		c.mu.Unlock()
		body = answer
	}
	m.send(ctx, stx, m.withBody(stx.NewResponse(sip.StatusOK, "OK"), c.profile.Username, body))
}

// handleBye завершает звонок по BYE удаленной стороны. BYE в раннем
// диалоге до ответа закрывает INVITE ответом 487 (RFC 3261 15.1.2).
func (m *Manager) handleBye(ctx context.Context, stx *transaction.ServerTx) {
	req := stx.Request()
	c := m.Active()
	if c == nil || !c.matches(req) {
		m.respond(ctx, stx, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	}
	m.respond(ctx, stx, sip.StatusOK, "OK")

	var pending *transaction.ServerTx
	c.enter(evEnd, func(cur State) bool {
		c.reason = EndRemote
		if cur == StateRinging && !c.answering {
			pending = c.server
		}
		return true
	})
	if pending != nil {
		m.respond(ctx, pending, sip.StatusRequestTerminated, "Request Terminated")
	}
}

// matches проверяет принадлежность запроса диалогу звонка
func (c *Call) matches(req *sip.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialog.matches(req)
}
