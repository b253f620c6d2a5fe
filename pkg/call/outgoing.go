package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/sip/auth"
	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// Originate звонит target: "bob", "bob@host" или SIP URI. Возвращает
// звонок в состоянии Trying, дальнейшие переходы приходят уведомлениями.
func (m *Manager) Originate(ctx context.Context, target string) (*Call, error) {
	p, ok := m.profiles.Get()
	if !ok {
		return nil, originateError("", fmt.Errorf("%w: no profile", profile.ErrInvalidProfile))
	}
	if err := p.Validate(); err != nil {
		return nil, originateError("", err)
	}
	uri, err := parseTarget(target, p.Domain)
	if err != nil {
		return nil, originateError("", err)
	}

	local := m.conf.Local
	callID := message.NewCallID(local.Host)
	c := newCall(m, callID, Outgoing, p, peerOf("", uri))
	if err := m.occupy(c); err != nil {
		return nil, originateError(callID, err)
	}

	fail := func(err error) (*Call, error) {
		oerr := originateError(callID, err)
		c.end(EndFailed, oerr)
		return nil, oerr
	}

	addr, err := m.locator.Locate(ctx, locateName(uri), local.Network)
	if err != nil {
		return fail(fmt.Errorf("locate %s: %w", uri.Host, err))
	}
	offer, err := createOffer(m.conf.MediaHost, m.conf.MediaPort)
	if err != nil {
		return fail(err)
	}
	req, err := message.NewRequest(sip.INVITE, uri).
		Via(local.Network, local.Host, local.Port, transaction.NewBranch()).
		From(p.DisplayName, p.AOR(), message.NewTag()).
		To("", uri, "").
		CallID(callID).
		CSeq(1).
		Contact(local.Contact(p.Username)).
		UserAgent(local.UserAgent).
		Header("Allow", allowedMethods).
		Body("application/sdp", offer).
		Build()
	if err != nil {
		return fail(err)
	}

	tx, err := m.tx.Request(ctx, req, local.Network, addr)
	if err != nil {
		return fail(err)
	}

	c.mu.Lock()
	c.invite = tx
	c.localSDP = offer
	c.mu.Unlock()

	if !c.enter(evDial, nil) {
		// звонок уже завершен через Close
		tx.Terminate()
		return nil, originateError(callID, ErrClosed)
	}
	m.wg.Add(1)
	go m.runInvite(c, req, tx, addr)
	return c, nil
}

// parseTarget превращает ввод пользователя в Request-URI
func parseTarget(target, domain string) (sip.Uri, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return sip.Uri{}, errors.New("empty target")
	}
	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		if !strings.Contains(target, "@") {
			target += "@" + domain
		}
		target = "sip:" + target
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return sip.Uri{}, fmt.Errorf("invalid target %q: %w", target, err)
	}
	if uri.Host == "" {
		return sip.Uri{}, fmt.Errorf("invalid target %q: no host", target)
	}
	return uri, nil
}

func locateName(uri sip.Uri) string {
	if uri.Port != 0 {
		return net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port))
	}
	return uri.Host
}

// runInvite ждет ответы на исходящий INVITE до окончания транзакции.
// После 2xx продолжает читать повторы 2xx и переотправляет ACK, пока
// менеджер не закрывается.
func (m *Manager) runInvite(c *Call, req *sip.Request, tx *transaction.ClientTx, addr string) {
	defer m.wg.Done()

	network := m.conf.Local.Network
	timeout, cancel := context.WithTimeout(m.closing, m.conf.InviteTimeout)
	defer cancel()
	wait := timeout
	waiting := true
	draining := false
	authorized := false

	for {
		resp, err := tx.Next(wait)
		if err != nil {
			switch {
			case m.aborted.Err() != nil:
				tx.Terminate()
				return

			case m.closing.Err() != nil && !draining:
				m.hangup(m.aborted, c, EndLocal, ErrClosed)
				if tx.State() != transaction.StateProceeding {
					tx.Terminate()
					return
				}
				// на CANCEL ждем финальный ответ
				draining = true
				drain, stop := context.WithTimeout(m.aborted, m.conf.ByeTimeout)
				defer stop()
				wait = drain
				continue

			case draining:
				tx.Terminate()
				return

			case waiting && timeout.Err() != nil:
				// финального ответа нет: CANCEL и ждем 487 или поздний 2xx
				waiting = false
				wait = m.closing
				if c.endIf(StateTrying, EndTimeout, originateError(c.id, transaction.ErrTimeout)) {
					m.cancelInvite(tx)
				}
				continue
			}
			reason := EndFailed
			if errors.Is(err, transaction.ErrTimeout) {
				reason = EndTimeout
			}
			c.endIf(StateTrying, reason, originateError(c.id, err))
			return
		}

		code := int(resp.StatusCode)
		c.log.Debug("INVITE response", slog.Int("status", code))
		switch {
		case code < 200:

		case code < 300:
			m.accepted(c, req, resp)
			if draining {
				tx.Terminate()
				return
			}
			waiting = false
			wait = m.closing

		case auth.IsChallenge(resp) && !authorized && c.State() == StateTrying:
			authorized = true
			next, err := auth.Authorize(req, resp, c.profile.Credentials(), transaction.NewBranch())
			if err != nil {
				c.endIf(StateTrying, EndFailed, originateError(c.id, err))
				return
			}
			ntx, err := m.tx.Request(wait, next, network, addr)
			if err != nil {
				c.endIf(StateTrying, EndFailed, originateError(c.id, err))
				return
			}
			c.mu.Lock()
			c.invite = ntx
			c.mu.Unlock()
			req, tx = next, ntx

		default:
			reason := EndRejected
			var cause error = &StatusError{Code: code, Reason: resp.Reason}
			switch {
			case auth.IsChallenge(resp):
				reason = EndFailed
				cause = fmt.Errorf("%w: %d after credentials", auth.ErrAuthFailed, code)
			case code == sip.StatusBusyHere, code == sip.StatusGlobalBusyEverywhere:
				reason = EndBusy
			case code == sip.StatusRequestTerminated:
				reason = EndCancelled
			case code == sip.StatusRequestTimeout:
				reason = EndTimeout
			}
			c.endIf(StateTrying, reason, originateError(c.id, cause))
			return
		}
	}
}

// accepted обрабатывает 2xx на INVITE: ACK, диалог и Established.
// 2xx для уже завершенного звонка подтверждается ACK и закрывается BYE.
func (m *Manager) accepted(c *Call, invite *sip.Request, resp *sip.Response) {
	network := m.conf.Local.Network

	c.mu.Lock()
	if c.ack != nil {
		ack, dest := c.ack, c.dialog.destination()
		c.mu.Unlock()
		m.sendAck(c, ack, network, dest)
		return
	}
	d := newUACDialog(invite, resp)
	ack, err := d.ack(m.conf.Local)
	c.dialog = d
	c.ack = ack
	if to := resp.To(); to != nil && to.DisplayName != "" {
		c.peer.DisplayName = to.DisplayName
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Error("failed to build ACK", slog.Any("error", err))
		c.endIf(StateTrying, EndFailed, originateError(c.id, err))
		return
	}
	m.sendAck(c, ack, network, d.destination())

	media, err := negotiate(resp.Body())
	if err != nil {
		if c.endIf(StateTrying, EndFailed, originateError(c.id, err)) {
			m.sendBye(c)
		}
		return
	}
	media.LocalAddr = net.JoinHostPort(m.conf.MediaHost, strconv.Itoa(m.conf.MediaPort))

	established := c.enter(evEstablish, func(cur State) bool {
		if cur != StateTrying {
			return false
		}
		c.media = media
		return true
	})
	if !established {
		c.log.Info("2xx for ended call, closing dialog")
		m.sendBye(c)
	}
}

func (m *Manager) sendAck(c *Call, ack *sip.Request, network, dest string) {
	ctx, cancel := context.WithTimeout(m.aborted, m.conf.ByeTimeout)
	defer cancel()
	if err := m.tx.Send(ctx, ack, network, dest); err != nil {
		c.log.Warn("failed to send ACK", slog.Any("error", err))
	}
}

// cancelInvite отправляет CANCEL в фоне. Транзакция сама держит CANCEL
// до первого 1xx.
func (m *Manager) cancelInvite(tx *transaction.ClientTx) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.aborted, m.conf.ByeTimeout)
		defer cancel()
		if _, err := tx.Cancel(ctx); err != nil {
			m.log.Debug("CANCEL not sent", slog.Any("error", err))
		}
	}()
}

// endIf завершает звонок, только если он в состоянии from
func (c *Call) endIf(from State, reason EndReason, err error) bool {
	return c.enter(evEnd, func(cur State) bool {
		if cur != from {
			return false
		}
		c.reason = reason
		c.err = err
		return true
	})
}

// sendBye закрывает диалог в фоне. Для входящего звонка BYE уходит
// после ACK на 200 OK или истечения транзакции.
func (m *Manager) sendBye(c *Call) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		c.mu.Lock()
		stx := c.server
		c.mu.Unlock()
		if stx != nil {
			select {
			case <-stx.Acked():
			case <-stx.Done():
			case <-m.closing.Done():
			}
		}

		ctx, cancel := context.WithTimeout(m.aborted, m.conf.ByeTimeout)
		defer cancel()
		if err := m.bye(ctx, c); err != nil {
			c.log.Warn("BYE failed", slog.Any("error", err))
		}
	}()
}

func (m *Manager) bye(ctx context.Context, c *Call) error {
	c.mu.Lock()
	if c.dialog == nil {
		c.mu.Unlock()
		return errors.New("no dialog")
	}
	req, err := c.dialog.nextRequest(sip.BYE, m.conf.Local)
	dest := c.dialog.destination()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	resp, err := m.roundTrip(ctx, req, dest)
	if err != nil {
		return err
	}
	if auth.IsChallenge(resp) {
		next, err := auth.Authorize(req, resp, c.profile.Credentials(), transaction.NewBranch())
		if err != nil {
			return err
		}
		c.mu.Lock()
		if cseq := next.CSeq(); cseq != nil && cseq.SeqNo > c.dialog.localSeq {
			c.dialog.localSeq = cseq.SeqNo
		}
		c.mu.Unlock()
		if resp, err = m.roundTrip(ctx, next, dest); err != nil {
			return err
		}
	}
	if resp.StatusCode >= 300 {
		return &StatusError{Code: int(resp.StatusCode), Reason: resp.Reason}
	}
	return nil
}

// roundTrip отправляет запрос и ждет финальный ответ
func (m *Manager) roundTrip(ctx context.Context, req *sip.Request, dest string) (*sip.Response, error) {
	tx, err := m.tx.Request(ctx, req, m.conf.Local.Network, dest)
	if err != nil {
		return nil, err
	}
	for {
		resp, err := tx.Next(ctx)
		if err != nil {
			tx.Terminate()
			return nil, err
		}
		if resp.StatusCode >= 200 {
			return resp, nil
		}
	}
}
