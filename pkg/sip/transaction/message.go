package transaction

import (
	"github.com/emiago/sipgo/sip"
)

// buildAck строит ACK на не-2xx ответ согласно RFC 3261 17.1.1.3.
// ACK входит в INVITE транзакцию и использует ее branch.
func buildAck(invite *sip.Request, resp *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.ACK, *invite.Recipient.Clone())
	ack.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		ack.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, ack)
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, ack)
	if to := resp.To(); to != nil {
		ack.AppendHeader(sip.HeaderClone(to))
	} else {
		sip.CopyHeaders("To", invite, ack)
	}
	sip.CopyHeaders("Call-ID", invite, ack)
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	ack.SetBody(nil)
	return ack
}

// buildCancel строит CANCEL согласно RFC 3261 9.1: тот же Request-URI,
// Via, From, To, Call-ID и номер CSeq, что у отменяемого INVITE.
func buildCancel(invite *sip.Request) *sip.Request {
	cancel := sip.NewRequest(sip.CANCEL, *invite.Recipient.Clone())
	cancel.SipVersion = invite.SipVersion

	if via := invite.Via(); via != nil {
		cancel.AppendHeader(via.Clone())
	}
	sip.CopyHeaders("Route", invite, cancel)
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	cancel.SetBody(nil)
	return cancel
}

// NewResponse строит ответ на запрос. Если в запросе нет To-tag, ответам
// кроме 100 выставляется tag, одинаковый для всех ответов диалога.
func NewResponse(req *sip.Request, code int, reason, tag string) *sip.Response {
	resp := sip.NewResponseFromRequest(req, code, reason, nil)
	if code != sip.StatusTrying && tag != "" && !hasTag(req.To()) {
		if to := resp.To(); to != nil {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params.Add("tag", tag)
		}
	}
	resp.SetBody(nil)
	return resp
}

func hasTag(to *sip.ToHeader) bool {
	if to == nil || to.Params == nil {
		return false
	}
	tag, ok := to.Params.Get("tag")
	return ok && tag != ""
}
