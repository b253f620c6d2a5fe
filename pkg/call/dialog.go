package call

import (
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// dialog состояние диалога INVITE (RFC 3261 12)
//
// Поля меняются только под мьютексом звонка.
type dialog struct {
	callID    string
	localTag  string
	remoteTag string

	localURI      sip.Uri
	localDisplay  string
	remoteURI     sip.Uri
	remoteDisplay string

	// remoteTarget Contact удаленной стороны
	remoteTarget sip.Uri
	// routes route set из Record-Route, только loose routing
	routes []sip.Uri

	localSeq  uint32
	remoteSeq uint32
	// inviteSeq CSeq INVITE, номер для ACK на 2xx
	inviteSeq uint32
}

// newUASDialog создает диалог по входящему INVITE. Record-Route
// для UAS используется в исходном порядке.
func newUASDialog(invite *sip.Request, localTag string) *dialog {
	d := &dialog{
		callID:   invite.CallID().Value(),
		localTag: localTag,
	}
	if from := invite.From(); from != nil {
		d.remoteURI = from.Address
		d.remoteDisplay = from.DisplayName
		d.remoteTag = message.FromTag(from)
	}
	if to := invite.To(); to != nil {
		d.localURI = to.Address
		d.localDisplay = to.DisplayName
	}
	d.remoteTarget = d.remoteURI
	if contact := invite.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.remoteSeq = cseq.SeqNo
		d.inviteSeq = cseq.SeqNo
	}
	d.routes = recordRoutes(invite.GetHeaders("Record-Route"), false)
	return d
}

// newUACDialog создает диалог по 2xx на наш INVITE. Record-Route
// для UAC разворачивается.
func newUACDialog(invite *sip.Request, resp *sip.Response) *dialog {
	d := &dialog{
		callID: invite.CallID().Value(),
	}
	if from := invite.From(); from != nil {
		d.localURI = from.Address
		d.localDisplay = from.DisplayName
		d.localTag = message.FromTag(from)
	}
	if to := resp.To(); to != nil {
		d.remoteURI = to.Address
		d.remoteDisplay = to.DisplayName
		d.remoteTag = message.ToTag(to)
	}
	d.remoteTarget = invite.Recipient
	if contact := resp.Contact(); contact != nil {
		d.remoteTarget = contact.Address
	}
	if cseq := invite.CSeq(); cseq != nil {
		d.localSeq = cseq.SeqNo
		d.inviteSeq = cseq.SeqNo
	}
	d.routes = recordRoutes(resp.GetHeaders("Record-Route"), true)
	return d
}

func recordRoutes(headers []sip.Header, reverse bool) []sip.Uri {
	routes := make([]sip.Uri, 0, len(headers))
	for _, h := range headers {
		switch rr := h.(type) {
		case *sip.RecordRouteHeader:
			routes = append(routes, rr.Address)
		default:
			// в одном заголовке может быть несколько адресов через запятую
			for _, v := range strings.Split(h.Value(), ",") {
				v = strings.Trim(strings.TrimSpace(v), "<>")
				var uri sip.Uri
				if err := sip.ParseUri(v, &uri); err == nil {
					routes = append(routes, uri)
				}
			}
		}
	}
	if reverse {
		for i, j := 0, len(routes)-1; i < j; i, j = i+1, j-1 {
			routes[i], routes[j] = routes[j], routes[i]
		}
	}
	return routes
}

// matches проверяет, что запрос принадлежит диалогу
func (d *dialog) matches(req *sip.Request) bool {
	if d == nil || req.CallID() == nil || req.CallID().Value() != d.callID {
		return false
	}
	return message.FromTag(req.From()) == d.remoteTag && message.ToTag(req.To()) == d.localTag
}

// request строит запрос внутри диалога
func (d *dialog) request(method sip.RequestMethod, local message.Local, seq uint32) (*sip.Request, error) {
	b := message.NewRequest(method, d.remoteTarget).
		Via(local.Network, local.Host, local.Port, transaction.NewBranch()).
		From(d.localDisplay, d.localURI, d.localTag).
		To(d.remoteDisplay, d.remoteURI, d.remoteTag).
		CallID(d.callID).
		CSeq(seq).
		UserAgent(local.UserAgent)
	for _, r := range d.routes {
		b.Route(r)
	}
	return b.Build()
}

// ack строит ACK на 2xx: отдельная транзакция с номером CSeq INVITE
func (d *dialog) ack(local message.Local) (*sip.Request, error) {
	return d.request(sip.ACK, local, d.inviteSeq)
}

// nextRequest строит запрос со следующим локальным CSeq
func (d *dialog) nextRequest(method sip.RequestMethod, local message.Local) (*sip.Request, error) {
	d.localSeq++
	return d.request(method, local, d.localSeq)
}

// destination адрес следующего узла: первый Route или remote target
func (d *dialog) destination() string {
	next := d.remoteTarget
	if len(d.routes) > 0 {
		next = d.routes[0]
	}
	return hostPort(next)
}

func hostPort(uri sip.Uri) string {
	port := uri.Port
	if port == 0 {
		port = 5060
		if strings.EqualFold(uri.Scheme, "sips") {
			port = 5061
		}
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(port))
}
