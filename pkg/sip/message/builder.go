// Package message builds outgoing SIP requests on top of sipgo types.
package message

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// ErrMissingHeader is returned by Build when a mandatory header is absent.
var ErrMissingHeader = errors.New("missing required header")

// Local is the address the user agent publishes in Via and Contact.
type Local struct {
	Network   string
	Host      string
	Port      int
	UserAgent string
}

// Contact returns the contact URI for user at the local address.
func (l Local) Contact(user string) sip.Uri {
	uri := sip.Uri{Scheme: "sip", User: user, Host: l.Host, Port: l.Port}
	if n := strings.ToLower(l.Network); n != "" && n != "udp" {
		uri.UriParams = sip.NewParams().Add("transport", n)
	}
	return uri
}

// RequestBuilder helps build SIP requests
type RequestBuilder struct {
	req         *sip.Request
	maxForwards int
}

// NewRequest creates a new request builder
func NewRequest(method sip.RequestMethod, uri sip.Uri) *RequestBuilder {
	return &RequestBuilder{
		req:         sip.NewRequest(method, uri),
		maxForwards: 70, // RFC 3261 default
	}
}

// Via adds a Via header with rport (RFC 3581)
func (b *RequestBuilder) Via(network, host string, port int, branch string) *RequestBuilder {
	params := sip.NewParams()
	if branch != "" {
		params.Add("branch", branch)
	}
	params.Add("rport", "")
	b.req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       strings.ToUpper(network),
		Host:            host,
		Port:            port,
		Params:          params,
	})
	return b
}

// From sets the From header
func (b *RequestBuilder) From(display string, uri sip.Uri, tag string) *RequestBuilder {
	b.req.RemoveHeader("From")
	b.req.AppendHeader(&sip.FromHeader{DisplayName: display, Address: uri, Params: tagParams(tag)})
	return b
}

// To sets the To header
func (b *RequestBuilder) To(display string, uri sip.Uri, tag string) *RequestBuilder {
	b.req.RemoveHeader("To")
	b.req.AppendHeader(&sip.ToHeader{DisplayName: display, Address: uri, Params: tagParams(tag)})
	return b
}

// CallID sets the Call-ID header
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.req.RemoveHeader("Call-ID")
	h := sip.CallIDHeader(callID)
	b.req.AppendHeader(&h)
	return b
}

// CSeq sets the CSeq header for the request method
func (b *RequestBuilder) CSeq(seq uint32) *RequestBuilder {
	b.req.RemoveHeader("CSeq")
	b.req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: b.req.Method})
	return b
}

// Contact sets the Contact header
func (b *RequestBuilder) Contact(uri sip.Uri) *RequestBuilder {
	b.req.RemoveHeader("Contact")
	b.req.AppendHeader(&sip.ContactHeader{Address: uri})
	return b
}

// Route adds a Route header
func (b *RequestBuilder) Route(uri sip.Uri) *RequestBuilder {
	b.req.AppendHeader(&sip.RouteHeader{Address: uri})
	return b
}

// Expires sets the Expires header in seconds
func (b *RequestBuilder) Expires(seconds int) *RequestBuilder {
	return b.Set("Expires", strconv.Itoa(seconds))
}

// UserAgent sets the User-Agent header when ua is not empty
func (b *RequestBuilder) UserAgent(ua string) *RequestBuilder {
	if ua == "" {
		return b
	}
	return b.Set("User-Agent", ua)
}

// MaxForwards sets the Max-Forwards value
func (b *RequestBuilder) MaxForwards(value int) *RequestBuilder {
	b.maxForwards = value
	return b
}

// Header adds a custom header
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.req.AppendHeader(sip.NewHeader(name, value))
	return b
}

// Set replaces a header
func (b *RequestBuilder) Set(name, value string) *RequestBuilder {
	b.req.RemoveHeader(name)
	return b.Header(name, value)
}

// Body sets the message body
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.req.RemoveHeader("Content-Type")
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		b.req.AppendHeader(&ct)
	}
	b.req.SetBody(body)
	return b
}

// Build creates the final Request
func (b *RequestBuilder) Build() (*sip.Request, error) {
	if b.req.GetHeader("Max-Forwards") == nil {
		maxFwd := sip.MaxForwardsHeader(b.maxForwards)
		b.req.AppendHeader(&maxFwd)
	}
	if b.req.Body() == nil {
		b.req.SetBody(nil)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	return b.req, nil
}

// validate checks for mandatory headers
func (b *RequestBuilder) validate() error {
	for _, h := range []string{"Via", "From", "To", "Call-ID", "CSeq"} {
		if b.req.GetHeader(h) == nil {
			return fmt.Errorf("%w: %s", ErrMissingHeader, h)
		}
	}
	switch b.req.Method {
	case sip.INVITE, sip.REGISTER:
		if b.req.GetHeader("Contact") == nil {
			return fmt.Errorf("%w: Contact required for %s", ErrMissingHeader, b.req.Method)
		}
	}
	return nil
}

func tagParams(tag string) sip.HeaderParams {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	return params
}

// NewTag generates a tag for From/To headers
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// NewCallID generates a Call-ID
func NewCallID(host string) string {
	if host == "" {
		return uuid.NewString()
	}
	return uuid.NewString() + "@" + host
}

// FromTag returns the tag parameter of a From header
func FromTag(h *sip.FromHeader) string {
	if h == nil {
		return ""
	}
	return tagOf(h.Params)
}

// ToTag returns the tag parameter of a To header
func ToTag(h *sip.ToHeader) string {
	if h == nil {
		return ""
	}
	return tagOf(h.Params)
}

func tagOf(params sip.HeaderParams) string {
	if params == nil {
		return ""
	}
	tag, _ := params.Get("tag")
	return tag
}
