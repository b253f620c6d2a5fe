// Package auth answers SIP digest challenges (RFC 2617, RFC 3261 22).
package auth

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// ErrAuthFailed is returned when credentials were rejected or a challenge
// cannot be answered.
var ErrAuthFailed = errors.New("authentication failed")

// Credentials are the digest username and password.
type Credentials struct {
	Username string
	Password string
}

// IsChallenge reports whether resp asks for credentials.
func IsChallenge(resp *sip.Response) bool {
	return resp.StatusCode == sip.StatusUnauthorized || resp.StatusCode == sip.StatusProxyAuthRequired
}

// headerNames returns the challenge header and the matching credentials header.
func headerNames(resp *sip.Response) (string, string) {
	if resp.StatusCode == sip.StatusProxyAuthRequired {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// Authorize builds the resubmission of req answering the challenge in resp.
// The copy gets a new Via branch and the next CSeq number.
func Authorize(req *sip.Request, resp *sip.Response, cred Credentials, branch string) (*sip.Request, error) {
	if !IsChallenge(resp) {
		return nil, fmt.Errorf("%w: status %d is not a challenge", ErrAuthFailed, resp.StatusCode)
	}
	challengeName, authName := headerNames(resp)

	h := resp.GetHeader(challengeName)
	if h == nil {
		return nil, fmt.Errorf("%w: no %s header in %d response", ErrAuthFailed, challengeName, resp.StatusCode)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("%w: invalid challenge %q: %w", ErrAuthFailed, h.Value(), err)
	}

	digestCred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: cred.Username,
		Password: cred.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	next := req.Clone()
	next.RemoveHeader(authName)
	next.AppendHeader(sip.NewHeader(authName, digestCred.String()))

	if via := next.Via(); via != nil {
		if via.Params == nil {
			via.Params = sip.NewParams()
		}
		via.Params.Add("branch", branch)
	}
	if cseq := next.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return next, nil
}
