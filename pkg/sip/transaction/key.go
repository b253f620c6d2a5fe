package transaction

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// MagicCookie префикс branch из RFC 3261
const MagicCookie = "z9hG4bK"

// Key ключ транзакции: branch верхнего Via и метод. ACK сопоставляется с INVITE.
type Key struct {
	Branch string
	Method sip.RequestMethod
	Server bool
}

// String возвращает строковое представление ключа транзакции
func (k Key) String() string {
	side := "client"
	if k.Server {
		side = "server"
	}
	return fmt.Sprintf("%s|%s|%s", k.Branch, k.Method, side)
}

// NewBranch генерирует новый branch параметр для Via заголовка
func NewBranch() string {
	return MagicCookie + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// requestKey строит ключ по запросу
func requestKey(req *sip.Request, server bool) (Key, error) {
	branch, err := topBranch(req)
	if err != nil {
		return Key{}, err
	}
	method := req.Method
	if method == sip.ACK {
		method = sip.INVITE
	}
	return Key{Branch: branch, Method: method, Server: server}, nil
}

// responseKey строит ключ клиентской транзакции по ответу
func responseKey(resp *sip.Response) (Key, error) {
	branch, err := topBranch(resp)
	if err != nil {
		return Key{}, err
	}
	cseq := resp.CSeq()
	if cseq == nil {
		return Key{}, fmt.Errorf("%w: missing CSeq", ErrInvalidRequest)
	}
	method := cseq.MethodName
	if method == sip.ACK {
		method = sip.INVITE
	}
	return Key{Branch: branch, Method: method}, nil
}

func topBranch(msg sip.Message) (string, error) {
	var via *sip.ViaHeader
	switch m := msg.(type) {
	case *sip.Request:
		via = m.Via()
	case *sip.Response:
		via = m.Via()
	}
	if via == nil {
		return "", fmt.Errorf("%w: missing Via", ErrInvalidRequest)
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return "", fmt.Errorf("%w: missing branch", ErrInvalidRequest)
	}
	if !strings.HasPrefix(branch, MagicCookie) {
		return "", fmt.Errorf("%w: branch %q lacks magic cookie", ErrInvalidRequest, branch)
	}
	return branch, nil
}

// dialogKey ключ для сопоставления ACK на 2xx с INVITE: Call-ID и номер CSeq
type dialogKey struct {
	callID string
	seq    uint32
}

func ackKey(req *sip.Request) (dialogKey, bool) {
	callID := req.CallID()
	cseq := req.CSeq()
	if callID == nil || cseq == nil {
		return dialogKey{}, false
	}
	return dialogKey{callID: callID.Value(), seq: cseq.SeqNo}, true
}
