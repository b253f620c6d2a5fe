package registration

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/arzzra/walkie_talkie/internal/log"
	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/sip/auth"
	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/resolve"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
	"github.com/arzzra/walkie_talkie/pkg/sip/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	alice = profile.Profile{Username: "alice", Domain: "example.com", Password: "secret"}
	bob   = profile.Profile{Username: "bob", Domain: "example.com", Password: "hunter2"}
)

var fastTimers = transaction.Timers{
	T1: 5 * time.Millisecond,
	T2: 20 * time.Millisecond,
	T4: 20 * time.Millisecond,
	D:  50 * time.Millisecond,
}

// handlerFunc отвечает на n-й уникальный REGISTER. nil означает потерю.
type handlerFunc func(req *sip.Request, n int) *sip.Response

// registrar имитирует регистратор поверх транзакционного слоя
type registrar struct {
	layer *transaction.Layer

	mu       sync.Mutex
	handler  handlerFunc
	sendErr  error
	branches map[string]bool
	requests []*sip.Request
}

func (s *registrar) Send(_ context.Context, network, addr string, msg sip.Message) error {
	req, ok := msg.(*sip.Request)
	if !ok {
		return nil
	}
	branch, _ := req.Via().Params.Get("branch")

	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	if s.branches[branch] {
		s.mu.Unlock()
		return nil
	}
	s.branches[branch] = true
	s.requests = append(s.requests, req)
	n := len(s.requests)
	h := s.handler
	s.mu.Unlock()

	if resp := h(req, n); resp != nil {
		go s.layer.HandleMessage(context.Background(), transport.Packet{Message: resp, Network: network, Source: addr})
	}
	return nil
}

func (s *registrar) setSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (s *registrar) received() []*sip.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*sip.Request(nil), s.requests...)
}

func respond(req *sip.Request, code int, reason string, headers ...sip.Header) *sip.Response {
	resp := transaction.NewResponse(req, code, reason, "registrar")
	for _, h := range headers {
		resp.AppendHeader(h)
	}
	return resp
}

func challenge(req *sip.Request) *sip.Response {
	return respond(req, sip.StatusUnauthorized, "Unauthorized",
		sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="abc123", algorithm=MD5`))
}

func accept(req *sip.Request, expires int) *sip.Response {
	return respond(req, sip.StatusOK, "OK", &sip.ContactHeader{
		Address: req.Contact().Address,
		Params:  sip.NewParams().Add("expires", strconv.Itoa(expires)),
	})
}

func acceptAll(req *sip.Request, _ int) *sip.Response {
	return accept(req, 3600)
}

func expiresOf(req *sip.Request) string {
	if h := req.GetHeader("Expires"); h != nil {
		return h.Value()
	}
	return ""
}

type recorder struct {
	ch chan Event
}

func record(m *Manager) *recorder {
	r := &recorder{ch: make(chan Event, 64)}
	m.Subscribe(func(ev Event) { r.ch <- ev })
	return r
}

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no registration event")
		return Event{}
	}
}

func (r *recorder) expect(t *testing.T, states ...State) []Event {
	t.Helper()
	events := make([]Event, 0, len(states))
	for _, want := range states {
		ev := r.next(t)
		require.Equal(t, want, ev.State, "events so far: %v", events)
		events = append(events, ev)
	}
	return events
}

// until читает события до состояния want
func (r *recorder) until(t *testing.T, want State) []Event {
	t.Helper()
	var events []Event
	for {
		ev := r.next(t)
		events = append(events, ev)
		if ev.State == want {
			return events
		}
	}
}

func (r *recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-r.ch:
		t.Fatalf("unexpected event %s for %s (%v)", ev.State, ev.AOR, ev.Err)
	case <-time.After(d):
	}
}

func setup(t *testing.T, h handlerFunc, mutate ...func(*Config)) (*Manager, *registrar, *transaction.Layer) {
	t.Helper()
	reg := &registrar{handler: h, branches: make(map[string]bool)}
	layer := transaction.NewLayer(reg, transaction.WithTimers(fastTimers), transaction.WithLogger(log.Noop))
	reg.layer = layer

	conf := Config{
		Expires:        time.Hour,
		RefreshRatio:   0.9,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     40 * time.Millisecond,
		Local:          message.Local{Network: "udp", Host: "192.0.2.10", Port: 5060, UserAgent: "test"},
	}
	for _, fn := range mutate {
		fn(&conf)
	}
	m := NewManager(layer, conf, WithLocator(resolve.Static("192.0.2.1:5060")), WithLogger(log.Noop))
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		layer.Close()
	})
	return m, reg, layer
}

func TestRegister_InvalidProfileSendsNothing(t *testing.T) {
	profiles := []profile.Profile{
		{Domain: "example.com", Password: "secret"},
		{Username: "alice", Password: "secret"},
		{Username: "alice", Domain: "example.com"},
	}
	for _, p := range profiles {
		m, reg, _ := setup(t, acceptAll)
		events := record(m)

		r, err := m.Register(context.Background(), p)
		require.Error(t, err)
		assert.Nil(t, r)
		assert.ErrorIs(t, err, profile.ErrInvalidProfile)
		var regErr *Error
		assert.ErrorAs(t, err, &regErr)

		events.none(t, 30*time.Millisecond)
		assert.Empty(t, reg.received())
		assert.Nil(t, m.Current())
	}
}

func TestRegister_ChallengeThenSuccess(t *testing.T) {
	m, reg, _ := setup(t, func(req *sip.Request, n int) *sip.Response {
		if n == 1 {
			return challenge(req)
		}
		return accept(req, 600)
	})
	events := record(m)

	r, err := m.Register(context.Background(), alice)
	require.NoError(t, err)

	got := events.expect(t, StateRegistering, StateRegistered)
	assert.Equal(t, "sip:alice@example.com", got[1].AOR)
	assert.WithinDuration(t, time.Now().Add(600*time.Second), got[1].Expires, 5*time.Second)
	events.none(t, 50*time.Millisecond)
	assert.Equal(t, StateRegistered, r.State())
	assert.NoError(t, r.Err())

	reqs := reg.received()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].GetHeader("Authorization"))
	authz := reqs[1].GetHeader("Authorization")
	require.NotNil(t, authz)
	assert.Contains(t, authz.Value(), `username="alice"`)
	assert.Equal(t, reqs[0].CallID().Value(), reqs[1].CallID().Value())
	assert.Equal(t, reqs[0].CSeq().SeqNo+1, reqs[1].CSeq().SeqNo)
	assert.Equal(t, "3600", expiresOf(reqs[0]))
	assert.Equal(t, "alice", reqs[0].Contact().Address.User)
	assert.Equal(t, "192.0.2.10", reqs[0].Contact().Address.Host)
}

func TestRegister_ChallengedTwiceFails(t *testing.T) {
	m, reg, _ := setup(t, func(req *sip.Request, _ int) *sip.Response {
		return challenge(req)
	})
	events := record(m)

	r, err := m.Register(context.Background(), alice)
	require.NoError(t, err)

	got := events.expect(t, StateRegistering, StateFailed)
	assert.ErrorIs(t, got[1].Err, auth.ErrAuthFailed)

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("registration kept retrying after auth failure")
	}
	events.none(t, 100*time.Millisecond)

	reqs := reg.received()
	require.Len(t, reqs, 2, "no third credential attempt")
	withCredentials := 0
	for _, req := range reqs {
		if req.GetHeader("Authorization") != nil {
			withCredentials++
		}
	}
	assert.Equal(t, 1, withCredentials)
	assert.ErrorIs(t, r.Err(), auth.ErrAuthFailed)
}

func TestRegister_RefreshKeepsState(t *testing.T) {
	m, reg, _ := setup(t, func(req *sip.Request, _ int) *sip.Response {
		return accept(req, 1)
	}, func(c *Config) { c.RefreshRatio = 0.1 })
	events := record(m)

	_, err := m.Register(context.Background(), alice)
	require.NoError(t, err)
	events.expect(t, StateRegistering, StateRegistered)

	require.Eventually(t, func() bool { return len(reg.received()) >= 3 }, 2*time.Second, 10*time.Millisecond)
	events.none(t, 20*time.Millisecond)

	reqs := reg.received()
	assert.Equal(t, reqs[0].CallID().Value(), reqs[2].CallID().Value())
	assert.Less(t, reqs[0].CSeq().SeqNo, reqs[1].CSeq().SeqNo)
	assert.Less(t, reqs[1].CSeq().SeqNo, reqs[2].CSeq().SeqNo)
}

func TestRegister_NetworkFailureBackoff(t *testing.T) {
	m, reg, _ := setup(t, acceptAll)
	reg.setSendErr(errors.New("network is unreachable"))
	events := record(m)

	r, err := m.Register(context.Background(), alice)
	require.NoError(t, err)

	got := events.expect(t, StateRegistering, StateFailed, StateRegistering, StateFailed)
	assert.ErrorContains(t, got[1].Err, "unreachable")
	var regErr *Error
	require.ErrorAs(t, got[1].Err, &regErr)
	assert.Equal(t, "sip:alice@example.com", regErr.AOR)

	reg.setSendErr(nil)
	for _, ev := range events.until(t, StateRegistered) {
		assert.Contains(t, []State{StateRegistering, StateFailed, StateRegistered}, ev.State)
	}
	assert.Equal(t, StateRegistered, r.State())
}

func TestRegister_TimeoutIsRetried(t *testing.T) {
	var mu sync.Mutex
	drop := true
	m, _, _ := setup(t, func(req *sip.Request, _ int) *sip.Response {
		mu.Lock()
		defer mu.Unlock()
		if drop {
			return nil
		}
		return accept(req, 3600)
	})
	events := record(m)

	_, err := m.Register(context.Background(), alice)
	require.NoError(t, err)

	got := events.expect(t, StateRegistering, StateFailed)
	assert.ErrorIs(t, got[1].Err, transaction.ErrTimeout)

	mu.Lock()
	drop = false
	mu.Unlock()
	events.until(t, StateRegistered)
}

func TestRegister_IntervalTooBrief(t *testing.T) {
	m, reg, _ := setup(t, func(req *sip.Request, n int) *sip.Response {
		if n == 1 {
			return respond(req, statusIntervalTooBrief, "Interval Too Brief", sip.NewHeader("Min-Expires", "7200"))
		}
		return respond(req, sip.StatusOK, "OK", sip.NewHeader("Expires", "7200"))
	})
	events := record(m)

	_, err := m.Register(context.Background(), alice)
	require.NoError(t, err)
	got := events.expect(t, StateRegistering, StateRegistered)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), got[1].Expires, 5*time.Second)

	reqs := reg.received()
	require.Len(t, reqs, 2)
	assert.Equal(t, "3600", expiresOf(reqs[0]))
	assert.Equal(t, "7200", expiresOf(reqs[1]))
}

func TestRegister_RejectedIsTerminal(t *testing.T) {
	m, reg, _ := setup(t, func(req *sip.Request, _ int) *sip.Response {
		return respond(req, sip.StatusForbidden, "Forbidden")
	})
	events := record(m)

	r, err := m.Register(context.Background(), alice)
	require.NoError(t, err)

	got := events.expect(t, StateRegistering, StateFailed)
	assert.ErrorIs(t, got[1].Err, ErrRejected)
	var se *StatusError
	require.ErrorAs(t, got[1].Err, &se)
	assert.Equal(t, 403, se.Code)

	<-r.Done()
	events.none(t, 50*time.Millisecond)
	assert.Len(t, reg.received(), 1)
}

func TestRegister_ReplacesPreviousRegistration(t *testing.T) {
	m, reg, _ := setup(t, acceptAll)
	events := record(m)

	first, err := m.Register(context.Background(), alice)
	require.NoError(t, err)
	events.expect(t, StateRegistering, StateRegistered)

	second, err := m.Register(context.Background(), bob)
	require.NoError(t, err)

	got := events.expect(t, StateUnregistered, StateRegistering, StateRegistered)
	assert.Equal(t, "sip:alice@example.com", got[0].AOR)
	assert.Equal(t, "sip:bob@example.com", got[1].AOR)
	assert.Equal(t, "sip:bob@example.com", got[2].AOR)

	assert.Equal(t, StateUnregistered, first.State())
	assert.Same(t, second, m.Current())

	reqs := reg.received()
	require.Len(t, reqs, 3)
	assert.Equal(t, "alice", reqs[0].From().Address.User)
	assert.Equal(t, "3600", expiresOf(reqs[0]))
	assert.Equal(t, "alice", reqs[1].From().Address.User)
	assert.Equal(t, "0", expiresOf(reqs[1]))
	assert.Equal(t, "bob", reqs[2].From().Address.User)
	assert.NotEqual(t, reqs[0].CallID().Value(), reqs[2].CallID().Value())
}

func TestUnregister_Idempotent(t *testing.T) {
	m, reg, _ := setup(t, acceptAll)
	events := record(m)

	r, err := m.Register(context.Background(), alice)
	require.NoError(t, err)
	events.expect(t, StateRegistering, StateRegistered)

	require.NoError(t, m.Unregister(context.Background(), r))
	events.expect(t, StateUnregistered)
	require.NoError(t, m.Unregister(context.Background(), r))
	require.NoError(t, r.Unregister(context.Background()))
	require.NoError(t, m.Unregister(context.Background(), nil))
	events.none(t, 50*time.Millisecond)

	assert.Nil(t, m.Current())
	assert.Len(t, reg.received(), 2)
}

func TestUnregister_CancelsInFlight(t *testing.T) {
	m, reg, layer := setup(t, func(*sip.Request, int) *sip.Response { return nil })
	events := record(m)

	r, err := m.Register(context.Background(), alice)
	require.NoError(t, err)
	events.expect(t, StateRegistering)
	require.Eventually(t, func() bool { return len(reg.received()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.Unregister(context.Background()))
	events.expect(t, StateUnregistered)
	events.none(t, 50*time.Millisecond)

	clients, _ := layer.Len()
	assert.Zero(t, clients, "transaction timers stopped")
	assert.Len(t, reg.received(), 1, "no Expires: 0 for a binding that never existed")
}

func TestManager_Closed(t *testing.T) {
	m, _, _ := setup(t, acceptAll)
	require.NoError(t, m.Close(context.Background()))
	require.NoError(t, m.Close(context.Background()))

	_, err := m.Register(context.Background(), alice)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestGranted(t *testing.T) {
	m, _, _ := setup(t, acceptAll)
	r := newRegistration(m, alice)
	req, err := r.newRequest(time.Hour)
	require.NoError(t, err)

	ours := req.Contact().Address
	other := sip.Uri{Scheme: "sip", User: "alice", Host: "198.51.100.7", Port: 5060}

	resp := respond(req, sip.StatusOK, "OK",
		&sip.ContactHeader{Address: other, Params: sip.NewParams().Add("expires", "30")},
		&sip.ContactHeader{Address: ours, Params: sip.NewParams().Add("expires", "120")},
		sip.NewHeader("Expires", "90"))
	assert.Equal(t, 120*time.Second, r.granted(resp, time.Hour))

	resp = respond(req, sip.StatusOK, "OK", sip.NewHeader("Expires", "90"))
	assert.Equal(t, 90*time.Second, r.granted(resp, time.Hour))

	resp = respond(req, sip.StatusOK, "OK")
	assert.Equal(t, time.Hour, r.granted(resp, time.Hour))
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(errors.New("network")))
	assert.True(t, retryable(transaction.ErrTimeout))
	assert.True(t, retryable(&StatusError{Code: 503}))
	assert.False(t, retryable(&StatusError{Code: 404}))
	assert.False(t, retryable(&StatusError{Code: 603}))
	assert.False(t, retryable(auth.ErrAuthFailed))
}
