// Package phone is the session object of the walkie-talkie: it owns the
// transport and transaction layers, the profile, its registration and the
// single call slot, and tears all of them down on Close.
package phone

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/walkie_talkie/pkg/call"
	"github.com/arzzra/walkie_talkie/pkg/config"
	"github.com/arzzra/walkie_talkie/pkg/metrics"
	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/registration"
	"github.com/arzzra/walkie_talkie/pkg/sip/message"
	"github.com/arzzra/walkie_talkie/pkg/sip/resolve"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
	"github.com/arzzra/walkie_talkie/pkg/sip/transport"
)

// UserAgent is sent in the User-Agent header.
const UserAgent = "walkie-talkie/1.0"

// ErrClosed is returned by operations on a closed phone.
var ErrClosed = errors.New("phone closed")

// Option configures a Phone.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	transport  transport.Transport
	registerer prometheus.Registerer
	audio      call.AudioDevice
	locator    resolve.Locator
}

// WithLogger sets the logger of every layer.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport uses t instead of listening on conf.Transport.Listen.
func WithTransport(t transport.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegisterer registers the phone metrics in reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithAudio sets the audio device driven by calls.
func WithAudio(a call.AudioDevice) Option {
	return func(o *options) { o.audio = a }
}

// WithLocator overrides registrar and proxy discovery.
func WithLocator(l resolve.Locator) Option {
	return func(o *options) { o.locator = l }
}

// Phone is one SIP session: at most one profile, one registration and
// one call at a time.
type Phone struct {
	conf  *config.Config
	log   *slog.Logger
	local message.Local

	transports *transport.Layer
	tx         *transaction.Layer
	metrics    *metrics.Collector
	profiles   *profile.Store
	regs       *registration.Manager
	calls      *call.Manager

	// opMu serializes Login, Logout and Close
	opMu   sync.Mutex
	closed bool
}

// New builds a phone from conf. The transport is bound immediately,
// nothing is sent until Login.
func New(ctx context.Context, conf *config.Config, opts ...Option) (*Phone, error) {
	if conf == nil {
		conf = config.Default()
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	t := o.transport
	if t == nil {
		var err error
		if t, err = listen(ctx, conf.Transport, o.logger); err != nil {
			return nil, err
		}
	}

	transports := transport.NewLayer(o.logger.With(slog.String("component", "transport")))
	if err := transports.Add(t); err != nil {
		_ = t.Close()
		return nil, err
	}
	local, err := localAddress(conf.Transport.Advertise, t)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	collector := metrics.New(o.registerer)
	timers := transaction.Timers{T1: conf.Timers.T1, T2: conf.Timers.T2, T4: conf.Timers.T4, D: conf.Timers.D}
	tx := transaction.NewLayer(transports,
		transaction.WithTimers(timers),
		transaction.WithLogger(o.logger.With(slog.String("component", "transaction"))),
		transaction.WithObserver(collector))

	locator := o.locator
	if locator == nil {
		if conf.Registrar != "" {
			locator = resolve.Static(conf.Registrar)
		} else {
			locator = &resolve.SRVLocator{NameServer: conf.NameServer, Logger: o.logger}
		}
	}

	profiles := profile.NewStore()
	regs := registration.NewManager(tx, registration.Config{
		Expires:        conf.Registration.Expires,
		RefreshRatio:   conf.Registration.RefreshRatio,
		BackoffInitial: conf.Registration.BackoffInitial,
		BackoffMax:     conf.Registration.BackoffMax,
		Local:          local,
	},
		registration.WithLogger(o.logger.With(slog.String("component", "registration"))),
		registration.WithMetrics(collector),
		registration.WithLocator(locator))

	calls := call.NewManager(tx, profiles, call.Config{
		Local:         local,
		MediaPort:     conf.Call.MediaPort,
		InviteTimeout: conf.Call.InviteTimeout,
		ByeTimeout:    64 * timers.T1,
		Speaker:       conf.Call.Speaker,
		PushToTalk:    conf.Call.PushToTalk,
	},
		call.WithLogger(o.logger.With(slog.String("component", "call"))),
		call.WithMetrics(collector),
		call.WithLocator(locator),
		call.WithAudio(o.audio))

	return &Phone{
		conf:       conf,
		log:        o.logger,
		local:      local,
		transports: transports,
		tx:         tx,
		metrics:    collector,
		profiles:   profiles,
		regs:       regs,
		calls:      calls,
	}, nil
}

func listen(ctx context.Context, conf config.TransportConfig, logger *slog.Logger) (transport.Transport, error) {
	opts := []transport.Option{transport.WithLogger(logger)}
	switch conf.Network {
	case transport.TCP:
		return transport.ListenTCP(ctx, conf.Listen, opts...)
	case transport.TLS:
		cfg, err := tlsConfig(conf.TLS)
		if err != nil {
			return nil, err
		}
		return transport.ListenTLS(ctx, conf.Listen, cfg, opts...)
	default:
		return transport.ListenUDP(ctx, conf.Listen, opts...)
	}
}

func tlsConfig(conf config.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: conf.Insecure, //nolint:gosec // opt-in for test servers
	}
	if conf.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(conf.CertFile, conf.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// localAddress picks the host:port published in Via and Contact.
func localAddress(advertise string, t transport.Transport) (message.Local, error) {
	addr := advertise
	if addr == "" {
		addr = t.LocalAddr().String()
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return message.Local{}, fmt.Errorf("local address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return message.Local{}, fmt.Errorf("local port %q: %w", portStr, err)
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = outboundIP()
	}
	return message.Local{Network: t.Network(), Host: host, Port: port, UserAgent: UserAgent}, nil
}

// outboundIP returns the first global unicast IPv4 address of the host.
func outboundIP() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip := ipnet.IP.To4(); ip != nil && ip.IsGlobalUnicast() {
				return ip.String()
			}
		}
	}
	return "127.0.0.1"
}

// Run serves the transport, transaction and call workers until ctx is
// done or Close is called.
func (p *Phone) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.transports.Serve(gctx)
	})
	g.Go(func() error {
		return p.tx.Serve(gctx, p.transports.Inbound())
	})
	g.Go(func() error {
		return p.calls.Serve(gctx, p.tx.Requests())
	})
	return g.Wait()
}

// Login replaces the session profile: the active call is ended and the
// previous registration removed before prof is registered. An invalid
// profile is rejected before anything is sent.
func (p *Phone) Login(ctx context.Context, prof profile.Profile) (*registration.Registration, error) {
	if err := prof.Validate(); err != nil {
		return nil, &registration.Error{AOR: prof.String(), Err: err}
	}

	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}

	p.teardown(ctx)
	p.profiles.Set(prof)
	p.log.Info("logging in", slog.Any("profile", prof))
	return p.regs.Register(ctx, prof)
}

// Logout ends the call, removes the registration and forgets the profile.
func (p *Phone) Logout(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.teardown(ctx)
}

func (p *Phone) teardown(ctx context.Context) error {
	if c := p.calls.Active(); c != nil {
		if err := p.calls.End(ctx, c.ID()); err != nil {
			p.log.Debug("end call", slog.Any("error", err))
		}
	}
	err := p.regs.Unregister(ctx, p.regs.Current())
	if prev, ok := p.profiles.Clear(); ok {
		p.log.Info("logged out", slog.String("aor", prev.String()))
	}
	return err
}

// Call dials target, or the configured default target when empty.
func (p *Phone) Call(ctx context.Context, target string) (*call.Call, error) {
	if target == "" {
		target = p.conf.Target
	}
	return p.calls.Originate(ctx, target)
}

// Answer accepts the ringing call.
func (p *Phone) Answer(ctx context.Context) error {
	id, err := p.activeID("answer")
	if err != nil {
		return err
	}
	return p.calls.Answer(ctx, id)
}

// Hangup ends the active call in whatever state it is.
func (p *Phone) Hangup(ctx context.Context) error {
	id, err := p.activeID("end")
	if err != nil {
		return err
	}
	return p.calls.End(ctx, id)
}

// ToggleMute flips the microphone of the active call.
func (p *Phone) ToggleMute() (bool, error) {
	id, err := p.activeID("mute")
	if err != nil {
		return false, err
	}
	return p.calls.ToggleMute(id)
}

// PressToTalk unmutes the microphone while the talk button is held.
func (p *Phone) PressToTalk() error {
	return p.setMuted(false)
}

// ReleaseToTalk mutes the microphone again.
func (p *Phone) ReleaseToTalk() error {
	return p.setMuted(true)
}

func (p *Phone) setMuted(muted bool) error {
	id, err := p.activeID("mute")
	if err != nil {
		return err
	}
	return p.calls.SetMuted(id, muted)
}

// SetSpeaker switches speaker mode of the active call.
func (p *Phone) SetSpeaker(on bool) error {
	id, err := p.activeID("speaker")
	if err != nil {
		return err
	}
	return p.calls.SetSpeaker(id, on)
}

func (p *Phone) activeID(op string) (string, error) {
	c := p.calls.Active()
	if c == nil {
		return "", &call.Error{Op: op, Err: call.ErrDialogNotFound}
	}
	return c.ID(), nil
}

// OnRegistration subscribes fn to registration state changes.
func (p *Phone) OnRegistration(fn func(registration.Event)) (unsubscribe func()) {
	return p.regs.Subscribe(fn)
}

// OnCall subscribes fn to call state changes.
func (p *Phone) OnCall(fn func(call.Event)) (unsubscribe func()) {
	return p.calls.Subscribe(fn)
}

// ActiveCall returns the call in the slot or nil.
func (p *Phone) ActiveCall() *call.Call { return p.calls.Active() }

// Registration returns the current registration or nil.
func (p *Phone) Registration() *registration.Registration { return p.regs.Current() }

// Profile returns the logged in profile.
func (p *Phone) Profile() (profile.Profile, bool) { return p.profiles.Get() }

// Local returns the address published in Via and Contact.
func (p *Phone) Local() message.Local { return p.local }

// Close ends the call, removes the registration and releases the
// sockets. Run returns afterwards.
func (p *Phone) Close(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	// The call teardown and the un-REGISTER each get the whole ctx.
	var callsErr, regsErr error
	var g errgroup.Group
	g.Go(func() error {
		callsErr = p.calls.Close(ctx)
		return nil
	})
	g.Go(func() error {
		regsErr = p.regs.Close(ctx)
		return nil
	})
	_ = g.Wait()

	p.profiles.Clear()
	p.tx.Close()
	return errors.Join(callsErr, regsErr, p.transports.Close())
}
