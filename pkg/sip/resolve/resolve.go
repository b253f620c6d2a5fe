// Package resolve locates the SIP server for a domain using DNS SRV
// (RFC 3263 4.2) with a fallback to the domain on the default port.
package resolve

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"braces.dev/errtrace"
	"github.com/miekg/dns"

	"github.com/arzzra/walkie_talkie/pkg/sip/transport"
)

// Locator finds the host:port to send requests for a domain to.
type Locator interface {
	Locate(ctx context.Context, domain, network string) (string, error)
}

// Static always returns the same address.
type Static string

// Locate returns the static address.
func (s Static) Locate(context.Context, string, string) (string, error) {
	return string(s), nil
}

// SRVLocator queries SRV records through a DNS server.
type SRVLocator struct {
	// NameServer is the DNS server address, e.g. "8.8.8.8:53".
	// Empty uses the first server of /etc/resolv.conf.
	NameServer string
	// Timeout for a single query. Zero means 5 seconds.
	Timeout time.Duration
	Logger  *slog.Logger
}

type srv struct {
	target   string
	port     uint16
	priority uint16
	weight   uint16
}

// Locate returns the best SRV target for domain and network. When the
// domain already names a port or an IP, or SRV yields nothing, it falls
// back to domain on the default port for the network.
func (l *SRVLocator) Locate(ctx context.Context, domain, network string) (string, error) {
	if domain == "" {
		return "", errtrace.Wrap(fmt.Errorf("resolve: empty domain"))
	}
	if _, _, err := net.SplitHostPort(domain); err == nil {
		return domain, nil
	}
	fallback := net.JoinHostPort(domain, strconv.Itoa(transport.DefaultPort(network)))
	if net.ParseIP(domain) != nil {
		return fallback, nil
	}

	records, err := l.lookupSRV(ctx, serviceName(domain, network))
	if err != nil || len(records) == 0 {
		l.logger().Debug("SRV lookup gave no target, using default port",
			slog.String("domain", domain),
			slog.String("transport", network),
			slog.Any("error", err))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", errtrace.Wrap(ctxErr)
		}
		return fallback, nil
	}

	best := records[0]
	addr := net.JoinHostPort(best.target, strconv.Itoa(int(best.port)))
	l.logger().Debug("SRV target selected", slog.String("domain", domain), slog.String("addr", addr))
	return addr, nil
}

// serviceName builds the SRV owner name, e.g. _sip._udp.example.com.
func serviceName(domain, network string) string {
	switch strings.ToLower(network) {
	case transport.TLS:
		return "_sips._tcp." + dns.Fqdn(domain)
	case transport.TCP:
		return "_sip._tcp." + dns.Fqdn(domain)
	default:
		return "_sip._udp." + dns.Fqdn(domain)
	}
}

func (l *SRVLocator) lookupSRV(ctx context.Context, name string) ([]srv, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeSRV)
	m.RecursionDesired = true

	nameserver, err := l.nameserver()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}

	client := &dns.Client{Timeout: l.timeout()}
	resp, _, err := client.ExchangeContext(ctx, m, nameserver)
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, errtrace.Wrap(&net.DNSError{
			Err:        dns.RcodeToString[resp.Rcode],
			Name:       name,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		})
	}

	var records []srv
	for _, ans := range resp.Answer {
		if rr, ok := ans.(*dns.SRV); ok && rr.Target != "." {
			records = append(records, srv{
				target:   strings.TrimSuffix(rr.Target, "."),
				port:     rr.Port,
				priority: rr.Priority,
				weight:   rr.Weight,
			})
		}
	}

	// Lower priority first, higher weight first within a priority
	slices.SortFunc(records, func(a, b srv) int {
		if c := cmp.Compare(a.priority, b.priority); c != 0 {
			return c
		}
		if c := cmp.Compare(b.weight, a.weight); c != 0 {
			return c
		}
		return strings.Compare(a.target, b.target)
	})
	return records, nil
}

func (l *SRVLocator) timeout() time.Duration {
	if l.Timeout > 0 {
		return l.Timeout
	}
	return 5 * time.Second
}

func (l *SRVLocator) nameserver() (string, error) {
	if l.NameServer != "" {
		if _, _, err := net.SplitHostPort(l.NameServer); err != nil {
			return net.JoinHostPort(l.NameServer, "53"), nil //nolint:nilerr
		}
		return l.NameServer, nil
	}

	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return "", errtrace.Wrap(err)
	}
	if len(conf.Servers) == 0 {
		return "", errtrace.Wrap(&net.DNSError{Err: "no DNS servers configured", Name: "resolv.conf"})
	}
	return net.JoinHostPort(conf.Servers[0], conf.Port), nil
}

func (l *SRVLocator) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
