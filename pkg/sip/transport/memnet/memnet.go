// Package memnet предоставляет in-memory сеть датаграмм для тестирования.
//
// Network раздает соединения, реализующие net.PacketConn, и доставляет пакеты
// между ними через память. Это позволяет гонять транспортный, транзакционный
// и вызовной уровни без реальных сокетов.
//
// Пример использования:
//
//	network := memnet.NewNetwork()
//	alice, _ := network.Listen("alice:5060")
//	bob, _ := network.Listen("bob:5060")
//
//	_, err := alice.WriteTo([]byte("Hello"), bob.LocalAddr())
//
//	buf := make([]byte, 1024)
//	n, from, err := bob.ReadFrom(buf)
package memnet

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrUnreachable возвращается при отправке на адрес, который никто не слушает.
// Эмулирует ICMP port unreachable.
var ErrUnreachable = errors.New("memnet: destination unreachable")

// ErrAddrInUse возвращается при повторном Listen на занятый адрес.
var ErrAddrInUse = errors.New("memnet: address already in use")

// DropFunc решает, потерять ли пакет. Возвращает true, если пакет нужно выбросить.
type DropFunc func(from, to string, data []byte) bool

// Addr адрес в in-memory сети.
type Addr string

// Network возвращает имя сети.
func (a Addr) Network() string { return "memnet" }

// String возвращает адрес в виде строки.
func (a Addr) String() string { return string(a) }

var _ net.Addr = Addr("")

// packet пакет данных с адресом отправителя.
type packet struct {
	data []byte
	from net.Addr
}

// Network управляет всеми соединениями и маршрутизацией пакетов.
type Network struct {
	mu         sync.RWMutex
	conns      map[string]*PacketConn
	bufferSize int
	drop       DropFunc
}

// NewNetwork создает новую пустую сеть.
func NewNetwork() *Network {
	return &Network{
		conns:      make(map[string]*PacketConn),
		bufferSize: 128,
	}
}

// SetDropFunc устанавливает функцию потери пакетов. nil отключает потери.
func (n *Network) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Listen создает соединение на указанном адресе.
func (n *Network) Listen(addr string) (*PacketConn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, busy := n.conns[addr]; busy {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}

	conn := &PacketConn{
		local:    Addr(addr),
		network:  n,
		incoming: make(chan packet, n.bufferSize),
		closed:   make(chan struct{}),
	}
	n.conns[addr] = conn
	return conn, nil
}

// Resolve превращает строку адреса в net.Addr этой сети.
func (n *Network) Resolve(addr string) (net.Addr, error) {
	if addr == "" {
		return nil, fmt.Errorf("memnet: empty address")
	}
	return Addr(addr), nil
}

// Addrs возвращает список всех занятых адресов.
func (n *Network) Addrs() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	addrs := make([]string, 0, len(n.conns))
	for addr := range n.conns {
		addrs = append(addrs, addr)
	}
	return addrs
}

// deliver доставляет пакет к указанному адресу.
func (n *Network) deliver(to string, data []byte, from net.Addr) error {
	n.mu.RLock()
	conn, ok := n.conns[to]
	drop := n.drop
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	}
	if drop != nil && drop(from.String(), to, data) {
		// Пакет "потерян", как в UDP ошибки нет
		return nil
	}

	// Копия, чтобы отправитель мог переиспользовать буфер
	pkt := packet{data: append([]byte(nil), data...), from: from}

	select {
	case conn.incoming <- pkt:
		return nil
	case <-conn.closed:
		return fmt.Errorf("%w: %s", ErrUnreachable, to)
	case <-time.After(100 * time.Millisecond):
		// Переполненный буфер приемника: пакет теряется, как в настоящей сети
		return nil
	}
}

func (n *Network) remove(addr string, conn *PacketConn) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conns[addr] == conn {
		delete(n.conns, addr)
	}
}

// PacketConn реализует net.PacketConn поверх Network.
type PacketConn struct {
	local    Addr
	network  *Network
	incoming chan packet
	closed   chan struct{}
	once     sync.Once

	deadlineMu    sync.RWMutex
	readDeadline  time.Time
	writeDeadline time.Time
}

var _ net.PacketConn = (*PacketConn)(nil)

// ReadFrom читает пакет из соединения.
func (c *PacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.deadlineMu.RLock()
	deadline := c.readDeadline
	c.deadlineMu.RUnlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, &timeoutError{}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case pkt := <-c.incoming:
		n := copy(b, pkt.data)
		if n < len(pkt.data) {
			return n, pkt.from, fmt.Errorf("memnet: buffer too small: %d < %d", len(b), len(pkt.data))
		}
		return n, pkt.from, nil
	case <-timeout:
		return 0, nil, &timeoutError{}
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// WriteTo отправляет пакет по указанному адресу.
func (c *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.deadlineMu.RLock()
	deadline := c.writeDeadline
	c.deadlineMu.RUnlock()
	if !deadline.IsZero() && time.Now().After(deadline) {
		return 0, &timeoutError{}
	}

	if err := c.network.deliver(addr.String(), b, c.local); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close закрывает соединение. Повторный вызов безопасен.
func (c *PacketConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.network.remove(string(c.local), c)
	})
	return nil
}

// LocalAddr возвращает локальный адрес соединения.
func (c *PacketConn) LocalAddr() net.Addr { return c.local }

// SetDeadline устанавливает deadline для чтения и записи.
func (c *PacketConn) SetDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline устанавливает deadline для чтения.
func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline устанавливает deadline для записи.
func (c *PacketConn) SetWriteDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.writeDeadline = t
	return nil
}

// timeoutError реализует net.Error для таймаутов.
type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

var _ net.Error = (*timeoutError)(nil)
