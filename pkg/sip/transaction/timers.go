package transaction

import (
	"time"
)

// TimerID идентификатор таймера
type TimerID string

const (
	// Таймеры согласно RFC 3261 и RFC 6026
	TimerA TimerID = "A" // INVITE request retransmit
	TimerB TimerID = "B" // INVITE transaction timeout
	TimerD TimerID = "D" // Wait for response retransmits
	TimerE TimerID = "E" // Non-INVITE request retransmit
	TimerF TimerID = "F" // Non-INVITE transaction timeout
	TimerG TimerID = "G" // INVITE response retransmit
	TimerH TimerID = "H" // Wait for ACK receipt
	TimerI TimerID = "I" // Wait for ACK retransmits
	TimerJ TimerID = "J" // Wait for non-INVITE request retransmits
	TimerK TimerID = "K" // Wait for non-INVITE response retransmits
	TimerL TimerID = "L" // IST Accepted lifetime
	TimerM TimerID = "M" // ICT Accepted lifetime
)

// Значения по умолчанию из RFC 3261 17.1.1.1
const (
	DefaultT1 = 500 * time.Millisecond
	DefaultT2 = 4 * time.Second
	DefaultT4 = 5 * time.Second
	DefaultD  = 32 * time.Second
)

// Timers базовые интервалы, из которых выводятся все таймеры транзакций
type Timers struct {
	T1 time.Duration
	T2 time.Duration
	T4 time.Duration
	D  time.Duration
}

// DefaultTimers возвращает значения RFC 3261
func DefaultTimers() Timers {
	return Timers{T1: DefaultT1, T2: DefaultT2, T4: DefaultT4, D: DefaultD}
}

// withDefaults заполняет нулевые поля значениями по умолчанию
func (t Timers) withDefaults() Timers {
	if t.T1 <= 0 {
		t.T1 = DefaultT1
	}
	if t.T2 <= 0 {
		t.T2 = DefaultT2
	}
	if t.T4 <= 0 {
		t.T4 = DefaultT4
	}
	if t.D <= 0 {
		t.D = DefaultD
	}
	return t
}

// Duration возвращает длительность таймера. Для надежного транспорта
// таймеры ретрансмиссий и ожидания повторов равны нулю.
func (t Timers) Duration(id TimerID, reliable bool) time.Duration {
	switch id {
	case TimerA, TimerE, TimerG:
		if reliable {
			return 0
		}
		return t.T1
	case TimerB, TimerF, TimerH, TimerJ, TimerL, TimerM:
		if id == TimerJ && reliable {
			return 0
		}
		return 64 * t.T1
	case TimerD:
		if reliable {
			return 0
		}
		return t.D
	case TimerI, TimerK:
		if reliable {
			return 0
		}
		return t.T4
	default:
		return 0
	}
}

// nextInterval вычисляет следующий интервал ретрансмиссии
// согласно RFC 3261 (удваивается до T2)
func nextInterval(current, t2 time.Duration) time.Duration {
	next := current * 2
	if t2 > 0 && next > t2 {
		return t2
	}
	return next
}

// timer активный таймер транзакции. stopped защищен мьютексом транзакции.
type timer struct {
	t       *time.Timer
	stopped bool
}

// timerSet таймеры одной транзакции. Все методы вызываются под мьютексом
// транзакции, колбэки тоже выполняются под ним.
type timerSet struct {
	lock   func()
	unlock func()
	timers map[TimerID]*timer
}

func newTimerSet(lock, unlock func()) timerSet {
	return timerSet{lock: lock, unlock: unlock, timers: make(map[TimerID]*timer)}
}

// start запускает таймер, заменяя существующий с тем же ID
func (s *timerSet) start(id TimerID, d time.Duration, fn func()) {
	s.stop(id)
	tm := &timer{}
	tm.t = time.AfterFunc(d, func() {
		s.lock()
		defer s.unlock()
		if tm.stopped {
			return
		}
		tm.stopped = true
		if s.timers[id] == tm {
			delete(s.timers, id)
		}
		fn()
	})
	s.timers[id] = tm
}

// stop останавливает таймер
func (s *timerSet) stop(id TimerID) {
	if tm, ok := s.timers[id]; ok {
		tm.stopped = true
		tm.t.Stop()
		delete(s.timers, id)
	}
}

// stopAll останавливает все таймеры
func (s *timerSet) stopAll() {
	for id := range s.timers {
		s.stop(id)
	}
}

// active проверяет активен ли таймер
func (s *timerSet) active(id TimerID) bool {
	_, ok := s.timers[id]
	return ok
}
