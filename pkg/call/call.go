package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/sip/transaction"
)

// Direction направление звонка
type Direction string

const (
	Incoming Direction = "incoming"
	Outgoing Direction = "outgoing"
)

// State состояние звонка
type State string

const (
	StateIdle        State = "Idle"
	StateRinging     State = "Ringing"
	StateTrying      State = "Trying"
	StateEstablished State = "Established"
	StateEnded       State = "Ended"
)

const (
	evRing      = "ring"
	evDial      = "dial"
	evEstablish = "establish"
	evEnd       = "end"
)

// EndReason причина завершения звонка
type EndReason string

const (
	// EndLocal звонок завершен локально
	EndLocal EndReason = "local"
	// EndRemote удаленная сторона прислала BYE
	EndRemote EndReason = "remote"
	// EndCancelled входящий INVITE отменен CANCEL
	EndCancelled EndReason = "cancelled"
	// EndBusy удаленная сторона занята
	EndBusy EndReason = "busy"
	// EndRejected удаленная сторона отклонила INVITE
	EndRejected EndReason = "rejected"
	// EndTimeout INVITE или ACK не дождались ответа
	EndTimeout EndReason = "timeout"
	// EndFailed ошибка сети, SDP или аутентификации
	EndFailed EndReason = "failed"
)

// Peer удаленная сторона звонка
type Peer struct {
	DisplayName string
	User        string
	Host        string
}

func peerOf(display string, uri sip.Uri) Peer {
	return Peer{DisplayName: display, User: uri.User, Host: uri.Host}
}

// String возвращает отображаемое имя, а без него user@host
func (p Peer) String() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	if p.User == "" {
		return p.Host
	}
	return p.User + "@" + p.Host
}

// Event уведомление о смене состояния звонка
type Event struct {
	CallID    string
	Direction Direction
	State     State
	Peer      Peer
	Muted     bool
	Speaker   bool
	// Reason и Err заполнены для Ended
	Reason EndReason
	Err    error
}

// Call один звонок. Меняется только Manager, снаружи доступен на чтение.
type Call struct {
	m         *Manager
	id        string
	direction Direction
	profile   profile.Profile
	log       *slog.Logger
	ended     chan struct{}

	mu        sync.Mutex
	fsm       *fsm.FSM
	peer      Peer
	dialog    *dialog
	muted     bool
	speaker   bool
	media     Media
	localSDP  []byte
	reason    EndReason
	err       error
	answering bool
	started   time.Time
	connected time.Time
	finished  time.Time

	// входящий звонок
	server *transaction.ServerTx
	// исходящий звонок
	invite *transaction.ClientTx
	ack    *sip.Request

	audioMu      sync.Mutex
	audioStarted bool
	audioStopped bool
}

func newCall(m *Manager, id string, dir Direction, p profile.Profile, peer Peer) *Call {
	c := &Call{
		m:         m,
		id:        id,
		direction: dir,
		profile:   p,
		peer:      peer,
		muted:     m.conf.PushToTalk,
		speaker:   m.conf.Speaker,
		started:   time.Now(),
		ended:     make(chan struct{}),
	}
	c.log = m.log.With(slog.String("call_id", id), slog.String("direction", string(dir)))
	c.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateTrying)},
			{Name: evEstablish, Src: []string{string(StateRinging), string(StateTrying)}, Dst: string(StateEstablished)},
			{Name: evEnd, Src: []string{string(StateIdle), string(StateRinging), string(StateTrying), string(StateEstablished)}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.handleStateChange(e)
			},
		},
	)
	return c
}

// handleStateChange вызывается автоматом под c.mu
func (c *Call) handleStateChange(e *fsm.Event) {
	ev := c.event(State(e.Dst))
	c.log.Info("call state changed",
		slog.String("from", e.Src),
		slog.String("state", e.Dst),
		slog.String("remote", c.peer.String()),
		slog.Any("error", ev.Err))

	switch State(e.Dst) {
	case StateRinging, StateTrying:
		c.m.metrics.CallStarted(string(c.direction))
	case StateEstablished:
		c.connected = time.Now()
	case StateEnded:
		c.finished = time.Now()
		// звонок, не дошедший до Ringing или Trying, в метриках не учитывается
		if State(e.Src) != StateIdle {
			c.m.metrics.CallEnded(string(c.direction), string(c.reason), time.Since(c.started))
		}
		// слот свободен к моменту уведомления Ended
		c.m.release(c)
	}
	c.m.events.Publish(ev)
}

func (c *Call) event(state State) Event {
	ev := Event{
		CallID:    c.id,
		Direction: c.direction,
		State:     state,
		Peer:      c.peer,
		Muted:     c.muted,
		Speaker:   c.speaker,
	}
	if state == StateEnded {
		ev.Reason = c.reason
		ev.Err = c.err
	}
	return ev
}

// enter выполняет событие автомата. apply вызывается под c.mu с текущим
// состоянием до перехода и может его отменить, вернув false.
// Побочные эффекты перехода выполняются после снятия блокировки.
func (c *Call) enter(event string, apply func(cur State) bool) bool {
	c.mu.Lock()
	if !c.fsm.Can(event) || (apply != nil && !apply(State(c.fsm.Current()))) {
		c.mu.Unlock()
		return false
	}
	err := c.fsm.Event(context.Background(), event)
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("call event ignored", slog.String("event", event), slog.Any("error", err))
		return false
	}

	switch event {
	case evEstablish:
		c.startAudio()
	case evEnd:
		c.stopAudio()
		close(c.ended)
	}
	return true
}

// end переводит звонок в Ended. Повторный вызов ничего не делает.
func (c *Call) end(reason EndReason, err error) (State, bool) {
	var from State
	ok := c.enter(evEnd, func(cur State) bool {
		from = cur
		c.reason = reason
		c.err = err
		return true
	})
	return from, ok
}

// startAudio запускает аудио один раз за звонок. Порядок блокировок:
// audioMu, затем mu.
func (c *Call) startAudio() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if c.audioStarted || c.audioStopped {
		return
	}
	c.audioStarted = true

	c.mu.Lock()
	media, speaker, muted := c.media, c.speaker, c.muted
	c.mu.Unlock()

	audio := c.m.audio
	if err := audio.StartAudio(media); err != nil {
		c.log.Error("failed to start audio", slog.Any("error", err))
	}
	audio.SetSpeakerMode(speaker)
	audio.SetMuted(muted)
}

func (c *Call) stopAudio() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if c.audioStopped {
		return
	}
	c.audioStopped = true
	if c.audioStarted {
		c.m.audio.StopAudio()
	}
}

// syncMuted передает устройству текущий mute, если аудио запущено
func (c *Call) syncMuted() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if !c.audioStarted || c.audioStopped {
		return
	}
	c.m.audio.SetMuted(c.Muted())
}

// syncSpeaker передает устройству текущий режим громкоговорителя
func (c *Call) syncSpeaker() {
	c.audioMu.Lock()
	defer c.audioMu.Unlock()
	if !c.audioStarted || c.audioStopped {
		return
	}
	c.m.audio.SetSpeakerMode(c.Speaker())
}

// ID возвращает идентификатор звонка (Call-ID)
func (c *Call) ID() string { return c.id }

// Direction возвращает направление
func (c *Call) Direction() Direction { return c.direction }

// Profile возвращает локальный профиль звонка
func (c *Call) Profile() profile.Profile { return c.profile }

// Peer возвращает удаленную сторону
func (c *Call) Peer() Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// State возвращает текущее состояние
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.fsm.Current())
}

// Muted сообщает, выключен ли микрофон
func (c *Call) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Speaker сообщает, включен ли громкоговоритель
func (c *Call) Speaker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaker
}

// Media возвращает согласованные параметры аудио
func (c *Call) Media() Media {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.media
}

// Reason возвращает причину завершения
func (c *Call) Reason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Err возвращает ошибку, с которой завершился звонок
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Duration возвращает длительность разговора с момента Established
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.connected.IsZero():
		return 0
	case !c.finished.IsZero():
		return c.finished.Sub(c.connected)
	}
	return time.Since(c.connected)
}

// Ended закрывается при переходе в Ended
func (c *Call) Ended() <-chan struct{} { return c.ended }
