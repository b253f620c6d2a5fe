package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/arzzra/walkie_talkie/pkg/call"
	"github.com/arzzra/walkie_talkie/pkg/profile"
	"github.com/arzzra/walkie_talkie/pkg/registration"
)

// Status lines shown to the user.
const (
	statusRegistering = "Registering with SIP Server..."
	statusReady       = "Ready"
	statusFailed      = "Registration failed.  Please check settings."
	statusLoggedOut   = "Logged out"
)

// controller is the part of phone.Phone the console drives.
type controller interface {
	Login(ctx context.Context, p profile.Profile) (*registration.Registration, error)
	Logout(ctx context.Context) error
	Call(ctx context.Context, target string) (*call.Call, error)
	Answer(ctx context.Context) error
	Hangup(ctx context.Context) error
	ToggleMute() (bool, error)
	PressToTalk() error
	ReleaseToTalk() error
	SetSpeaker(on bool) error
	ActiveCall() *call.Call
	Registration() *registration.Registration
}

type console struct {
	ctrl       controller
	log        *slog.Logger
	autoAnswer bool

	mu  sync.Mutex
	out io.Writer
}

func newConsole(ctrl controller, out io.Writer, autoAnswer bool, logger *slog.Logger) *console {
	return &console{ctrl: ctrl, out: out, autoAnswer: autoAnswer, log: logger}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

func (c *console) onRegistration(ev registration.Event) {
	switch ev.State {
	case registration.StateRegistering:
		c.printf(statusRegistering)
	case registration.StateRegistered:
		if c.ctrl.ActiveCall() == nil {
			c.printf(statusReady)
		}
	case registration.StateFailed:
		c.printf(statusFailed)
		c.log.Debug("registration failed", slog.String("aor", ev.AOR), slog.Any("error", ev.Err))
	case registration.StateUnregistered:
		c.printf(statusLoggedOut)
	}
}

func (c *console) onCall(ev call.Event) {
	switch ev.State {
	case call.StateRinging:
		c.printf("%s is calling", ev.Peer)
		if c.autoAnswer {
			go func() {
				if err := c.ctrl.Answer(context.Background()); err != nil {
					c.printf("answer: %v", err)
				}
			}()
		}
	case call.StateTrying:
		c.printf("Calling %s...", ev.Peer)
	case call.StateEstablished:
		c.printf("%s", ev.Peer)
	case call.StateEnded:
		if ev.Err != nil && ev.Reason != call.EndLocal {
			c.printf("Call ended (%s): %v", ev.Reason, ev.Err)
		}
		if r := c.ctrl.Registration(); r != nil && r.State() == registration.StateRegistered {
			c.printf(statusReady)
		}
	}
}

// run reads commands from r until EOF or quit.
func (c *console) run(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if quit := c.exec(ctx, sc.Text()); quit {
			return
		}
	}
}

var errUsage = errors.New("usage")

// exec runs one command line. Returns true on quit.
func (c *console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help", "?":
		c.printf("%s", helpText)
	case "call":
		_, err = c.ctrl.Call(ctx, strings.Join(args, " "))
	case "answer":
		err = c.ctrl.Answer(ctx)
	case "hangup", "end":
		err = c.ctrl.Hangup(ctx)
	case "mute":
		var muted bool
		if muted, err = c.ctrl.ToggleMute(); err == nil {
			c.printf("muted: %t", muted)
		}
	case "talk":
		err = c.ctrl.PressToTalk()
	case "release":
		err = c.ctrl.ReleaseToTalk()
	case "speaker":
		if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
			err = fmt.Errorf("%w: speaker on|off", errUsage)
			break
		}
		err = c.ctrl.SetSpeaker(args[0] == "on")
	case "login":
		if len(args) < 3 {
			err = fmt.Errorf("%w: login <user> <domain> <password> [display name]", errUsage)
			break
		}
		p := profile.Profile{
			Username:    args[0],
			Domain:      args[1],
			Password:    args[2],
			DisplayName: strings.Join(args[3:], " "),
		}
		_, err = c.ctrl.Login(ctx, p)
	case "logout":
		err = c.ctrl.Logout(ctx)
	case "status":
		c.printStatus()
	default:
		err = fmt.Errorf("%w: unknown command %q, try help", errUsage, cmd)
	}
	if err != nil {
		c.printf("%v", err)
	}
	return false
}

func (c *console) printStatus() {
	switch r := c.ctrl.Registration(); {
	case r == nil:
		c.printf("not logged in")
	default:
		c.printf("%s: %s", r.AOR(), r.State())
	}
	if active := c.ctrl.ActiveCall(); active != nil {
		c.printf("call %s with %s: %s, muted %t", active.Direction(), active.Peer(), active.State(), active.Muted())
	}
}

const helpText = `commands:
  call [target]      call target, or the configured one
  answer             answer the ringing call
  hangup             end the call
  talk / release     unmute while talking, mute again
  mute               toggle the microphone
  speaker on|off     speaker mode
  login <user> <domain> <password> [display name]
  logout
  status
  quit`
