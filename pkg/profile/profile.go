package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/walkie_talkie/pkg/sip/auth"
)

// ErrInvalidProfile возвращается, если в профиле нет обязательных полей.
// Проверяется до любой сетевой активности.
var ErrInvalidProfile = errors.New("invalid profile")

// Profile представляет профиль пользователя SIP.
// Используется для регистрации и идентификации в SIP сообщениях.
type Profile struct {
	// Username - имя пользователя (например, "alice")
	Username string `yaml:"username"`
	// Domain - SIP домен (например, "example.com")
	Domain string `yaml:"domain"`
	// Password - пароль для digest аутентификации
	Password string `yaml:"password"`
	// DisplayName - отображаемое имя пользователя
	DisplayName string `yaml:"display_name"`
}

// Validate проверяет, что username, domain и password заданы.
func (p Profile) Validate() error {
	var missing []string
	if strings.TrimSpace(p.Username) == "" {
		missing = append(missing, "username")
	}
	if strings.TrimSpace(p.Domain) == "" {
		missing = append(missing, "domain")
	}
	if p.Password == "" {
		missing = append(missing, "password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidProfile, strings.Join(missing, ", "))
	}
	return nil
}

// AOR возвращает Address of Record: sip:username@domain
func (p Profile) AOR() sip.Uri {
	return sip.Uri{Scheme: "sip", User: p.Username, Host: p.Domain}
}

// String возвращает AOR в виде строки
func (p Profile) String() string {
	return fmt.Sprintf("sip:%s@%s", p.Username, p.Domain)
}

// From создает заголовок From с указанным тегом
func (p Profile) From(tag string) *sip.FromHeader {
	params := sip.NewParams()
	if tag != "" {
		params.Add("tag", tag)
	}
	return &sip.FromHeader{
		DisplayName: p.DisplayName,
		Address:     p.AOR(),
		Params:      params,
	}
}

// Credentials возвращает данные для digest аутентификации
func (p Profile) Credentials() auth.Credentials {
	return auth.Credentials{Username: p.Username, Password: p.Password}
}

// LogValue скрывает пароль в логах
func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("aor", p.String()),
		slog.String("display_name", p.DisplayName),
	)
}

// Store хранит текущий профиль сессии. Профиль заменяется целиком,
// читатели всегда видят согласованную копию.
type Store struct {
	current atomic.Pointer[Profile]
}

// NewStore создает пустое хранилище
func NewStore() *Store {
	return &Store{}
}

// Get возвращает текущий профиль
func (s *Store) Get() (Profile, bool) {
	p := s.current.Load()
	if p == nil {
		return Profile{}, false
	}
	return *p, true
}

// Set заменяет профиль и возвращает предыдущий
func (s *Store) Set(p Profile) (Profile, bool) {
	prev := s.current.Swap(&p)
	if prev == nil {
		return Profile{}, false
	}
	return *prev, true
}

// Clear удаляет профиль и возвращает удаленный
func (s *Store) Clear() (Profile, bool) {
	prev := s.current.Swap(nil)
	if prev == nil {
		return Profile{}, false
	}
	return *prev, true
}
