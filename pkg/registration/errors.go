package registration

import (
	"errors"
	"fmt"

	"github.com/arzzra/walkie_talkie/pkg/sip/auth"
)

var (
	// ErrRejected регистратор отклонил REGISTER финальным ответом
	ErrRejected = errors.New("registration rejected")
	// ErrClosed менеджер уже закрыт
	ErrClosed = errors.New("registration manager closed")
)

// Error ошибка регистрации конкретного AOR
type Error struct {
	AOR string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("registration %s: %v", e.AOR, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError финальный ответ регистратора, не являющийся успехом или
// challenge. Совпадает с ErrRejected через errors.Is.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v: %d %s", ErrRejected, e.Code, e.Reason)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrRejected
}

// retryable сообщает, стоит ли повторять регистрацию после ошибки.
// Отказ в аутентификации и отказы 4xx/6xx не повторяются.
func retryable(err error) bool {
	if errors.Is(err, auth.ErrAuthFailed) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 && se.Code < 600
	}
	return true
}
