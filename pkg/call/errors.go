package call

import (
	"errors"
	"fmt"
)

var (
	// ErrDialogNotFound звонка с таким id нет или он уже завершен
	ErrDialogNotFound = errors.New("dialog not found")
	// ErrAnswerFailed входящий звонок не удалось принять
	ErrAnswerFailed = errors.New("answer failed")
	// ErrOriginateFailed исходящий звонок не установлен
	ErrOriginateFailed = errors.New("originate failed")
	// ErrBusy уже есть активный звонок
	ErrBusy = errors.New("another call is active")
	// ErrClosed менеджер закрыт
	ErrClosed = errors.New("call manager closed")
)

// Error ошибка операции над звонком
type Error struct {
	CallID string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("call %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("call %s %s: %v", e.Op, e.CallID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError финальный ответ удаленной стороны на INVITE
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote answered %d %s", e.Code, e.Reason)
}

func originateError(callID string, err error) error {
	return &Error{CallID: callID, Op: "originate", Err: fmt.Errorf("%w: %w", ErrOriginateFailed, err)}
}

func answerError(callID string, err error) error {
	return &Error{CallID: callID, Op: "answer", Err: fmt.Errorf("%w: %w", ErrAnswerFailed, err)}
}
