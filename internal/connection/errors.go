package connection

import (
	"errors"
	"fmt"
)

// ConnectionError транзиентная ошибка сети: обрыв, таймаут.
// Восстанавливается через backoff; наружу всплывает только после
// исчерпания попыток.
type ConnectionError struct {
	Op  string // Операция: dial, auth-wait, send
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError фатальная ошибка аутентификации. Не ретраится;
// всплывает к вызывающему для повторного входа.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth rejected: %s", e.Reason)
}

// IsAuthError сообщает, является ли ошибка фатальной ошибкой аутентификации.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ErrAttemptsExhausted попытки переподключения исчерпаны.
var ErrAttemptsExhausted = errors.New("connection: reconnect attempts exhausted")

// ErrManagerClosed менеджер остановлен и не принимает операции.
var ErrManagerClosed = errors.New("connection: manager closed")
