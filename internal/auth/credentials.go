package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Ошибки проверки учётных данных.
var (
	// ErrTokenExpired токен истёк; требуется повторная аутентификация.
	ErrTokenExpired = errors.New("auth: token expired")
	// ErrTokenMalformed токен не разбирается как JWT.
	ErrTokenMalformed = errors.New("auth: malformed token")
)

// Credentials учётные данные для подключения.
// Token и GuestSessionID взаимоисключающие: при пустом Token клиент
// входит гостем по сохранённому идентификатору сессии.
type Credentials struct {
	Token          string // JWT от провайдера аутентификации
	GuestSessionID string // Гостевой идентификатор (может быть пустым при первом входе)
	Name           string // Отображаемое имя
}

// IsGuest сообщает, гостевой ли это вход.
func (c *Credentials) IsGuest() bool {
	return c.Token == ""
}

// InspectToken проверяет токен локально перед подключением.
// Подпись НЕ проверяется — это делает сервер; здесь только разбор
// и проверка срока действия, чтобы заведомо истёкший токен не
// расходовал попытку переподключения.
func InspectToken(token string) error {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	_, _, err := parser.ParseUnverified(token, claims)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if exp != nil && exp.Before(time.Now()) {
		return ErrTokenExpired
	}

	return nil
}

// Validate проверяет учётные данные перед использованием.
// Для гостевого входа проверять нечего.
func (c *Credentials) Validate() error {
	if c.IsGuest() {
		return nil
	}
	return InspectToken(c.Token)
}
