package domain

import "errors"

// Ошибки отправки медиа. ErrMediaRejected означает, что до чата ничего не
// дошло и элемент можно повторить текстом. ErrPartialDelivery означает, что
// медиа уже в чате, а продолжение текстом не отправилось.
var (
	ErrMediaRejected   = errors.New("медиа отклонено")
	ErrPartialDelivery = errors.New("медиа отправлено, текст нет")
)
