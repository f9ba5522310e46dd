// Package mail delivers rendered notifications over SMTP.
package mail

import (
	"context"
	"fmt"
)

// Mail is one rendered message: subject plus HTML body.
type Mail struct {
	Subject string
	Body    string
}

// SendError wraps a transport failure after retries are exhausted.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send mail: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Sender delivers a batch of mails to one recipient set. The scheduler
// treats a failure as a group poll failure.
type Sender interface {
	Send(ctx context.Context, to, cc, bcc []string, mails []Mail) error
}
