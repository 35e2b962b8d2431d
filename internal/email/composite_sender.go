package email

import (
	"context"
	"fmt"
	"strings"
)

// CompositeEmailSender fans a message out to several Senders. Startup
// wires it so welcome, chat-notification and badge mail can go through
// SMTP while a file or capture sender keeps a local copy.
type CompositeEmailSender struct {
	senders []Sender
}

// NewCompositeEmailSender creates a CompositeEmailSender. The concrete
// type is returned so callers can keep adding senders after startup.
func NewCompositeEmailSender(senders ...Sender) *CompositeEmailSender {
	return &CompositeEmailSender{senders: senders}
}

// AddSender registers another delivery target. Nil senders are ignored
// so conditional wiring at startup stays simple.
func (cs *CompositeEmailSender) AddSender(sender Sender) {
	if sender != nil {
		cs.senders = append(cs.senders, sender)
	}
}

// Send delivers through every registered sender. One failing target
// does not stop the others; all errors come back joined.
func (cs *CompositeEmailSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	if len(cs.senders) == 0 {
		return fmt.Errorf("no senders configured in CompositeEmailSender")
	}

	var allErrors []string
	for _, sender := range cs.senders {
		if err := sender.Send(ctx, to, subject, rawMessage); err != nil {
			allErrors = append(allErrors, err.Error())
		}
	}

	if len(allErrors) > 0 {
		return fmt.Errorf("composite email send failed: [ %s ]", strings.Join(allErrors, "; "))
	}
	return nil
}
