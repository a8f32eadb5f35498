// Package notify emails an operator when a run fails for good.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/RedBackRubbish/torbit-sub007/internal/domain"
)

// Sender delivers one message. *sendgrid.Client satisfies it.
type Sender interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

type FailureNotifier struct {
	sender Sender
	from   *mail.Email
	to     *mail.Email
}

// NewSendGridNotifier builds a notifier backed by the SendGrid API.
func NewSendGridNotifier(apiKey, from, to string) *FailureNotifier {
	return NewFailureNotifier(sendgrid.NewSendClient(apiKey), from, to)
}

func NewFailureNotifier(sender Sender, from, to string) *FailureNotifier {
	return &FailureNotifier{
		sender: sender,
		from:   mail.NewEmail("runkeeper", from),
		to:     mail.NewEmail("", to),
	}
}

// HandleRunEvent sends a message for terminal failures and ignores every
// other event.
func (n *FailureNotifier) HandleRunEvent(ctx context.Context, event domain.RunEvent) error {
	if event.Status != domain.RunStatusFailed {
		return nil
	}

	subject, body := render(event)
	msg := mail.NewV3MailInit(n.from, subject, n.to, mail.NewContent("text/plain", body))

	resp, err := n.sender.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", resp.StatusCode)
	}

	log.Printf("notify: run=%s failure email sent (status: %d)", event.RunID, resp.StatusCode)
	return nil
}

func render(e domain.RunEvent) (subject, body string) {
	subject = fmt.Sprintf("[runkeeper] %s run %s failed", e.RunType, shortID(e.RunID.String()))

	var b strings.Builder
	fmt.Fprintf(&b, "Run:        %s\n", e.RunID)
	fmt.Fprintf(&b, "Run type:   %s\n", e.RunType)
	fmt.Fprintf(&b, "Project:    %s\n", e.ProjectID)
	fmt.Fprintf(&b, "User:       %s\n", e.UserID)
	fmt.Fprintf(&b, "Attempts:   %d\n", e.AttemptCount)
	fmt.Fprintf(&b, "Failed at:  %s\n", e.OccurredAt.UTC().Format("2006-01-02 15:04:05 MST"))
	if e.Error != "" {
		fmt.Fprintf(&b, "\nLast error:\n%s\n", e.Error)
	}
	return subject, b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
