package email

import (
	"fmt"
	"strings"
	"time"
)

// composeRaw builds a complete RFC 5322 message with the headers the
// Sender implementations expect inside rawMessage.
func composeRaw(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// WelcomeSubject etc. are matched by RedisSender's mock-key classifier.
const (
	WelcomeSubject      = "Welcome to Uzmat"
	NewMessageSubject   = "New message on Uzmat"
	BadgeExpirySubject  = "Your verified badge is expiring"
	VerificationSubject = "Verification result"
)

// ComposeWelcome builds the registration greeting.
func ComposeWelcome(from, to, name string) (string, []byte) {
	body := fmt.Sprintf("Добро пожаловать, %s!\n\nСпасибо за регистрацию в Uzmat.\nМы рады видеть вас в нашем сообществе!\n", name)
	return WelcomeSubject, composeRaw(from, []string{to}, WelcomeSubject, body)
}

// ComposeNewMessageNotification tells a user someone wrote to them.
func ComposeNewMessageNotification(from, to, senderName, listingTitle string) (string, []byte) {
	body := fmt.Sprintf("У вас новое сообщение от %s", senderName)
	if listingTitle != "" {
		body += fmt.Sprintf(" по объявлению «%s»", listingTitle)
	}
	body += ".\n\nОтветить можно в личном кабинете Uzmat.\n"
	return NewMessageSubject, composeRaw(from, []string{to}, NewMessageSubject, body)
}

// ComposeBadgeExpiryReminder warns about an approaching badge expiry.
func ComposeBadgeExpiryReminder(from, to string, expiresAt time.Time) (string, []byte) {
	body := fmt.Sprintf("Срок действия вашего значка верификации истекает %s.\n\nПродлите верификацию, чтобы сохранить значок.\n",
		expiresAt.Format("02.01.2006"))
	return BadgeExpirySubject, composeRaw(from, []string{to}, BadgeExpirySubject, body)
}

// ComposeVerificationDecision reports a moderation outcome.
func ComposeVerificationDecision(from, to string, approved bool, reason string) (string, []byte) {
	var body string
	if approved {
		body = "Ваша заявка на верификацию одобрена. Значок уже активен.\n"
	} else {
		body = "Ваша заявка на верификацию отклонена."
		if reason != "" {
			body += fmt.Sprintf("\nПричина: %s", reason)
		}
		body += "\n"
	}
	return VerificationSubject, composeRaw(from, []string{to}, VerificationSubject, body)
}
