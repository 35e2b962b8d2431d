package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComposeWelcome(t *testing.T) {
	subject, raw := ComposeWelcome("noreply@uzmat.uz", "user@example.com", "Aziz")

	assert.Equal(t, WelcomeSubject, subject)
	msg := string(raw)
	assert.Contains(t, msg, "To: user@example.com")
	assert.Contains(t, msg, "From: noreply@uzmat.uz")
	assert.Contains(t, msg, "Добро пожаловать, Aziz!")
}

func TestComposeNewMessageNotification(t *testing.T) {
	_, raw := ComposeNewMessageNotification("noreply@uzmat.uz", "seller@example.com", "Bek", "CAT 320D")
	assert.Contains(t, string(raw), "сообщение от Bek")
	assert.Contains(t, string(raw), "CAT 320D")

	// Support threads carry no listing title.
	_, raw = ComposeNewMessageNotification("noreply@uzmat.uz", "seller@example.com", "Bek", "")
	assert.NotContains(t, string(raw), "объявлению")
}

func TestComposeBadgeExpiryReminder(t *testing.T) {
	expiry := time.Date(2026, 9, 15, 12, 0, 0, 0, time.UTC)
	_, raw := ComposeBadgeExpiryReminder("noreply@uzmat.uz", "user@example.com", expiry)
	assert.Contains(t, string(raw), "15.09.2026")
}

func TestComposeVerificationDecision(t *testing.T) {
	_, raw := ComposeVerificationDecision("noreply@uzmat.uz", "user@example.com", true, "")
	assert.Contains(t, string(raw), "одобрена")

	_, raw = ComposeVerificationDecision("noreply@uzmat.uz", "user@example.com", false, "документы нечитаемы")
	assert.Contains(t, string(raw), "отклонена")
	assert.Contains(t, string(raw), "документы нечитаемы")
}

func TestKindFromSubject(t *testing.T) {
	assert.Equal(t, "welcome", kindFromSubject(WelcomeSubject))
	assert.Equal(t, "new_message", kindFromSubject(NewMessageSubject))
	assert.Equal(t, "badge_expiry", kindFromSubject(BadgeExpirySubject))
	assert.Equal(t, "verification", kindFromSubject(VerificationSubject))
	assert.Equal(t, "unknown", kindFromSubject("random"))
}
