package email

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladmelevich/uzmat/internal/config"
)

// RedisSender implements the Sender interface by storing emails in Redis.
// Used by integration tests and local development to inspect outbound
// mail without an SMTP server.
type RedisSender struct {
	client *redis.Client
	cfg    *config.Config
}

// NewRedisSender creates a new RedisSender
func NewRedisSender(client *redis.Client, cfg *config.Config) Sender {
	return &RedisSender{
		client: client,
		cfg:    cfg,
	}
}

// kindFromSubject classifies the email for the mock key so tests can
// fetch "the welcome email for x@y" directly.
func kindFromSubject(subject string) string {
	switch {
	case strings.Contains(subject, "Welcome"):
		return "welcome"
	case strings.Contains(subject, "New message"):
		return "new_message"
	case strings.Contains(subject, "badge"):
		return "badge_expiry"
	case strings.Contains(subject, "Verification"):
		return "verification"
	default:
		return "unknown"
	}
}

// Send stores a representation of the email in Redis instead of sending it.
func (s *RedisSender) Send(ctx context.Context, to []string, subject string, rawMessage []byte) error {
	kind := kindFromSubject(subject)

	primaryTo := ""
	if len(to) > 0 {
		primaryTo = to[0]
	}

	emailData := map[string]interface{}{
		"to":      strings.Join(to, ", "),
		"from":    s.cfg.SmtpFromAddress,
		"subject": subject,
		"body":    string(rawMessage),
		"sent_at": time.Now().UTC().Format(time.RFC3339Nano),
		"kind":    kind,
	}

	jsonData, err := json.Marshal(emailData)
	if err != nil {
		return fmt.Errorf("failed to marshal email data: %w", err)
	}

	key := fmt.Sprintf("mockemail:%s:%s", primaryTo, kind)
	ttl := 5 * time.Minute

	err = s.client.Set(ctx, key, jsonData, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to store email in Redis key '%s': %w", key, err)
	}

	log.Printf("Mock email stored in Redis key '%s' (TTL: %v, To: %s, Subject: %s)", key, ttl, strings.Join(to, ", "), subject)
	return nil
}
