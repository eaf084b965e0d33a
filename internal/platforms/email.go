package platforms

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/devcast/internal/models"
	"github.com/google/uuid"
)

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailClient sends drafts over SMTP. Email is a free channel and has no
// feedback or history to import.
type EmailClient struct {
	cfg  SMTPConfig
	send sendFunc
}

// NewEmailClient creates an SMTP client.
func NewEmailClient(cfg SMTPConfig) *EmailClient {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailClient{cfg: cfg, send: smtp.SendMail}
}

func (c *EmailClient) Platform() models.Platform { return models.PlatformEmail }

// Post emails the draft to the configured recipients. token is unused.
func (c *EmailClient) Post(ctx context.Context, token string, p Post) (*models.PostResult, error) {
	if c.cfg.Host == "" || c.cfg.From == "" || len(c.cfg.To) == 0 {
		return nil, fmt.Errorf("email is not configured (platforms.smtp host, from and to are required)")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	subject := strings.TrimSpace(p.Title)
	if subject == "" {
		subject = firstLine(p.Content)
	}
	id := uuid.New().String()

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "Message-ID: <%s@devcast>\r\n", id)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(p.Content, "\n", "\r\n"))
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	if err := c.send(addr, auth, c.cfg.From, c.cfg.To, []byte(msg.String())); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return &models.PostResult{Platform: models.PlatformEmail, IDs: []string{id}}, nil
}

func (c *EmailClient) FetchFeedback(ctx context.Context, token string, opts FeedbackOptions) ([]models.FeedbackItem, error) {
	return nil, ErrUnsupported
}

func (c *EmailClient) ImportHistory(ctx context.Context, token string, limit int) ([]models.HistoryItem, error) {
	return nil, ErrUnsupported
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
