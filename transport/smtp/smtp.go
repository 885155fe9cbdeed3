// Package smtp delivers mailq jobs over SMTP using net/smtp.
//
// Implicit TLS (port 465) and STARTTLS (port 587) are both supported.
// Reply codes are mapped onto failure classes: 5xx replies are permanent,
// 4xx replies and network errors are transient.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netsmtp "net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/xraph/mailq/transport"
)

// Security selects how the connection to the relay is secured.
type Security string

const (
	// SecurityImplicit wraps the connection in TLS from the first byte.
	SecurityImplicit Security = "tls"
	// SecurityStartTLS upgrades a plain connection with STARTTLS.
	SecurityStartTLS Security = "starttls"
	// SecurityNone sends in the clear. Only for local relays and tests.
	SecurityNone Security = "none"
)

// JobIDHeader carries the job id so relays and recipients can deduplicate
// repeated attempts.
const JobIDHeader = "X-Mailq-Job-ID"

// Config holds relay connection settings.
type Config struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Security Security      `yaml:"security"`
	Timeout  time.Duration `yaml:"timeout"`

	// TLSConfig overrides the default TLS settings. ServerName defaults
	// to Host.
	TLSConfig *tls.Config `yaml:"-"`
}

// DefaultConfig returns implicit TLS on port 465 with a 30s timeout.
func DefaultConfig() Config {
	return Config{
		Port:     465,
		Security: SecurityImplicit,
		Timeout:  30 * time.Second,
	}
}

// Transport sends jobs carrying a transport.Message payload.
type Transport struct {
	cfg Config
	now func() time.Time
}

var _ transport.Transport = (*Transport)(nil)

// New validates cfg and returns an SMTP transport.
func New(cfg Config) (*Transport, error) {
	if cfg.Host == "" {
		return nil, errors.New("mailq/smtp: host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Security == "" {
		cfg.Security = SecurityImplicit
	}
	switch cfg.Security {
	case SecurityImplicit, SecurityStartTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("mailq/smtp: unknown security mode %q", cfg.Security)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Transport{cfg: cfg, now: time.Now}, nil
}

// Send delivers one message.
func (t *Transport) Send(ctx context.Context, req *transport.Request) error {
	msg, err := transport.DecodeMessage(req.Payload)
	if err != nil {
		return err
	}
	from := msg.From
	if from == "" {
		from = t.cfg.From
	}
	if from == "" {
		return transport.Permanentf("mailq/smtp: no sender address")
	}

	body, err := buildMessage(msg, from, req, t.cfg.Host, t.now())
	if err != nil {
		return transport.Permanentf("mailq/smtp: build message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	conn, err := t.dial(ctx)
	if err != nil {
		return transport.Transientf("mailq/smtp: dial: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	c, err := netsmtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classify("greeting", err)
	}
	defer c.Close()

	if t.cfg.Security == SecurityStartTLS {
		if err := c.StartTLS(t.tlsConfig()); err != nil {
			return classify("starttls", err)
		}
	}
	if t.cfg.Username != "" {
		auth := netsmtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
		if err := c.Auth(auth); err != nil {
			return classify("auth", err)
		}
	}
	if err := c.Mail(envelopeAddr(from)); err != nil {
		return classify("mail from", err)
	}
	for _, rcpt := range msg.Recipients() {
		if err := c.Rcpt(envelopeAddr(rcpt)); err != nil {
			return classify("rcpt to "+rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return classify("data", err)
	}
	if _, err := w.Write(body); err != nil {
		return classify("write body", err)
	}
	if err := w.Close(); err != nil {
		return classify("end data", err)
	}
	// The relay accepted the message at end of DATA; a failed QUIT
	// does not change that.
	_ = c.Quit()
	return nil
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	if t.cfg.Security == SecurityImplicit {
		d := &tls.Dialer{Config: t.tlsConfig()}
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

func (t *Transport) tlsConfig() *tls.Config {
	if t.cfg.TLSConfig != nil {
		cfg := t.cfg.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = t.cfg.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: t.cfg.Host, MinVersion: tls.VersionTLS12}
}

// classify maps an SMTP reply or I/O error onto a failure class.
func classify(stage string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		if tpErr.Code >= 500 {
			return transport.Permanentf("mailq/smtp: %s: %w", stage, err)
		}
		return transport.Transientf("mailq/smtp: %s: %w", stage, err)
	}
	return transport.Transientf("mailq/smtp: %s: %w", stage, err)
}
