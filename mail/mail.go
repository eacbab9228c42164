// Package mail renders and delivers digest emails through authenticated SMTP
// submission. Delivery providers are a closed catalog: each maps to a known
// submission endpoint and requires STARTTLS before credentials are sent.
package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"
)

const (
	// ProviderGmail delivers through Gmail's SMTP submission endpoint.
	ProviderGmail = "gmail"
	// ProviderZoho delivers through Zoho Mail's SMTP submission endpoint.
	ProviderZoho = "zoho"

	submissionPort = "587"
	defaultTimeout = 30 * time.Second
)

// ErrUnknownProvider reports a provider name outside the supported catalog.
var ErrUnknownProvider = errors.New("unknown mail provider")

var providerHosts = map[string]string{
	ProviderGmail: "smtp.gmail.com",
	ProviderZoho:  "smtp.zoho.in",
}

type (
	// Message is a fully rendered email.
	Message struct {
		// To lists the recipient addresses.
		To []string
		// Subject is the subject line.
		Subject string
		// Text is the plain-text body.
		Text string
		// HTML is the HTML alternative body.
		HTML string
	}

	// Messenger delivers rendered messages.
	Messenger interface {
		Send(ctx context.Context, msg Message) error
	}

	// Options configures an SMTPMailer.
	Options struct {
		// Provider selects the submission endpoint. One of ProviderGmail or
		// ProviderZoho.
		Provider string
		// Username is the SMTP auth user and the From address.
		Username string
		// Password is the SMTP auth password or app password.
		Password string
		// Timeout bounds the whole SMTP session. Defaults to 30s.
		Timeout time.Duration
	}

	// SMTPMailer delivers messages over an authenticated STARTTLS session.
	SMTPMailer struct {
		host     string
		addr     string
		username string
		password string
		timeout  time.Duration
	}
)

var _ Messenger = (*SMTPMailer)(nil)

// New validates opts and builds an SMTPMailer.
func New(opts Options) (*SMTPMailer, error) {
	host, ok := providerHosts[opts.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, opts.Provider)
	}
	if opts.Username == "" {
		return nil, errors.New("smtp username is required")
	}
	if opts.Password == "" {
		return nil, errors.New("smtp password is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &SMTPMailer{
		host:     host,
		addr:     net.JoinHostPort(host, submissionPort),
		username: opts.Username,
		password: opts.Password,
		timeout:  timeout,
	}, nil
}

// Send delivers msg through a single SMTP session. The session is bounded by
// the configured timeout and by ctx, whichever ends first, so a wedged server
// cannot stall the caller past its deadline.
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return errors.New("message has no recipients")
	}
	deadline := time.Now().Add(m.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dialer := net.Dialer{Timeout: m.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", m.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", m.addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}
	c, err := smtp.NewClient(conn, m.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	// Credentials only travel over an encrypted channel.
	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server %s does not offer STARTTLS", m.host)
	}
	if err := c.StartTLS(&tls.Config{ServerName: m.host}); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	if err := c.Auth(smtp.PlainAuth("", m.username, m.password, m.host)); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := c.Mail(m.username); err != nil {
		return fmt.Errorf("mail from %s: %w", m.username, err)
	}
	for _, rcpt := range msg.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	raw, err := buildMessage(m.username, msg, time.Now())
	if err != nil {
		w.Close()
		return err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return c.Quit()
}

// buildMessage assembles an RFC 5322 message with a multipart/alternative
// body carrying the plain-text part first and the HTML part second.
func buildMessage(from string, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", now.UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())

	if err := writePart(mw, "text/plain; charset=utf-8", msg.Text); err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/html; charset=utf-8", msg.HTML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {contentType}})
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return nil
}
