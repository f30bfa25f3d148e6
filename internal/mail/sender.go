// Package mail renders queued jobs into messages and hands them to an SMTP relay.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"

	"bulkmail/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"
)

// Transport opens a connection to the relay. *gomail.Dialer satisfies it.
type Transport interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host               string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool
}

// NewDialer builds the gomail dialer for cfg.
func NewDialer(cfg SMTPConfig) *gomail.Dialer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

// Config controls how a Sender builds messages.
type Config struct {
	FromAddress string
	FromName    string

	// MissingAttachmentIsTransient retries jobs whose attachment cannot be
	// found instead of failing them, for deployments where files arrive late.
	MissingAttachmentIsTransient bool
}

// Sender renders and transmits jobs. Use NewSession to send a run of jobs
// over one connection.
type Sender struct {
	cfg        Config
	transport  Transport
	resolver   AttachmentResolver
	renderer   Renderer
	deliveries store.DeliveryLog
	addresses  *AddressValidator
	logger     *zap.Logger
}

// NewSender wires the sender. deliveries may be nil, in which case no audit
// record is written and result references are empty.
func NewSender(cfg Config, transport Transport, resolver AttachmentResolver, renderer Renderer, deliveries store.DeliveryLog, logger *zap.Logger) (*Sender, error) {
	if transport == nil {
		return nil, errors.New("mail: transport is required")
	}
	if cfg.FromAddress == "" {
		return nil, errors.New("mail: from address is required")
	}
	if renderer == nil {
		renderer = TemplateRenderer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sender{
		cfg:        cfg,
		transport:  transport,
		resolver:   resolver,
		renderer:   renderer,
		deliveries: deliveries,
		addresses:  NewAddressValidator(),
		logger:     logger,
	}, nil
}

// NewSession starts a session. Nothing is dialed until the first Send.
func (s *Sender) NewSession() *Session {
	return &Session{sender: s, msg: gomail.NewMessage()}
}

// Session owns at most one relay connection and one reusable message.
// It is not safe for concurrent use.
type Session struct {
	sender *Sender
	conn   gomail.SendCloser
	msg    *gomail.Message
	dials  int
}

// Send delivers one job. On success it returns the id of the audit record.
// Failures are *SendError or *TransportError values.
func (s *Session) Send(ctx context.Context, job *store.Job) (string, error) {
	snd := s.sender
	p := job.Payload

	if err := snd.addresses.Validate(p.ToEmail); err != nil {
		return "", permanentError(KindInvalidAddress, err)
	}
	if p.ReplyTo != "" {
		if err := snd.addresses.Validate(p.ReplyTo); err != nil {
			return "", permanentError(KindInvalidAddress, fmt.Errorf("reply-to: %w", err))
		}
	}

	var attachment *Attachment
	if p.AttachmentRef != "" {
		a, err := snd.resolveAttachment(job)
		if err != nil {
			return "", err
		}
		attachment = a
	}

	rendered, err := snd.renderer.Render(p)
	if err != nil {
		return "", permanentError(KindRender, err)
	}

	if err := ctx.Err(); err != nil {
		return "", transientError(KindConnection, err)
	}

	if s.conn == nil {
		conn, err := snd.transport.Dial()
		if err != nil {
			de := transientError(KindConnection, err)
			de.TransportDown = true
			return "", de
		}
		s.conn = conn
		s.dials++
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(snd.cfg.FromAddress))
	s.build(p, rendered, attachment, messageID)

	if err := s.conn.Send(snd.cfg.FromAddress, []string{p.ToEmail}, s.msg); err != nil {
		s.drop()
		return "", &TransportError{Err: err}
	}

	return snd.audit(ctx, job, rendered.Subject, messageID), nil
}

// Close releases the connection, if any.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Dials reports how many connections the session opened.
func (s *Session) Dials() int {
	return s.dials
}

func (s *Session) drop() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) build(p store.Payload, r Rendered, a *Attachment, messageID string) {
	m := s.msg
	m.Reset()

	m.SetAddressHeader("From", s.sender.cfg.FromAddress, s.sender.cfg.FromName)
	if p.ToName != "" {
		m.SetAddressHeader("To", p.ToEmail, p.ToName)
	} else {
		m.SetHeader("To", p.ToEmail)
	}
	if p.ReplyTo != "" {
		m.SetHeader("Reply-To", p.ReplyTo)
	}
	m.SetHeader("Subject", r.Subject)
	m.SetHeader("Message-ID", messageID)

	m.SetBody("text/plain", r.Text)
	m.AddAlternative("text/html", r.HTML)

	if a != nil {
		data := a.Data
		m.Attach(a.Name, gomail.SetCopyFunc(func(w io.Writer) error {
			_, err := w.Write(data)
			return err
		}))
	}
}

func (s *Sender) resolveAttachment(job *store.Job) (*Attachment, error) {
	if s.resolver == nil {
		return nil, permanentError(KindAttachmentForbidden, errors.New("attachments are disabled"))
	}

	a, err := s.resolver.Resolve(job.Payload.AttachmentRef)
	switch {
	case err == nil:
		return a, nil
	case errors.Is(err, ErrOutsideRoot):
		s.logger.Warn("attachment reference outside allowed root",
			zap.Bool("security", true),
			zap.String("owner_id", job.OwnerID.String()),
			zap.String("job_id", job.ID.String()),
			zap.String("ref", job.Payload.AttachmentRef),
		)
		return nil, permanentError(KindAttachmentForbidden, err)
	case s.cfg.MissingAttachmentIsTransient:
		return nil, transientError(KindAttachmentMissing, err)
	default:
		return nil, permanentError(KindAttachmentMissing, err)
	}
}

// audit records the accepted message. Failures are logged and yield an empty
// reference; the job still counts as sent.
func (s *Sender) audit(ctx context.Context, job *store.Job, subject, messageID string) string {
	if s.deliveries == nil {
		return ""
	}

	d := &store.Delivery{
		OwnerID:   job.OwnerID,
		JobID:     job.ID,
		ToEmail:   job.Payload.ToEmail,
		Subject:   subject,
		MessageID: messageID,
	}
	if err := s.deliveries.RecordDelivery(ctx, d); err != nil {
		s.logger.Error("failed to record delivery",
			zap.String("owner_id", job.OwnerID.String()),
			zap.String("job_id", job.ID.String()),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return ""
	}
	return d.ID.String()
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
