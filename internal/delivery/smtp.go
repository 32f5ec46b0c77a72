package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sony/gobreaker"

	"github.com/busybox42/maildispatch/internal/cache"
	"github.com/busybox42/maildispatch/internal/dispatch"
	"github.com/busybox42/maildispatch/internal/queue"
)

// BodySource resolves the body parts of a message
type BodySource interface {
	Body(ctx context.Context, id int64) (text, html string, err error)
}

// Config configures the outbound relay
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool // implicit TLS; plain connections upgrade with STARTTLS when offered
	HeloName string
	Timeout  time.Duration
	DryRun   bool

	// AttachImages embeds remote images of the html part
	AttachImages bool
	ImageTimeout time.Duration
	ImageCache   cache.Cache

	InsecureSkipVerify bool
}

// Sender relays entries to a single SMTP server. It implements
// dispatch.Delivery.
type Sender struct {
	config   Config
	composer *Composer
	images   *ImageFetcher
	bodies   BodySource
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	dial     func(ctx context.Context) (net.Conn, error)
}

// NewSender creates a sender. Repeated transport failures open a circuit
// breaker so a dead relay is not hammered by every worker.
func NewSender(config Config, bodies BodySource, logger *slog.Logger) *Sender {
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HeloName == "" {
		config.HeloName = "localhost"
	}

	logger = logger.With("component", "smtp-sender")
	s := &Sender{
		config:   config,
		composer: NewComposer(config.HeloName),
		bodies:   bodies,
		logger:   logger,
	}
	s.dial = s.dialRelay
	if config.AttachImages {
		s.images = NewImageFetcher(ImageConfig{
			Timeout: config.ImageTimeout,
			Cache:   config.ImageCache,
		}, config.HeloName, logger)
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp-relay",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// the relay answered; a rejection says nothing about its health
			var smtpErr *smtp.SMTPError
			return err == nil || errors.As(err, &smtpErr)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("SMTP circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return s
}

// BreakerState returns the state of the relay circuit breaker
func (s *Sender) BreakerState() string {
	return s.breaker.State().String()
}

// Send composes and relays the message for one entry
func (s *Sender) Send(ctx context.Context, e *queue.Entry, msg *queue.Message, _ *queue.Group) (*dispatch.Result, error) {
	var text, html string
	if s.bodies != nil {
		var err error
		text, html, err = s.bodies.Body(ctx, msg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load body of message %d: %w", msg.ID, err)
		}
	}

	var images []InlineImage
	if s.images != nil && html != "" {
		html, images = s.images.Inline(ctx, Substitute(html, e.Parts))
	}

	data, messageID, err := s.composer.composeBytes(e, msg, text, html, images)
	if err != nil {
		return nil, err
	}

	if s.config.DryRun {
		s.logger.Debug("Dry run, message not sent",
			"entry_id", e.ID,
			"to", e.Email,
			"message_id", messageID,
			"size", len(data),
		)
		return &dispatch.Result{MessageID: messageID, Response: "dry run"}, nil
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.transmit(ctx, msg.Sender.Email, e.Email, data)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("smtp relay unavailable: %w", err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", dispatch.ErrStopped, ctx.Err())
		}
		return nil, err
	}
	return &dispatch.Result{MessageID: messageID, Response: "250 accepted"}, nil
}

func (s *Sender) address() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

func (s *Sender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         s.config.Host,
		InsecureSkipVerify: s.config.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

func (s *Sender) dialRelay(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.config.Timeout}
	if s.config.SSL {
		td := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		return td.DialContext(ctx, "tcp", s.address())
	}
	return dialer.DialContext(ctx, "tcp", s.address())
}

// transmit runs one SMTP session
func (s *Sender) transmit(ctx context.Context, from, to string, data []byte) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.address(), err)
	}
	defer conn.Close()

	// a single session may not outlive a few timeouts, nor the context
	conn.SetDeadline(time.Now().Add(3 * s.config.Timeout))
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("smtp.NewClient: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.config.HeloName); err != nil {
		return fmt.Errorf("client.Hello: %w", err)
	}

	if !s.config.SSL {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				return fmt.Errorf("client.StartTLS: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); ok {
			auth := sasl.NewPlainClient("", s.config.Username, s.config.Password)
			if err := client.Auth(auth); err != nil {
				return fmt.Errorf("client.Auth: %w", err)
			}
		}
	}

	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("client.Mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("client.Rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("client.Data: %w", err)
	}
	if _, err := bytes.NewReader(data).WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("writer.Write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writer.Close: %w", err)
	}

	return client.Quit()
}
