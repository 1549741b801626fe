// Package mail is the demo pipeline: a recurring trigger queues welcome
// mails, and every sent welcome mail fans out a discount offer.
package mail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"jobflow/internal/channel"
	"jobflow/internal/processor"
	logx "jobflow/pkg/logx"
)

// Handler names as referenced from the processors section of the config.
const (
	WelcomeCron   = "welcome-mail-cron"
	Email         = "email"
	DiscountOffer = "discount-offer"
)

// Job names produced by the handlers.
const (
	JobWelcomeMail   = "welcome-mail"
	JobDiscountOffer = "discount-offer"
)

const DefaultRecipient = "demo@jobflow.dev"

type WelcomeMail struct {
	To string `json:"to"`
}

type Offer struct {
	Email string `json:"email"`
}

// Sender delivers one message. The demo sender only logs.
type Sender interface {
	Send(ctx context.Context, to, subject string) error
}

type logSender struct{ log logx.Logger }

func (s logSender) Send(_ context.Context, to, subject string) error {
	s.log.Debug("mail sent", logx.String("to", to), logx.String("subject", subject))
	return nil
}

// LogSender returns a Sender that writes each message to log.
func LogSender(log logx.Logger) Sender { return logSender{log: log} }

type Options struct {
	Recipient string
	Sender    Sender
	Log       logx.Logger
}

// Handlers returns the three pipeline stages keyed by handler name.
func Handlers(opts Options) map[string]processor.Handler {
	if strings.TrimSpace(opts.Recipient) == "" {
		opts.Recipient = DefaultRecipient
	}
	if opts.Sender == nil {
		opts.Sender = LogSender(opts.Log)
	}
	return map[string]processor.Handler{
		WelcomeCron:   processor.HandlerFunc(opts.trigger),
		Email:         processor.HandlerFunc(opts.welcome),
		DiscountOffer: processor.HandlerFunc(opts.offer),
	}
}

func (o Options) trigger(_ context.Context, _ *channel.Job) ([]channel.BulkJob, error) {
	o.Log.Debug("start sending welcome mail")
	return []channel.BulkJob{{Name: JobWelcomeMail, Data: WelcomeMail{To: o.Recipient}}}, nil
}

func (o Options) welcome(ctx context.Context, job *channel.Job) ([]channel.BulkJob, error) {
	var in WelcomeMail
	if err := job.Decode(&in); err != nil {
		return nil, processor.Permanent(fmt.Errorf("decode welcome mail: %w", err))
	}
	to, err := address(in.To)
	if err != nil {
		return nil, processor.Permanent(err)
	}
	if err := o.Sender.Send(ctx, to, "Welcome!"); err != nil {
		return nil, err
	}
	return []channel.BulkJob{{Name: JobDiscountOffer, Data: Offer{Email: to}}}, nil
}

func (o Options) offer(ctx context.Context, job *channel.Job) ([]channel.BulkJob, error) {
	var in Offer
	if err := job.Decode(&in); err != nil {
		return nil, processor.Permanent(fmt.Errorf("decode discount offer: %w", err))
	}
	to, err := address(in.Email)
	if err != nil {
		return nil, processor.Permanent(err)
	}
	return nil, o.Sender.Send(ctx, to, "Your discount offer")
}

var errNoRecipient = errors.New("mail: recipient missing")

func address(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errNoRecipient
	}
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return "", fmt.Errorf("mail: bad recipient %q: %w", raw, err)
	}
	return a.Address, nil
}
