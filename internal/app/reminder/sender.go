package reminder

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"
	"github.com/tasky-app/tasky/internal/contracts"
)

// ErrPermanent marks a send failure that retrying cannot fix, such as a
// rejected recipient.
var ErrPermanent = errors.New("permanent send failure")

// Sender delivers one reminder email.
type Sender interface {
	Send(ctx context.Context, r contracts.EmailReminder) error
}

// LogSender writes reminders to the log instead of sending them.
type LogSender struct {
	Logger zerolog.Logger
}

func (s LogSender) Send(_ context.Context, r contracts.EmailReminder) error {
	s.Logger.Info().
		Str("reminder_id", r.ID).
		Str("user_id", r.UserID).
		Str("email", r.Email).
		Str("subject", r.Subject).
		Time("scheduled_at", r.ScheduledAt).
		Msg("email reminder sent")
	return nil
}

// SESAPI is the subset of the SES v2 client the sender uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

type SESSender struct {
	api           SESAPI
	from          string
	configSetName string
	logger        zerolog.Logger
}

func NewSESSender(awsCfg aws.Config, from, configSetName string, logger zerolog.Logger) *SESSender {
	return NewSESSenderWithAPI(sesv2.NewFromConfig(awsCfg), from, configSetName, logger)
}

func NewSESSenderWithAPI(api SESAPI, from, configSetName string, logger zerolog.Logger) *SESSender {
	return &SESSender{api: api, from: from, configSetName: configSetName, logger: logger}
}

func (s *SESSender) Send(ctx context.Context, r contracts.EmailReminder) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &sestypes.Destination{ToAddresses: []string{r.Email}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(r.Subject), Charset: aws.String("UTF-8")},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(r.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []sestypes.MessageTag{{Name: aws.String("ReminderId"), Value: aws.String(r.ID)}},
	}
	if s.configSetName != "" {
		input.ConfigurationSetName = aws.String(s.configSetName)
	}

	out, err := s.api.SendEmail(ctx, input)
	if err != nil {
		return mapSESError(err)
	}
	s.logger.Info().Str("reminder_id", r.ID).Str("message_id", aws.ToString(out.MessageId)).Msg("email reminder sent via ses")
	return nil
}

func mapSESError(err error) error {
	var rejected *sestypes.MessageRejected
	if errors.As(err, &rejected) {
		return fmt.Errorf("%w: ses rejected message: %v", ErrPermanent, err)
	}
	var notVerified *sestypes.BadRequestException
	if errors.As(err, &notVerified) {
		return fmt.Errorf("%w: ses bad request: %v", ErrPermanent, err)
	}
	return fmt.Errorf("ses send: %w", err)
}
