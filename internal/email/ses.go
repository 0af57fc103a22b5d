package email

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/aws/aws-sdk-go/service/ses/sesiface"
)

type SESSender struct {
	ses     sesiface.SESAPI
	from    string
	charset string
}

// NewSESSender uses the default AWS credential chain.
func NewSESSender(region, from string) (*SESSender, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return &SESSender{
		ses:     ses.New(sess),
		from:    from,
		charset: "UTF-8",
	}, nil
}

func (s *SESSender) Name() string { return "ses" }

func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	input := &ses.SendEmailInput{
		Destination: &ses.Destination{
			ToAddresses: []*string{aws.String(msg.To)},
		},
		Message: &ses.Message{
			Body: &ses.Body{
				Html: &ses.Content{
					Charset: aws.String(s.charset),
					Data:    aws.String(msg.HTML),
				},
				Text: &ses.Content{
					Charset: aws.String(s.charset),
					Data:    aws.String(msg.Text),
				},
			},
			Subject: &ses.Content{
				Charset: aws.String(s.charset),
				Data:    aws.String(msg.Subject),
			},
		},
		Source: aws.String(s.from),
	}
	if msg.JobID != "" {
		input.Tags = []*ses.MessageTag{{Name: aws.String("job_id"), Value: aws.String(msg.JobID)}}
	}

	out, err := s.ses.SendEmailWithContext(ctx, input)
	if err != nil {
		return "", providerError(ctx, s.Name(), err)
	}
	if out.MessageId == nil {
		return "", providerError(ctx, s.Name(), errors.New("response carried no message id"))
	}
	return aws.StringValue(out.MessageId), nil
}
