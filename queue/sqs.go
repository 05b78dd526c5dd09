package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"relay.evalgo.org/common"
	"relay.evalgo.org/config"
)

// SQSAPI is the part of the SQS client the transport uses.
type SQSAPI interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Message attribute names carrying the correlation.
const (
	sqsAttrReplyTo      = "ReplyTo"
	sqsAttrCorrelation  = "CorrelationId"
	sqsAttrAppID        = "AppId"
	sqsAttrMessageID    = "MessageId"
	sqsAttrCreationTime = "CreationTime"
)

// SQSTransport is the Amazon SQS backend. Queue names are resolved to URLs
// with GetQueueUrl; consumption is a long-poll loop that deletes each message
// after its handler returns.
type SQSTransport struct {
	cfg  config.SQSConfig
	opts Options

	mu       sync.Mutex
	api      SQSAPI
	response QueueHandle
	closed   bool

	lifecycle context.Context
	stop      context.CancelFunc
}

// NewSQSTransport returns an unconnected transport; Connect builds the client
// from cfg and the default AWS credential chain.
func NewSQSTransport(cfg config.SQSConfig, opts Options) *SQSTransport {
	return NewSQSTransportWithAPI(cfg, nil, opts)
}

// NewSQSTransportWithAPI uses api instead of building a client.
func NewSQSTransportWithAPI(cfg config.SQSConfig, api SQSAPI, opts Options) *SQSTransport {
	if cfg.WaitTime <= 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 10 * time.Second
	}
	lifecycle, stop := context.WithCancel(context.Background())
	return &SQSTransport{
		cfg:       cfg,
		opts:      opts.withDefaults("sqs-transport"),
		api:       api,
		lifecycle: lifecycle,
		stop:      stop,
	}
}

func (s *SQSTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.api != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return retry(ctx, s.opts.ReconnectDelay, s.opts.Logger, s.opts.Metrics, func() error {
		client, err := s.newClient(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.api = client
		s.mu.Unlock()
		s.opts.Logger.WithField("region", s.cfg.Region).Info("SQS client ready")
		return nil
	})
}

func (s *SQSTransport) newClient(ctx context.Context) (*sqs.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s.cfg.Region)}
	if s.cfg.AccessKeyID != "" {
		s.opts.Logger.WithField("access_key_id", common.MaskSecret(s.cfg.AccessKeyID)).Debug("Using static AWS credentials")
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.cfg.AccessKeyID, s.cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
	}), nil
}

func (s *SQSTransport) client() (SQSAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.api == nil || s.closed {
		return nil, ErrNotConnected
	}
	return s.api, nil
}

func isQueueMissing(err error) bool {
	var missing *types.QueueDoesNotExist
	return errors.As(err, &missing)
}

// queueURL resolves name to its URL.
func (s *SQSTransport) queueURL(ctx context.Context, api SQSAPI, name string) (string, error) {
	out, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		if isQueueMissing(err) {
			return "", fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		return "", fmt.Errorf("failed to resolve queue %s: %w", name, err)
	}
	return aws.ToString(out.QueueUrl), nil
}

func (s *SQSTransport) DeclareQueue(ctx context.Context, name string) (QueueHandle, error) {
	api, err := s.client()
	if err != nil {
		return QueueHandle{}, err
	}
	url, err := s.queueURL(ctx, api, name)
	if err == nil {
		return QueueHandle{Name: name, Address: url}, nil
	}
	if !errors.Is(err, ErrQueueNotFound) {
		return QueueHandle{}, err
	}

	out, err := api.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
		Attributes: map[string]string{
			"VisibilityTimeout": strconv.Itoa(int(s.cfg.VisibilityTimeout.Seconds())),
		},
	})
	if err != nil {
		return QueueHandle{}, fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	s.opts.Logger.WithField("queue", name).Info("Created queue")
	return QueueHandle{Name: name, Address: aws.ToString(out.QueueUrl)}, nil
}

func (s *SQSTransport) EnsureResponseQueue(ctx context.Context, name string) (QueueHandle, error) {
	q, err := s.DeclareQueue(ctx, name)
	if err != nil {
		return QueueHandle{}, err
	}
	s.mu.Lock()
	s.response = q
	s.mu.Unlock()
	return q, nil
}

func (s *SQSTransport) Consume(ctx context.Context, q QueueHandle, h Handler) error {
	return s.ConsumeDeliveries(ctx, q, bodyOnly(h))
}

func (s *SQSTransport) ConsumeDeliveries(ctx context.Context, q QueueHandle, h DeliveryHandler) error {
	api, err := s.client()
	if err != nil {
		return err
	}
	if q.Address == "" {
		if q.Address, err = s.queueURL(ctx, api, q.Name); err != nil {
			return err
		}
	}

	log := s.opts.Logger.WithField("queue", q.Name)
	log.Info("Consuming")
	ctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(s.lifecycle, cancel)
	go func() {
		defer cancel()
		defer stopAfter()
		for ctx.Err() == nil {
			out, err := api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:              aws.String(q.Address),
				MaxNumberOfMessages:   1,
				WaitTimeSeconds:       int32(s.cfg.WaitTime.Seconds()),
				VisibilityTimeout:     int32(s.cfg.VisibilityTimeout.Seconds()),
				MessageAttributeNames: []string{"All"},
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("Receive failed")
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.opts.ReconnectDelay):
				}
				continue
			}
			for _, m := range out.Messages {
				deliver(ctx, log, h, Delivery{Body: []byte(aws.ToString(m.Body)), Correlation: correlationFromAttributes(m.MessageAttributes)})
				if _, err := api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
					QueueUrl:      aws.String(q.Address),
					ReceiptHandle: m.ReceiptHandle,
				}); err != nil {
					log.WithError(err).Error("Failed to delete message")
				}
			}
		}
	}()
	return nil
}

func correlationFromAttributes(attrs map[string]types.MessageAttributeValue) Correlation {
	get := func(name string) string {
		if v, ok := attrs[name]; ok {
			return aws.ToString(v.StringValue)
		}
		return ""
	}
	c := Correlation{
		ReplyTo:     get(sqsAttrReplyTo),
		ExecutionID: get(sqsAttrCorrelation),
		ClientID:    get(sqsAttrAppID),
		MessageID:   get(sqsAttrMessageID),
	}
	if ts := get(sqsAttrCreationTime); ts != "" {
		c.CreationTime, _ = strconv.ParseInt(ts, 10, 64)
	}
	return c
}

func sqsAttributes(c Correlation) map[string]types.MessageAttributeValue {
	attrs := make(map[string]types.MessageAttributeValue)
	put := func(name, dataType, value string) {
		// SQS rejects empty attribute values
		if value == "" {
			return
		}
		attrs[name] = types.MessageAttributeValue{DataType: aws.String(dataType), StringValue: aws.String(value)}
	}
	put(sqsAttrReplyTo, "String", c.ReplyTo)
	put(sqsAttrCorrelation, "String", c.ExecutionID)
	put(sqsAttrAppID, "String", c.ClientID)
	put(sqsAttrMessageID, "String", c.MessageID)
	if c.CreationTime != 0 {
		put(sqsAttrCreationTime, "Number", strconv.FormatInt(c.CreationTime, 10))
	}
	return attrs
}

func (s *SQSTransport) Send(ctx context.Context, destination string, payload []byte, c Correlation) (bool, error) {
	api, err := s.client()
	if err != nil {
		return false, err
	}
	url, err := s.queueURL(ctx, api, destination)
	if err != nil {
		return false, err
	}

	_, err = api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(string(payload)),
		MessageAttributes: sqsAttributes(c),
	})
	if err != nil {
		return false, fmt.Errorf("failed to send message: %w", err)
	}
	return true, nil
}

func (s *SQSTransport) ResponseQueue() QueueHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.response
}

func (s *SQSTransport) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	return nil
}
