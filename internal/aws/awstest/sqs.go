package awstest

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
)

type message struct {
	id           string
	body         string
	attrs        map[string]sqstypes.MessageAttributeValue
	receiveCount int
	visibleAt    time.Time
	receipt      string
}

// SQS is an in-memory implementation of aws.SQSAPI with visibility timeouts
// and receive counts. Queues are created on first use.
type SQS struct {
	mu      sync.Mutex
	queues  map[string][]*message
	seq     int
	now     func() time.Time
	sendErr error

	// DefaultVisibility applies when ReceiveMessage does not set one.
	DefaultVisibility time.Duration
}

// NewSQS returns an empty fake.
func NewSQS() *SQS {
	return &SQS{
		queues:            map[string][]*message{},
		now:               time.Now,
		DefaultVisibility: 30 * time.Second,
	}
}

// FailSends makes SendMessage return err until called again with nil.
func (s *SQS) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Bodies returns the bodies of all messages not yet deleted.
func (s *SQS) Bodies(queueURL string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.queues[queueURL] {
		out = append(out, m.body)
	}
	return out
}

// Len returns the number of messages not yet deleted.
func (s *SQS) Len(queueURL string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[queueURL])
}

// Visibility returns how long until the message with id becomes visible again.
func (s *SQS) Visibility(queueURL, id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.queues[queueURL] {
		if m.id == id {
			return m.visibleAt.Sub(s.now())
		}
	}
	return 0
}

// MakeVisible expires every lease on the queue, simulating elapsed time.
func (s *SQS) MakeVisible(queueURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.queues[queueURL] {
		m.visibleAt = time.Time{}
	}
}

// SendMessage implements aws.SQSAPI.
func (s *SQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	url := sdkaws.ToString(params.QueueUrl)
	s.seq++
	m := &message{
		id:    fmt.Sprintf("msg-%d", s.seq),
		body:  sdkaws.ToString(params.MessageBody),
		attrs: params.MessageAttributes,
	}
	if params.DelaySeconds > 0 {
		m.visibleAt = s.now().Add(time.Duration(params.DelaySeconds) * time.Second)
	}
	s.queues[url] = append(s.queues[url], m)
	return &sqs.SendMessageOutput{MessageId: sdkaws.String(m.id)}, nil
}

// ReceiveMessage implements aws.SQSAPI. With WaitTimeSeconds set it polls
// until a message is visible, the wait elapses or ctx is done.
func (s *SQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	deadline := time.Now().Add(time.Duration(params.WaitTimeSeconds) * time.Second)
	for {
		out := s.receive(params)
		if len(out.Messages) > 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *SQS) receive(params *sqs.ReceiveMessageInput) *sqs.ReceiveMessageOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := int(params.MaxNumberOfMessages)
	if max <= 0 {
		max = 1
	}
	visibility := s.DefaultVisibility
	if params.VisibilityTimeout > 0 {
		visibility = time.Duration(params.VisibilityTimeout) * time.Second
	}
	now := s.now()
	out := &sqs.ReceiveMessageOutput{}
	for _, m := range s.queues[sdkaws.ToString(params.QueueUrl)] {
		if len(out.Messages) == max {
			break
		}
		if m.visibleAt.After(now) {
			continue
		}
		s.seq++
		m.receiveCount++
		m.receipt = fmt.Sprintf("rh-%d", s.seq)
		m.visibleAt = now.Add(visibility)
		out.Messages = append(out.Messages, sqstypes.Message{
			MessageId:         sdkaws.String(m.id),
			ReceiptHandle:     sdkaws.String(m.receipt),
			Body:              sdkaws.String(m.body),
			MessageAttributes: m.attrs,
			Attributes: map[string]string{
				string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(m.receiveCount),
			},
		})
	}
	return out
}

// DeleteMessage implements aws.SQSAPI.
func (s *SQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url := sdkaws.ToString(params.QueueUrl)
	q := s.queues[url]
	for i, m := range q {
		if m.receipt != "" && m.receipt == sdkaws.ToString(params.ReceiptHandle) {
			s.queues[url] = append(q[:i:i], q[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &smithy.GenericAPIError{Code: "ReceiptHandleIsInvalid", Message: "receipt handle is invalid", Fault: smithy.FaultClient}
}

// ChangeMessageVisibility implements aws.SQSAPI.
func (s *SQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.queues[sdkaws.ToString(params.QueueUrl)] {
		if m.receipt != "" && m.receipt == sdkaws.ToString(params.ReceiptHandle) {
			m.visibleAt = s.now().Add(time.Duration(params.VisibilityTimeout) * time.Second)
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, &smithy.GenericAPIError{Code: "ReceiptHandleIsInvalid", Message: "receipt handle is invalid", Fault: smithy.FaultClient}
}

// CloudWatch records PutMetricData calls.
type CloudWatch struct {
	mu    sync.Mutex
	data  []cwtypes.MetricDatum
	space []string
}

// NewCloudWatch returns an empty recorder.
func NewCloudWatch() *CloudWatch { return &CloudWatch{} }

// PutMetricData implements aws.CloudWatchAPI.
func (c *CloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = append(c.data, params.MetricData...)
	c.space = append(c.space, sdkaws.ToString(params.Namespace))
	return &cloudwatch.PutMetricDataOutput{}, nil
}

// Sum adds up the values recorded for a metric name.
func (c *CloudWatch) Sum(name string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, d := range c.data {
		if sdkaws.ToString(d.MetricName) == name && d.Value != nil {
			total += *d.Value
		}
	}
	return total
}

// Datums returns every recorded datum for a metric name.
func (c *CloudWatch) Datums(name string) []cwtypes.MetricDatum {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []cwtypes.MetricDatum
	for _, d := range c.data {
		if sdkaws.ToString(d.MetricName) == name {
			out = append(out, d)
		}
	}
	return out
}
