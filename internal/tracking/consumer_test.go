package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

type fakeSQS struct {
	mu       sync.Mutex
	sent     []string
	inbox    []types.Message
	deleted  []string
	received chan struct{}
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *in.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
			return &sqs.ReceiveMessageOutput{}, nil
		}
	}
	defer func() {
		if f.received != nil {
			close(f.received)
		}
	}()
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestPublisher_Handle(t *testing.T) {
	fake := &fakeSQS{}
	p := &Publisher{client: fake, queueURL: "https://sqs.local/q"}

	evt := domain.TrackingEvent{Type: domain.EventClick, TrackingID: "trk-1", URL: "https://a.example.com"}
	require.NoError(t, p.Handle(context.Background(), evt))
	require.Len(t, fake.sent, 1)

	var got domain.TrackingEvent
	require.NoError(t, json.Unmarshal([]byte(fake.sent[0]), &got))
	assert.Equal(t, evt.TrackingID, got.TrackingID)
	assert.Equal(t, evt.URL, got.URL)
}

func TestConsumer_ProcessDeletesHandledAndBadMessages(t *testing.T) {
	body, _ := json.Marshal(domain.TrackingEvent{Type: domain.EventOpen, TrackingID: "trk-1"})
	fake := &fakeSQS{}
	sink := &captureSink{}
	c := newConsumer(fake, "q", sink)

	c.process(context.Background(), []types.Message{
		{Body: aws.String(string(body)), ReceiptHandle: aws.String("h1")},
		{Body: aws.String("{not json"), ReceiptHandle: aws.String("h2")},
	})

	assert.Equal(t, []string{"h1", "h2"}, fake.deleted)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "trk-1", sink.all()[0].TrackingID)
}

func TestConsumer_KeepsFailedMessages(t *testing.T) {
	body, _ := json.Marshal(domain.TrackingEvent{Type: domain.EventOpen, TrackingID: "trk-1"})
	fake := &fakeSQS{}
	c := newConsumer(fake, "q", &captureSink{err: errors.New("db down")})

	c.process(context.Background(), []types.Message{{Body: aws.String(string(body)), ReceiptHandle: aws.String("h1")}})
	assert.Empty(t, fake.deleted)
}

func TestConsumer_StartStop(t *testing.T) {
	body, _ := json.Marshal(domain.TrackingEvent{Type: domain.EventOpen, TrackingID: "trk-9"})
	fake := &fakeSQS{
		inbox:    []types.Message{{Body: aws.String(string(body)), ReceiptHandle: aws.String("h9")}},
		received: make(chan struct{}),
	}
	sink := &captureSink{}
	c := newConsumer(fake, "q", sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	select {
	case <-fake.received:
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never polled")
	}
	require.Eventually(t, func() bool { return len(sink.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	c.Stop()
}
