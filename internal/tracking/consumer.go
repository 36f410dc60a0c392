package tracking

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Consumer polls the tracking queue and applies events to a Sink. Messages
// are deleted once handled; failed messages become visible again and are
// retried by SQS.
type Consumer struct {
	client       sqsAPI
	queueURL     string
	sink         Sink
	errorBackoff time.Duration
	done         chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func NewConsumer(client *sqs.Client, queueURL string, sink Sink) *Consumer {
	return newConsumer(client, queueURL, sink)
}

func newConsumer(client sqsAPI, queueURL string, sink Sink) *Consumer {
	return &Consumer{
		client:       client,
		queueURL:     queueURL,
		sink:         sink,
		errorBackoff: 5 * time.Second,
		done:         make(chan struct{}),
	}
}

func (c *Consumer) Start(ctx context.Context) {
	log.Printf("[TrackingConsumer] Started (queue=%s)", c.queueURL)
	c.wg.Add(1)
	go c.poll(ctx)
}

func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
	log.Printf("[TrackingConsumer] Stopped")
}

func (c *Consumer) poll(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[TrackingConsumer] Receive error: %v", err)
			select {
			case <-time.After(c.errorBackoff):
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
			continue
		}

		c.process(ctx, out.Messages)
	}
}

func (c *Consumer) process(ctx context.Context, msgs []types.Message) {
	for _, msg := range msgs {
		var evt domain.TrackingEvent
		if msg.Body == nil || json.Unmarshal([]byte(*msg.Body), &evt) != nil {
			log.Printf("[TrackingConsumer] Discarding undecodable message")
			c.deleteMessage(ctx, msg.ReceiptHandle)
			continue
		}

		if err := c.sink.Handle(ctx, evt); err != nil {
			log.Printf("[TrackingConsumer] %s event for %s failed: %v", evt.Type, evt.TrackingID, err)
			continue
		}

		c.deleteMessage(ctx, msg.ReceiptHandle)
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		log.Printf("[TrackingConsumer] Delete error: %v", err)
	}
}
