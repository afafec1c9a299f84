package router

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// QueueTransport relays sealed messages through a pair of Azure Storage
// queues instead of a direct socket, for nodes that only share a storage
// account rather than routable IP connectivity (e.g. across NATs): one
// queue carries this node's outbound traffic to the peer, the other
// carries the peer's outbound traffic back.
type QueueTransport struct {
	out  *azqueue.QueueClient
	in   *azqueue.QueueClient
	poll *AdaptivePoll
}

// NewQueueTransport wires an outbound and inbound queue client into a
// Transport. Callers are expected to have already created both queues
// (e.g. "node-3-to-node-7" and "node-7-to-node-3").
func NewQueueTransport(out, in *azqueue.QueueClient) *QueueTransport {
	return &QueueTransport{
		out:  out,
		in:   in,
		poll: NewAdaptivePoll(DefaultFastReconnect, DefaultSteadyReconnect),
	}
}

func (q *QueueTransport) Send(ctx context.Context, data []byte) error {
	_, err := q.out.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(data), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	return nil
}

// Recv polls the inbound queue until a message arrives, backing off via
// AdaptivePoll between empty polls and resetting to the fast interval the
// moment one is found.
func (q *QueueTransport) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		resp, err := q.in.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
			NumberOfMessages: to.Ptr[int32](1),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
		}
		if len(resp.Messages) == 0 {
			q.poll.Sleep()
			continue
		}

		msg := resp.Messages[0]
		if msg.MessageText == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(*msg.MessageText)
		if err != nil {
			continue
		}
		_, _ = q.in.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
		q.poll.Reset()
		return data, nil
	}
}

func (q *QueueTransport) Close() error { return nil }

var _ Transport = (*QueueTransport)(nil)
