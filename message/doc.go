// Package message defines the immutable message that flows through a delay
// endpoint and the output channel contract it is forwarded to.
//
// A [Message] carries an opaque payload, a string header set, a TypeID
// identifier and its arrival timestamp. Messages are never mutated after
// construction; [Message.WithHeader] returns a modified copy.
//
//	m := message.New([]byte(`{"order":"ORD-1"}`),
//	    message.WithHeader("delay", "3000"),
//	)
//
// Downstream delivery goes through a [Sender]. Any function with the right
// shape can be adapted with [SenderFunc]:
//
//	out := message.SenderFunc(func(ctx context.Context, m *message.Message) error {
//	    return publisher.Publish(ctx, m.Payload())
//	})
package message
