package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MockNATSClient is an in-memory stand-in for natsclient.Client. Publish
// records the message and delivers it synchronously to every handler whose
// subscription matches, with NATS wildcard rules ("*" one token, ">" the
// rest).
type MockNATSClient struct {
	mu         sync.RWMutex
	messages   map[string][][]byte
	subs       []mockSub
	publishErr error
	closed     bool
}

type mockSub struct {
	subject string
	handler func(context.Context, []byte)
}

// NewMockNATSClient creates an empty mock.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{messages: make(map[string][][]byte)}
}

// Publish records data on subject and runs matching handlers outside the
// lock, so handlers may publish in turn.
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	c.messages[subject] = append(c.messages[subject], data)

	var handlers []func(context.Context, []byte)
	for _, s := range c.subs {
		if SubjectMatches(s.subject, subject) {
			handlers = append(handlers, s.handler)
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(ctx, data)
	}
	return nil
}

// Subscribe registers handler for subject, which may contain wildcards.
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	c.subs = append(c.subs, mockSub{subject: subject, handler: handler})
	return nil
}

// FailPublish makes every later Publish return err. Nil restores delivery.
func (c *MockNATSClient) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// GetMessages returns a copy of the messages published on subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	out := make([][]byte, len(msgs))
	copy(out, msgs)
	return out
}

// GetMessageCount returns the number of messages published on subject.
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// SubscriptionCount returns the number of subscriptions registered with
// exactly this subject.
func (c *MockNATSClient) SubscriptionCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, s := range c.subs {
		if s.subject == subject {
			n++
		}
	}
	return n
}

// Close makes later calls fail.
func (c *MockNATSClient) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// SubjectMatches reports whether subject is matched by pattern.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) || (p != "*" && p != st[i]) {
			return false
		}
	}
	return len(pt) == len(st)
}
