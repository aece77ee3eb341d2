package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/Azure/go-amqp"
)

// MulticastPrefix marks addresses whose messages go to every receiver.
// Messages to any other address go to one receiver, round robin.
const MulticastPrefix = "mc/"

// MockRouter is an in-memory stand-in for the message router used in
// tests. Sends to an address with no receivers block until one attaches
// or the send context ends.
type MockRouter struct {
	mu        sync.Mutex
	addresses map[string]*mockAddress
}

func NewMockRouter() *MockRouter {
	return &MockRouter{addresses: make(map[string]*mockAddress)}
}

// NewMockContainerFactory creates containers attached to a fresh router.
func NewMockContainerFactory() ContainerFactory {
	return mockFactory{router: NewMockRouter()}
}

type mockFactory struct {
	router *MockRouter
}

func (f mockFactory) Create() Container {
	return NewMockContainer(f.router)
}

func NewMockContainer(router *MockRouter) Container {
	return &mockContainer{router: router}
}

type mockContainer struct {
	router *MockRouter
}

func (c *mockContainer) Start(context.Context) {}

func (c *mockContainer) OnSessionError(func(error)) {}

func (c *mockContainer) NewReceiver(address string, opts ReceiverOptions) Receiver {
	credit := opts.Credit
	if credit <= 0 {
		credit = 256
	}
	rcv := &mockReceiver{
		messages: make(chan *amqp.Message, credit),
		closed:   make(chan struct{}),
	}
	c.router.address(address).attach(rcv)
	return rcv
}

func (c *mockContainer) NewSender(address string, opts SenderOptions) Sender {
	return &mockSender{
		target: c.router.address(address),
		closed: make(chan struct{}),
	}
}

func (r *MockRouter) address(name string) *mockAddress {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.addresses[name]
	if !ok {
		a = &mockAddress{
			multicast: strings.HasPrefix(name, MulticastPrefix),
			attached:  make(chan struct{}),
		}
		r.addresses[name] = a
	}
	return a
}

type mockAddress struct {
	multicast bool

	mu        sync.Mutex
	receivers []*mockReceiver
	next      int
	attached  chan struct{}
}

func (a *mockAddress) attach(r *mockReceiver) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.receivers = append(a.receivers, r)
	close(a.attached)
	a.attached = make(chan struct{})
}

// live drops closed receivers. Callers hold a.mu.
func (a *mockAddress) live() []*mockReceiver {
	open := a.receivers[:0]
	for _, r := range a.receivers {
		select {
		case <-r.closed:
		default:
			open = append(open, r)
		}
	}
	a.receivers = open
	return open
}

func (a *mockAddress) deliver(ctx context.Context, msg *amqp.Message) error {
	for {
		a.mu.Lock()
		receivers := a.live()
		attached := a.attached
		var targets []*mockReceiver
		switch {
		case len(receivers) == 0:
		case a.multicast:
			targets = append(targets, receivers...)
		default:
			a.next = (a.next + 1) % len(receivers)
			targets = append(targets, receivers[a.next])
		}
		a.mu.Unlock()

		if len(targets) > 0 {
			for _, r := range targets {
				r.deliver(ctx, msg)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-attached:
		}
	}
}

type mockReceiver struct {
	messages  chan *amqp.Message
	closeOnce sync.Once
	closed    chan struct{}
}

func (r *mockReceiver) deliver(ctx context.Context, msg *amqp.Message) {
	select {
	case <-r.closed:
	case <-ctx.Done():
	case r.messages <- msg:
	}
}

var errMockClosed = errors.New("link closed")

func (r *mockReceiver) Next(ctx context.Context) (*amqp.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return nil, errMockClosed
	case msg := <-r.messages:
		return msg, nil
	}
}

func (r *mockReceiver) Accept(context.Context, *amqp.Message) error {
	return nil
}

func (r *mockReceiver) Close(context.Context) error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type mockSender struct {
	target    *mockAddress
	closeOnce sync.Once
	closed    chan struct{}
}

func (s *mockSender) Send(ctx context.Context, msg *amqp.Message) error {
	select {
	case <-s.closed:
		return errMockClosed
	default:
	}
	return s.target.deliver(ctx, msg)
}

func (s *mockSender) Close(context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
