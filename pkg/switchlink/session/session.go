// Package session manages the AMQP connection used to talk to switch
// agents. A Container owns one connection and session pair, hands out
// sender and receiver links bound to addresses, and re-dials with backoff
// whenever a link reports that the session is broken. Links survive
// reconnects: they lazily re-attach to the newest session.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/cenkalti/backoff/v4"
)

type Container interface {
	// Start connects in the background until ctx is cancelled.
	Start(ctx context.Context)
	NewReceiver(address string, opts ReceiverOptions) Receiver
	NewSender(address string, opts SenderOptions) Sender
	// OnSessionError registers a handler for connection failures. Errors
	// that will be retried implement RetryableError.
	OnSessionError(func(err error))
}

type Receiver interface {
	Next(context.Context) (*amqp.Message, error)
	Accept(context.Context, *amqp.Message) error
	Close(context.Context) error
}

type Sender interface {
	Send(context.Context, *amqp.Message) error
	Close(context.Context) error
}

type RetryableError interface {
	Retry() time.Duration
}

type ReceiverOptions struct {
	Credit int
}

type SenderOptions struct {
	// Durable requests settled, at-least-once delivery from the peer.
	Durable bool
}

// ContainerFactory creates containers sharing one configuration.
type ContainerFactory interface {
	Create() Container
}

type Config struct {
	ContainerID  string
	MaxFrameSize uint32
	TLSConfig    *tls.Config
	// SASLExternal authenticates with the TLS client certificate.
	SASLExternal bool
	// BackOff paces reconnect attempts. Defaults to exponential backoff
	// capped at 30s with no retry limit.
	BackOff backoff.BackOff
}

func (cfg Config) connOptions() *amqp.ConnOptions {
	opts := &amqp.ConnOptions{
		ContainerID:  cfg.ContainerID,
		MaxFrameSize: cfg.MaxFrameSize,
		TLSConfig:    cfg.TLSConfig,
	}
	if cfg.SASLExternal {
		opts.SASLType = amqp.SASLTypeExternal("")
	}
	return opts
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

type factory struct {
	address string
	config  Config
}

func NewContainerFactory(address string, config Config) ContainerFactory {
	return factory{address: address, config: config}
}

func (f factory) Create() Container {
	return NewContainer(f.address, f.config)
}

func NewContainer(address string, config Config) Container {
	if config.BackOff == nil {
		config.BackOff = defaultBackOff()
	}
	return &container{
		address:  address,
		config:   config,
		ready:    make(chan struct{}),
		failures: make(chan linkFailure, 32),
		healthy:  make(chan int, 32),
	}
}

type container struct {
	address string
	config  Config

	mu       sync.Mutex
	session  *amqp.Session
	gen      int
	ready    chan struct{}
	handlers []func(error)

	failures chan linkFailure
	healthy  chan int
}

// linkFailure is reported by a link that saw its session break.
type linkFailure struct {
	gen int
	err error
}

type errRestart struct {
	err   error
	delay time.Duration
}

func (e errRestart) Error() string {
	return fmt.Sprintf("session error: %s", e.err)
}

func (e errRestart) Unwrap() error {
	return e.err
}

func (e errRestart) Retry() time.Duration {
	return e.delay
}

func (c *container) OnSessionError(handler func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *container) notify(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, handler := range c.handlers {
		handler(err)
	}
}

// nextSession blocks until a session newer than prev is available.
func (c *container) nextSession(ctx context.Context, prev int) (*amqp.Session, int, error) {
	for {
		c.mu.Lock()
		sess, gen, ready := c.session, c.gen, c.ready
		c.mu.Unlock()
		if gen != prev {
			return sess, gen, nil
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-ready:
		}
	}
}

func (c *container) Start(ctx context.Context) {
	go func() {
		var (
			gen      int
			teardown = func() {}
		)
		defer func() { teardown() }()
		b := backoff.WithContext(c.config.BackOff, ctx)
		connect := func() error {
			conn, err := amqp.Dial(ctx, c.address, c.config.connOptions())
			if err != nil {
				return fmt.Errorf("dial error: %w", err)
			}
			sess, err := conn.NewSession(ctx, nil)
			if err != nil {
				conn.Close()
				return fmt.Errorf("session create error: %w", err)
			}
			gen++
			c.mu.Lock()
			close(c.ready)
			c.session, c.gen, c.ready = sess, gen, make(chan struct{})
			c.mu.Unlock()

			teardown()
			teardown = func() {
				sess.Close(context.Background())
				conn.Close()
			}
			for {
				select {
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				case ok := <-c.healthy:
					if ok == gen {
						b.Reset()
					}
				case failure := <-c.failures:
					if failure.gen == gen {
						return fmt.Errorf("link error: %w", failure.err)
					}
				}
			}
		}
		err := backoff.RetryNotify(connect, b, func(err error, d time.Duration) {
			c.notify(errRestart{err: err, delay: d})
		})
		if err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
			c.notify(fmt.Errorf("container stopped: %w", err))
		}
	}()
}

func (c *container) NewReceiver(address string, opts ReceiverOptions) Receiver {
	return c.newLink(address, opts, SenderOptions{})
}

func (c *container) NewSender(address string, opts SenderOptions) Sender {
	return c.newLink(address, ReceiverOptions{}, opts)
}

func (c *container) newLink(address string, ropts ReceiverOptions, sopts SenderOptions) *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := &link{
		address:   address,
		container: c,
		session:   c.session,
		gen:       c.gen,
	}
	if ropts.Credit > 0 {
		l.receiverOpts.Credit = int32(ropts.Credit)
	}
	if sopts.Durable {
		mode := amqp.SenderSettleModeUnsettled
		l.senderOpts.SettlementMode = &mode
	}
	return l
}

var errLinkClosed = errors.New("link closed")

// link is a sender or receiver that re-attaches to the current session.
type link struct {
	address      string
	container    *container
	receiverOpts amqp.ReceiverOptions
	senderOpts   amqp.SenderOptions

	mu       sync.Mutex
	closed   bool
	session  *amqp.Session
	gen      int
	receiver *amqp.Receiver
	rcvGen   int
	sender   *amqp.Sender
	sndGen   int
}

func (l *link) attach(ctx context.Context) (int, error) {
	l.mu.Lock()
	sess, gen, closed := l.session, l.gen, l.closed
	l.mu.Unlock()
	if closed {
		return 0, errLinkClosed
	}
	if sess != nil {
		return gen, nil
	}
	sess, gen, err := l.container.nextSession(ctx, gen)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session, l.gen = sess, gen
	return gen, nil
}

// fail reports err to the container so that it reconnects, unless the error
// came from the caller giving up or from the link being closed.
func (l *link) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, errLinkClosed) {
		return err
	}
	l.mu.Lock()
	gen := l.gen
	l.session, l.receiver, l.sender = nil, nil, nil
	l.mu.Unlock()
	select {
	case l.container.failures <- linkFailure{gen: gen, err: err}:
	default:
	}
	return err
}

func (l *link) reportHealthy(gen int) {
	select {
	case l.container.healthy <- gen:
	default:
	}
}

func (l *link) getReceiver(ctx context.Context) (*amqp.Receiver, int, error) {
	if _, err := l.attach(ctx); err != nil {
		return nil, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.receiver != nil && l.rcvGen == l.gen {
		return l.receiver, l.rcvGen, nil
	}
	opts := l.receiverOpts
	rcv, err := l.session.NewReceiver(ctx, l.address, &opts)
	if err != nil {
		return nil, 0, fmt.Errorf("receiver create error: %w", err)
	}
	l.receiver, l.rcvGen = rcv, l.gen
	return rcv, l.gen, nil
}

func (l *link) getSender(ctx context.Context) (*amqp.Sender, int, error) {
	if _, err := l.attach(ctx); err != nil {
		return nil, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender != nil && l.sndGen == l.gen {
		return l.sender, l.sndGen, nil
	}
	opts := l.senderOpts
	snd, err := l.session.NewSender(ctx, l.address, &opts)
	if err != nil {
		return nil, 0, fmt.Errorf("sender create error: %w", err)
	}
	l.sender, l.sndGen = snd, l.gen
	return snd, l.gen, nil
}

// Next blocks for the next message, retrying across reconnects until ctx is
// done or the link is closed.
func (l *link) Next(ctx context.Context) (*amqp.Message, error) {
	for {
		rcv, gen, err := l.getReceiver(ctx)
		if err == nil {
			var msg *amqp.Message
			msg, err = rcv.Receive(ctx, nil)
			if err == nil {
				l.reportHealthy(gen)
				return msg, nil
			}
			err = fmt.Errorf("receive error: %w", err)
		}
		err = l.fail(ctx, err)
		if ctx.Err() != nil || errors.Is(err, errLinkClosed) {
			return nil, err
		}
	}
}

// Accept settles msg. Errors are returned without tearing down the session
// since delivery state does not survive a reconnect anyway.
func (l *link) Accept(ctx context.Context, msg *amqp.Message) error {
	l.mu.Lock()
	rcv := l.receiver
	l.mu.Unlock()
	if rcv == nil {
		return errLinkClosed
	}
	return rcv.AcceptMessage(ctx, msg)
}

func (l *link) Send(ctx context.Context, msg *amqp.Message) error {
	snd, gen, err := l.getSender(ctx)
	if err != nil {
		return l.fail(ctx, err)
	}
	if err := snd.Send(ctx, msg, nil); err != nil {
		return l.fail(ctx, fmt.Errorf("send error: %w", err))
	}
	l.reportHealthy(gen)
	return nil
}

func (l *link) Close(ctx context.Context) error {
	l.mu.Lock()
	rcv, snd := l.receiver, l.sender
	l.closed = true
	l.session, l.receiver, l.sender = nil, nil, nil
	l.mu.Unlock()
	var errs []error
	if rcv != nil {
		errs = append(errs, rcv.Close(ctx))
	}
	if snd != nil {
		errs = append(errs, snd.Close(ctx))
	}
	return errors.Join(errs...)
}
