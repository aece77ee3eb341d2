package session

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"gotest.tools/v3/assert"
)

func TestContainerRoundTrip(t *testing.T) {
	testCases := []struct {
		Name    string
		Factory func(t *testing.T) ContainerFactory
	}{
		{
			Name: "mock",
			Factory: func(t *testing.T) ContainerFactory {
				return NewMockContainerFactory()
			},
		}, {
			Name: "router",
			Factory: func(t *testing.T) ContainerFactory {
				return containersFromEnv(t)
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			factory := tc.Factory(t)
			sending, receiving := factory.Create(), factory.Create()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			sending.Start(ctx)
			receiving.Start(ctx)

			address := "flowcache.test/" + uuid.NewString()
			snd := sending.NewSender(address, SenderOptions{})
			rcv := receiving.NewReceiver(address, ReceiverOptions{})

			const count = 32
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 0; i < count; i++ {
					sctx, scancel := context.WithTimeout(ctx, time.Second)
					if err := snd.Send(sctx, amqp.NewMessage([]byte(fmt.Sprintf("table-%d", i)))); err != nil {
						t.Error(err)
					}
					scancel()
				}
			}()
			for i := 0; i < count; i++ {
				msg, err := rcv.Next(ctx)
				assert.NilError(t, err)
				assert.Equal(t, string(msg.GetData()), fmt.Sprintf("table-%d", i))
				assert.Check(t, rcv.Accept(ctx, msg))
			}
			select {
			case <-time.After(2 * time.Second):
				t.Fatal("send timed out")
			case <-done:
			}

			assert.Check(t, snd.Close(ctx))
			err := snd.Send(ctx, amqp.NewMessage([]byte("closed")))
			assert.ErrorContains(t, err, "closed")
		})
	}
}

func TestMockMulticastAndAnycast(t *testing.T) {
	router := NewMockRouter()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewMockContainer(router)
	mcA := c.NewReceiver(MulticastPrefix+"beacons", ReceiverOptions{})
	mcB := c.NewReceiver(MulticastPrefix+"beacons", ReceiverOptions{})
	assert.NilError(t, c.NewSender(MulticastPrefix+"beacons", SenderOptions{}).Send(ctx, amqp.NewMessage([]byte("hi"))))
	for _, rcv := range []Receiver{mcA, mcB} {
		msg, err := rcv.Next(ctx)
		assert.NilError(t, err)
		assert.Equal(t, string(msg.GetData()), "hi")
	}

	acA := c.NewReceiver("reports", ReceiverOptions{})
	acB := c.NewReceiver("reports", ReceiverOptions{})
	snd := c.NewSender("reports", SenderOptions{})
	assert.NilError(t, snd.Send(ctx, amqp.NewMessage([]byte("1"))))
	assert.NilError(t, snd.Send(ctx, amqp.NewMessage([]byte("2"))))
	got := map[string]bool{}
	for _, rcv := range []Receiver{acA, acB} {
		msg, err := rcv.Next(ctx)
		assert.NilError(t, err)
		got[string(msg.GetData())] = true
	}
	assert.DeepEqual(t, got, map[string]bool{"1": true, "2": true})

	// sends block until a receiver attaches
	short, scancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer scancel()
	err := c.NewSender("nobody", SenderOptions{}).Send(short, amqp.NewMessage(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func containersFromEnv(t *testing.T) ContainerFactory {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping test that requires external router")
	}
	address := os.Getenv("FLOWCACHE_AMQP_ADDRESS")
	if address == "" {
		t.Skip("FLOWCACHE_AMQP_ADDRESS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := amqp.Dial(ctx, address, nil)
	if err != nil {
		t.Skipf("could not connect to router: %s", err)
	}
	conn.Close()
	return NewContainerFactory(address, Config{ContainerID: "flowcache-test-" + uuid.NewString()})
}
