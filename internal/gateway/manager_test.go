package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/agentoven/agentoven/relay/internal/gateway"
	"github.com/agentoven/agentoven/relay/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoRouter answers every event immediately with "re: <text>", except
// text "silent" which gets no reply.
type echoRouter struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *echoRouter) Enqueue(_ context.Context, ev models.Event, then func(models.Reply)) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	key := ev.SessionKey()
	reply := models.Reply{SessionKey: &key}
	if ev.Text != "silent" {
		text := "re: " + ev.Text
		reply.Reply = &text
	}
	then(reply)
	return nil
}

type fakeDriver struct {
	mu        sync.Mutex
	onMessage func(models.GatewayMessage)
	sent      []models.GatewayMessage
	started   context.Context
}

func (d *fakeDriver) Kind() models.ChatGatewayKind { return models.GatewayTelegram }

func (d *fakeDriver) Start(ctx context.Context, _ *models.ChatGateway, onMessage func(models.GatewayMessage)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = onMessage
	d.started = ctx
	return nil
}

func (d *fakeDriver) Send(_ context.Context, _ *models.ChatGateway, msg models.GatewayMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, msg)
	return nil
}

func TestManager_RelaysInboundAndSendsReply(t *testing.T) {
	router := &echoRouter{}
	driver := &fakeDriver{}
	m := gateway.NewManager(router)
	m.RegisterDriver(driver)

	gw, err := m.Create(context.Background(), gateway.CreateRequest{Name: "tg-main", Kind: models.GatewayTelegram, Active: true})
	require.NoError(t, err)

	driver.onMessage(models.GatewayMessage{ChannelID: "chat-9", UserID: "u1", UserName: "alice", Text: "hello", Direction: "inbound"})
	driver.onMessage(models.GatewayMessage{ChannelID: "chat-9", UserID: "u1", Text: "silent", Direction: "inbound"})
	driver.onMessage(models.GatewayMessage{ChannelID: "chat-9", Text: "echo", Direction: "outbound"})

	require.Len(t, router.events, 2)
	ev := router.events[0]
	assert.Equal(t, "tg-main", ev.ChannelKey)
	assert.Equal(t, "chat-9", ev.ConversationKey)
	assert.Equal(t, "alice", ev.Sender)
	assert.Equal(t, gw.ID, ev.Metadata["gateway_id"])
	assert.Equal(t, "u1", router.events[1].Sender)

	require.Len(t, driver.sent, 1)
	assert.Equal(t, "re: hello", driver.sent[0].Text)
	assert.Equal(t, "outbound", driver.sent[0].Direction)
	assert.Equal(t, "chat-9", driver.sent[0].ChannelID)
}

func TestManager_CreateValidation(t *testing.T) {
	m := gateway.NewManager(&echoRouter{})
	m.RegisterDriver(&fakeDriver{})

	_, err := m.Create(context.Background(), gateway.CreateRequest{Kind: models.GatewayTelegram})
	assert.Error(t, err)

	_, err = m.Create(context.Background(), gateway.CreateRequest{Name: "tg:1", Kind: models.GatewayTelegram})
	assert.ErrorIs(t, err, models.ErrInvalidEvent)

	_, err = m.Create(context.Background(), gateway.CreateRequest{Name: "d", Kind: models.GatewayDiscord, Active: true})
	assert.ErrorIs(t, err, gateway.ErrNoDriver)

	_, err = m.Create(context.Background(), gateway.CreateRequest{Name: "tg", Kind: models.GatewayTelegram})
	require.NoError(t, err)
	_, err = m.Create(context.Background(), gateway.CreateRequest{Name: "tg", Kind: models.GatewayTelegram})
	assert.ErrorIs(t, err, gateway.ErrDuplicateName)

	// A failed start releases the name.
	_, err = m.Create(context.Background(), gateway.CreateRequest{Name: "d", Kind: models.GatewayDiscord})
	assert.NoError(t, err)
}

func TestManager_ConcurrentCreateSameName(t *testing.T) {
	m := gateway.NewManager(&echoRouter{})
	m.RegisterDriver(&fakeDriver{})

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := m.Create(context.Background(), gateway.CreateRequest{Name: "tg-race", Kind: models.GatewayTelegram})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created++
			} else if errors.Is(err, gateway.ErrDuplicateName) {
				dupes++
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, n-1, dupes)
	assert.Len(t, m.List(), 1)
}

func TestManager_StopCancelsDriver(t *testing.T) {
	driver := &fakeDriver{}
	m := gateway.NewManager(&echoRouter{})
	m.RegisterDriver(driver)

	ctx, cancel := context.WithCancel(context.Background())
	gw, err := m.Create(ctx, gateway.CreateRequest{Name: "tg", Kind: models.GatewayTelegram, Active: true})
	require.NoError(t, err)

	// The creating request ending does not stop the gateway.
	cancel()
	assert.NoError(t, driver.started.Err())

	got, err := m.Get(gw.ID)
	require.NoError(t, err)
	assert.True(t, got.Active)

	require.NoError(t, m.Stop(gw.ID))
	assert.Error(t, driver.started.Err())
	assert.ErrorIs(t, m.Stop(gw.ID), gateway.ErrNotRunning)
	assert.ErrorIs(t, m.Stop("missing"), gateway.ErrNotFound)

	list := m.List()
	require.Len(t, list, 1)
	assert.False(t, list[0].Active)
}

func TestWebhookDriver_RoundTrip(t *testing.T) {
	received := make(chan models.GatewayMessage, 1)
	callback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		var msg models.GatewayMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg))
		received <- msg
	}))
	defer callback.Close()

	driver := gateway.NewWebhookDriver()
	m := gateway.NewManager(&echoRouter{})
	m.RegisterDriver(driver)

	gw, err := m.Create(context.Background(), gateway.CreateRequest{
		Name:   "hooks",
		Kind:   models.GatewayWebhook,
		Active: true,
		Config: map[string]interface{}{"callback_url": callback.URL, "secret": "s3cret"},
	})
	require.NoError(t, err)

	require.NoError(t, driver.Deliver(gw.ID, models.GatewayMessage{ChannelID: "room-1", UserName: "bob", Text: "ping"}))

	select {
	case msg := <-received:
		assert.Equal(t, "re: ping", msg.Text)
		assert.Equal(t, "room-1", msg.ChannelID)
		assert.Equal(t, gw.ID, msg.GatewayID)
	case <-time.After(5 * time.Second):
		t.Fatal("callback not called")
	}

	require.NoError(t, m.Stop(gw.ID))
	assert.Eventually(t, func() bool {
		return driver.Deliver(gw.ID, models.GatewayMessage{ChannelID: "room-1", Text: "late"}) != nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebhookDriver_RequiresCallback(t *testing.T) {
	m := gateway.NewManager(&echoRouter{})
	m.RegisterDriver(gateway.NewWebhookDriver())

	_, err := m.Create(context.Background(), gateway.CreateRequest{Name: "hooks", Kind: models.GatewayWebhook, Active: true})
	assert.Error(t, err)
}
