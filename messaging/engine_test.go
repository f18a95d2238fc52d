package messaging

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigchat/database"
	"gigchat/metrics"
	"gigchat/models"
	"gigchat/presence"
)

type fakeConn struct {
	id, user string

	mu     sync.Mutex
	events []models.Event
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.user }

func (c *fakeConn) Deliver(ev models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) received(eventType string) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, ev := range c.events {
		if eventType == "" || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type recordingPublisher struct {
	mu      sync.Mutex
	created []string
	read    []string
}

func (p *recordingPublisher) MessageCreated(_ context.Context, msg *models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, msg.ID)
	return nil
}

func (p *recordingPublisher) MessageRead(_ context.Context, msg *models.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.read = append(p.read, msg.ID)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

// failingStore refuses every write.
type failingStore struct {
	database.Store
	calls atomic.Int32
}

func (s *failingStore) CreateMessage(context.Context, *models.Message) error {
	s.calls.Add(1)
	return errors.New("disk full")
}

// hangingStore never acknowledges a write before the context ends.
type hangingStore struct {
	database.Store
}

func (s *hangingStore) CreateMessage(ctx context.Context, _ *models.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

type harness struct {
	engine     *Engine
	projection *Projection
	store      *database.SQLStore
	registry   *presence.Local
	publisher  *recordingPublisher
	metrics    *metrics.Metrics
}

func newSQLStore(t *testing.T) *database.SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "gigchat.db")
	s, err := database.Open(context.Background(), "sqlite3", dsn, database.Options{}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newHarness(t *testing.T, wrap func(database.Store) database.Store, opts Options) *harness {
	t.Helper()
	sqlStore := newSQLStore(t)
	var store database.Store = sqlStore
	if wrap != nil {
		store = wrap(sqlStore)
	}

	m := metrics.New(prometheus.NewRegistry())
	reg := presence.NewLocal(zap.NewNop(), m)
	pub := &recordingPublisher{}

	return &harness{
		engine:     NewEngine(store, reg, pub, m, zap.NewNop(), opts),
		projection: NewProjection(store, reg, m, zap.NewNop(), time.Second),
		store:      sqlStore,
		registry:   reg,
		publisher:  pub,
		metrics:    m,
	}
}

func (h *harness) connect(id, user string) *fakeConn {
	c := &fakeConn{id: id, user: user}
	h.registry.Register(context.Background(), c)
	return c
}

func text(from, to, content string) models.SendRequest {
	return models.SendRequest{SenderID: from, ReceiverID: to, Content: content, Type: models.MessageTypeText}
}

func TestSend_NoSelfMessaging(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	for _, u := range []string{"alice", "bob", "0190b2f4-0000-7000-8000-000000000001"} {
		origin := h.connect("conn-"+u, u)

		msg, err := h.engine.Send(ctx, origin, models.SendRequest{ClientRef: "r1", SenderID: u, ReceiverID: u, Content: "me", Type: models.MessageTypeText})
		require.Error(t, err)
		assert.Nil(t, msg)
		assert.Equal(t, "receiver_id", FieldOf(err))

		failed := origin.received(models.EventMessageFailed)
		require.Len(t, failed, 1)
		assert.Empty(t, origin.received(models.EventMessageSent))
		assert.Empty(t, origin.received(models.EventNewMessage))

		convs, err := h.projection.ListConversations(ctx, u)
		require.NoError(t, err)
		assert.Empty(t, convs)
	}
}

func TestSend_RejectedBeforePersistence(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	alice := h.connect("a1", "alice")
	bob := h.connect("b1", "bob")

	_, err := h.engine.Send(ctx, alice, models.SendRequest{
		ClientRef:  "tmp-7",
		SenderID:   "alice",
		ReceiverID: "bob",
		Content:    "contract.pdf",
		Type:       models.MessageTypeFile,
	})
	require.Error(t, err)

	failed := alice.received(models.EventMessageFailed)
	require.Len(t, failed, 1)
	payload := failed[0].Payload.(models.SendFailed)
	assert.Equal(t, "tmp-7", payload.ClientRef)
	assert.Equal(t, "bob", payload.ReceiverID)
	assert.Equal(t, "contract.pdf", payload.Content)
	assert.Equal(t, "attachments", payload.Field)

	assert.Empty(t, bob.received(""))

	history, _, err := h.engine.ListMessages(ctx, "alice", "bob", database.Page{})
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesSent.WithLabelValues(metrics.ResultInvalid)))
}

func TestSend_OfflineReceiverFindsMessageInHistory(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	alice := h.connect("a1", "alice")

	msg, err := h.engine.Send(ctx, alice, models.SendRequest{ClientRef: "c-1", SenderID: "alice", ReceiverID: "bob", Content: "hi", Type: models.MessageTypeText})
	require.NoError(t, err)

	sent := alice.received(models.EventMessageSent)
	require.Len(t, sent, 1)
	confirmation := sent[0].Payload.(models.MessageSent)
	assert.Equal(t, "c-1", confirmation.ClientRef)
	assert.Equal(t, msg.ID, confirmation.Message.ID)
	assert.NotEmpty(t, confirmation.Message.ID)
	assert.False(t, confirmation.Message.CreatedAt.IsZero())

	assert.Equal(t, []string{msg.ID}, h.publisher.created)

	// bob connects later and fetches
	bob := h.connect("b1", "bob")
	assert.Empty(t, bob.received(""))

	history, next, err := h.engine.ListMessages(ctx, "bob", "alice", database.Page{})
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.Equal(t, "hi", history[0].Content)
	assert.False(t, history[0].IsRead)
}

func TestSend_FanOut(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	aliceLaptop := h.connect("a-laptop", "alice")
	alicePhone := h.connect("a-phone", "alice")
	bobLaptop := h.connect("b-laptop", "bob")
	bobPhone := h.connect("b-phone", "bob")

	msg, err := h.engine.Send(ctx, aliceLaptop, text("alice", "bob", "offer attached"))
	require.NoError(t, err)

	for _, c := range []*fakeConn{bobLaptop, bobPhone, alicePhone} {
		got := c.received(models.EventNewMessage)
		require.Len(t, got, 1, c.id)
		assert.Equal(t, msg.ID, got[0].Payload.(*models.Message).ID)
	}
	assert.Empty(t, aliceLaptop.received(models.EventNewMessage), "origin gets the confirmation instead")
	assert.Len(t, aliceLaptop.received(models.EventMessageSent), 1)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.FanoutDeliveries.WithLabelValues(metrics.KindNewMessage)))
}

func TestSend_ConcurrentSendersToMultiDeviceReceiver(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	bob1 := h.connect("b1", "bob")
	bob2 := h.connect("b2", "bob")
	alice := h.connect("a1", "alice")
	carol := h.connect("c1", "carol")

	var wg sync.WaitGroup
	for _, s := range []struct {
		conn    *fakeConn
		content string
	}{{alice, "from alice"}, {carol, "from carol"}} {
		wg.Add(1)
		go func(conn *fakeConn, content string) {
			defer wg.Done()
			_, err := h.engine.Send(ctx, conn, text(conn.user, "bob", content))
			assert.NoError(t, err)
		}(s.conn, s.content)
	}
	wg.Wait()

	for _, c := range []*fakeConn{bob1, bob2} {
		var contents []string
		for _, ev := range c.received(models.EventNewMessage) {
			contents = append(contents, ev.Payload.(*models.Message).Content)
		}
		assert.ElementsMatch(t, []string{"from alice", "from carol"}, contents)
	}

	convs, err := h.projection.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	for _, c := range convs {
		assert.Equal(t, 1, c.UnreadCount, c.CounterpartyID)
		assert.True(t, c.Online, c.CounterpartyID)
	}
}

func TestSend_PersistenceFailureResolvesAsFailed(t *testing.T) {
	store := &failingStore{}
	h := newHarness(t, func(s database.Store) database.Store {
		store.Store = s
		return store
	}, Options{})
	ctx := context.Background()

	alice := h.connect("a1", "alice")
	bob := h.connect("b1", "bob")

	_, err := h.engine.Send(ctx, alice, models.SendRequest{ClientRef: "r9", SenderID: "alice", ReceiverID: "bob", Content: "hello", Type: models.MessageTypeText})
	require.ErrorIs(t, err, ErrPersistence)

	failed := alice.received(models.EventMessageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "r9", failed[0].Payload.(models.SendFailed).ClientRef)
	assert.Empty(t, alice.received(models.EventMessageSent))
	assert.Empty(t, bob.received(""), "nothing is pushed for a message that was never stored")
	assert.Empty(t, h.publisher.created)
}

func TestSend_PersistTimeout(t *testing.T) {
	h := newHarness(t, func(s database.Store) database.Store {
		return &hangingStore{Store: s}
	}, Options{PersistTimeout: 50 * time.Millisecond})

	alice := h.connect("a1", "alice")

	start := time.Now()
	_, err := h.engine.Send(context.Background(), alice, text("alice", "bob", "anyone there?"))
	require.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Len(t, alice.received(models.EventMessageFailed), 1)
	assert.Empty(t, alice.received(models.EventMessageSent))
}

func TestSend_BreakerStopsCallingStore(t *testing.T) {
	store := &failingStore{}
	h := newHarness(t, func(s database.Store) database.Store {
		store.Store = s
		return store
	}, Options{MaxFailures: 2, OpenTimeout: time.Minute})

	alice := h.connect("a1", "alice")
	for i := 0; i < 5; i++ {
		_, err := h.engine.Send(context.Background(), alice, text("alice", "bob", fmt.Sprint(i)))
		require.ErrorIs(t, err, ErrPersistence)
	}

	assert.Equal(t, int32(2), store.calls.Load())
	assert.Len(t, alice.received(models.EventMessageFailed), 5, "every send still resolves")
}

func TestSend_ConfirmationsFollowSendOrder(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	alice := h.connect("a1", "alice")

	for i := 0; i < 10; i++ {
		_, err := h.engine.Send(ctx, alice, models.SendRequest{
			ClientRef: fmt.Sprintf("ref-%d", i), SenderID: "alice", ReceiverID: "bob",
			Content: fmt.Sprintf("m%d", i), Type: models.MessageTypeText,
		})
		require.NoError(t, err)
	}

	sent := alice.received(models.EventMessageSent)
	require.Len(t, sent, 10)
	for i, ev := range sent {
		assert.Equal(t, fmt.Sprintf("ref-%d", i), ev.Payload.(models.MessageSent).ClientRef)
	}

	history, _, err := h.engine.ListMessages(ctx, "alice", "bob", database.Page{})
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, m := range history {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.Content)
	}
}

func TestSend_HTTPOriginless(t *testing.T) {
	h := newHarness(t, nil, Options{})
	alicePhone := h.connect("a-phone", "alice")

	msg, err := h.engine.Send(context.Background(), nil, text("alice", "bob", "from the web form"))
	require.NoError(t, err)

	got := alicePhone.received(models.EventNewMessage)
	require.Len(t, got, 1, "all of the sender's sessions see an HTTP send")
	assert.Equal(t, msg.ID, got[0].Payload.(*models.Message).ID)
}

func TestReject(t *testing.T) {
	h := newHarness(t, nil, Options{})
	alice := h.connect("a1", "alice")

	h.engine.Reject(alice, models.SendRequest{ClientRef: "r1", ReceiverID: "bob", Content: "spam"}, ErrRateLimited)

	failed := alice.received(models.EventMessageFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ErrRateLimited.Error(), failed[0].Payload.(models.SendFailed).Error)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.MessagesSent.WithLabelValues(metrics.ResultLimited)))
}

func TestMarkRead(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	alice := h.connect("a1", "alice")
	carol := h.connect("c1", "carol")

	msg, err := h.engine.Send(ctx, alice, text("alice", "bob", "invoice ready"))
	require.NoError(t, err)

	// sender and third parties cannot flip it
	_, err = h.engine.MarkRead(ctx, msg.ID, "alice")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.engine.MarkRead(ctx, msg.ID, "carol")
	assert.ErrorIs(t, err, ErrForbidden)

	stored, err := h.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsRead)

	read, err := h.engine.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	receipts := alice.received(models.EventMessageRead)
	require.Len(t, receipts, 1)
	receipt := receipts[0].Payload.(models.ReadReceipt)
	assert.Equal(t, msg.ID, receipt.MessageID)
	assert.Equal(t, "bob", receipt.ReaderID)
	assert.True(t, read.ReadAt.Equal(receipt.ReadAt))
	assert.Empty(t, carol.received(models.EventMessageRead))

	again, err := h.engine.MarkRead(ctx, msg.ID, "bob")
	require.NoError(t, err)
	assert.True(t, again.IsRead)
	assert.True(t, read.ReadAt.Equal(*again.ReadAt), "read_at is set once")
	assert.Len(t, alice.received(models.EventMessageRead), 1, "no second receipt")
	assert.Equal(t, []string{msg.ID}, h.publisher.read)

	_, err = h.engine.MarkRead(ctx, "missing", "bob")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.engine.MarkRead(ctx, "", "bob")
	assert.Equal(t, "message_id", FieldOf(err))
}

func TestMarkRead_ConcurrentCallsTransitionOnce(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	alice := h.connect("a1", "alice")

	msg, err := h.engine.Send(ctx, alice, text("alice", "bob", "ping"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := h.engine.MarkRead(ctx, msg.ID, "bob")
			assert.NoError(t, err)
			assert.True(t, got.IsRead)
		}()
	}
	wg.Wait()

	assert.Len(t, alice.received(models.EventMessageRead), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ReadReceipts))
}

func TestMarkConversationRead(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()
	alice := h.connect("a1", "alice")

	for i := 0; i < 3; i++ {
		_, err := h.engine.Send(ctx, alice, text("alice", "bob", fmt.Sprint(i)))
		require.NoError(t, err)
	}
	_, err := h.engine.Send(ctx, nil, text("bob", "alice", "reply"))
	require.NoError(t, err)

	n, err := h.engine.MarkConversationRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, alice.received(models.EventMessageRead), 3)

	n, err = h.engine.MarkConversationRead(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Zero(t, n)

	convs, err := h.projection.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount, "bob's reply is still unread for alice")

	_, err = h.engine.MarkConversationRead(ctx, "bob", "bob")
	assert.Equal(t, "userId", FieldOf(err))
}

func TestListMessages_DoesNotChangeReadState(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	_, err := h.engine.Send(ctx, nil, text("alice", "bob", "hello"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		history, _, err := h.engine.ListMessages(ctx, "bob", "alice", database.Page{})
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.False(t, history[0].IsRead)
	}

	convs, err := h.projection.ListConversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 1, convs[0].UnreadCount)
}

func TestListMessages_OrderHoldsUnderConcurrentSendsAcrossPages(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	const perSide = 15
	var wg sync.WaitGroup
	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		for i := 0; i < perSide; i++ {
			wg.Add(1)
			go func(from, to string, i int) {
				defer wg.Done()
				_, err := h.engine.Send(ctx, nil, text(from, to, fmt.Sprintf("%s-%d", from, i)))
				assert.NoError(t, err)
			}(pair[0], pair[1], i)
		}
	}
	wg.Wait()

	var (
		all   []models.Message
		after string
	)
	for {
		page, next, err := h.engine.ListMessages(ctx, "alice", "bob", database.Page{After: after, Limit: 4})
		require.NoError(t, err)
		all = append(all, page...)
		if next == "" {
			break
		}
		after = next
	}

	require.Len(t, all, 2*perSide)
	assert.True(t, sort.SliceIsSorted(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	}))

	// bob sees the same order
	mirror, _, err := h.engine.ListMessages(ctx, "bob", "alice", database.Page{Limit: database.MaxPageSize})
	require.NoError(t, err)
	require.Len(t, mirror, len(all))
	for i := range all {
		assert.Equal(t, all[i].ID, mirror[i].ID)
	}
}

func TestListMessages_Errors(t *testing.T) {
	h := newHarness(t, nil, Options{})
	ctx := context.Background()

	_, _, err := h.engine.ListMessages(ctx, "alice", "", database.Page{})
	assert.Equal(t, "otherUserId", FieldOf(err))

	_, _, err = h.engine.ListMessages(ctx, "alice", "alice", database.Page{})
	assert.Equal(t, "otherUserId", FieldOf(err))

	_, _, err = h.engine.ListMessages(ctx, "alice", "bob", database.Page{After: "!!"})
	assert.Equal(t, "after", FieldOf(err))
}

func TestTyping(t *testing.T) {
	h := newHarness(t, nil, Options{})
	bob := h.connect("b1", "bob")
	alice := h.connect("a1", "alice")

	h.engine.Typing(context.Background(), "alice", "bob", true)
	h.engine.Typing(context.Background(), "alice", "alice", true)

	got := bob.received(models.EventTyping)
	require.Len(t, got, 1)
	assert.Equal(t, models.Typing{UserID: "alice", Typing: true}, got[0].Payload)
	assert.Empty(t, alice.received(""))
}
