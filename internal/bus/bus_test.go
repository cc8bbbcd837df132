package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// capture subscribes and records the messages a tenant sees on one
// topic.
type capture struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (c *capture) handler(ctx context.Context, msg *domain.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *capture) wait(t *testing.T, n int) []*domain.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			msgs := append([]*domain.Message(nil), c.msgs...)
			c.mu.Unlock()
			return msgs
		}
		c.mu.Unlock()
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %d messages", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func subscribe(t *testing.T, b domain.EventBus, tenantID, topic string) (*capture, domain.Subscription) {
	t.Helper()
	c := &capture{}
	sub, err := b.Subscribe(context.Background(), tenantID, topic, c.handler)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	return c, sub
}

func TestJobEventRoundTrip(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	c, _ := subscribe(t, b, "lender-one", domain.TopicFeedScored)

	job := &domain.Job{
		ID:          "job-001",
		TenantID:    "lender-one",
		SourceName:  "july_feed.csv",
		Status:      domain.JobStatusScored,
		RecordCount: 250,
		ScoredCSV:   "july_feed_scored.csv",
	}
	if err := PublishJob(ctx, b, domain.TopicFeedScored, job); err != nil {
		t.Fatalf("PublishJob failed: %v", err)
	}

	msg := c.wait(t, 1)[0]
	if msg.TenantID != "lender-one" || msg.Topic != domain.TopicFeedScored {
		t.Errorf("envelope = tenant %q topic %q", msg.TenantID, msg.Topic)
	}
	if msg.ID == "" || msg.Timestamp == 0 {
		t.Error("envelope missing ID or timestamp")
	}

	ev, err := DecodeJobEvent(msg)
	if err != nil {
		t.Fatalf("DecodeJobEvent failed: %v", err)
	}
	if ev.JobID != "job-001" || ev.RecordCount != 250 {
		t.Errorf("job event = %+v", ev)
	}
	if ev.ScoredCSV != "july_feed_scored.csv" {
		t.Errorf("artifact = %q", ev.ScoredCSV)
	}
}

func TestReportEventRoundTrip(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	c, _ := subscribe(t, b, "lender-one", domain.TopicReportReady)

	report := &domain.Report{
		JobID:    "job-002",
		TenantID: "lender-one",
		Health: domain.HealthReport{
			QualityScore:  94.1,
			OverallStatus: domain.QualityExcellent,
		},
		TierCounts: map[domain.Tier]int{
			domain.TierPlatinum: 12,
			domain.TierNurture:  88,
		},
	}
	if err := PublishReport(context.Background(), b, report); err != nil {
		t.Fatalf("PublishReport failed: %v", err)
	}

	ev, err := DecodeReportEvent(c.wait(t, 1)[0])
	if err != nil {
		t.Fatalf("DecodeReportEvent failed: %v", err)
	}
	if ev.JobID != "job-002" || ev.QualityScore != 94.1 {
		t.Errorf("report event = %+v", ev)
	}
	if ev.OverallStatus != domain.QualityExcellent {
		t.Errorf("overall status = %q", ev.OverallStatus)
	}
	if ev.TierCounts[domain.TierPlatinum] != 12 {
		t.Errorf("tier counts = %v", ev.TierCounts)
	}
}

func TestFeedRequestSharesReceivedTopic(t *testing.T) {
	// Feed requests and job notifications travel on the same topic;
	// a consumer tells them apart by the file path.
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	c, _ := subscribe(t, b, "lender-one", domain.TopicFeedReceived)

	if err := PublishFeedRequest(ctx, b, "lender-one", "/data/feeds/july.csv"); err != nil {
		t.Fatalf("PublishFeedRequest failed: %v", err)
	}
	job := &domain.Job{ID: "job-003", TenantID: "lender-one", Status: domain.JobStatusReceived}
	if err := PublishJob(ctx, b, domain.TopicFeedReceived, job); err != nil {
		t.Fatalf("PublishJob failed: %v", err)
	}

	msgs := c.wait(t, 2)

	req, err := DecodeFeedRequest(msgs[0])
	if err != nil {
		t.Fatalf("DecodeFeedRequest failed: %v", err)
	}
	if req.FilePath != "/data/feeds/july.csv" || req.TenantID != "lender-one" {
		t.Errorf("feed request = %+v", req)
	}

	notif, err := DecodeFeedRequest(msgs[1])
	if err != nil {
		t.Fatalf("job notification should still decode: %v", err)
	}
	if notif.FilePath != "" {
		t.Errorf("notification file path = %q, want empty", notif.FilePath)
	}
}

func TestChannelBusTenantIsolation(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	one, _ := subscribe(t, b, "lender-one", domain.TopicFeedReceived)
	two, _ := subscribe(t, b, "lender-two", domain.TopicFeedReceived)

	if err := PublishFeedRequest(ctx, b, "lender-one", "/data/feeds/a.csv"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	one.wait(t, 1)
	time.Sleep(50 * time.Millisecond)
	if two.count() != 0 {
		t.Errorf("lender-two saw %d of lender-one's messages", two.count())
	}
}

func TestChannelBusFanOut(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()

	first, _ := subscribe(t, b, "lender-one", domain.TopicReportReady)
	second, _ := subscribe(t, b, "lender-one", domain.TopicReportReady)

	report := &domain.Report{JobID: "job-004", TenantID: "lender-one"}
	if err := PublishReport(context.Background(), b, report); err != nil {
		t.Fatalf("PublishReport failed: %v", err)
	}

	first.wait(t, 1)
	second.wait(t, 1)
}

func TestChannelBusUnsubscribe(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	c, sub := subscribe(t, b, "lender-one", domain.TopicFeedScored)
	if sub.Topic() != domain.TopicFeedScored {
		t.Errorf("subscription topic = %q", sub.Topic())
	}

	b.Publish(ctx, "lender-one", domain.TopicFeedScored, []byte(`{}`))
	c.wait(t, 1)

	sub.Unsubscribe()
	time.Sleep(10 * time.Millisecond)

	b.Publish(ctx, "lender-one", domain.TopicFeedScored, []byte(`{}`))
	time.Sleep(50 * time.Millisecond)

	if c.count() != 1 {
		t.Errorf("expected 1 message after unsubscribe, got %d", c.count())
	}
}

func TestChannelBusRequiresTenantID(t *testing.T) {
	b := NewChannelBus(100)
	defer b.Close()
	ctx := context.Background()

	if err := b.Publish(ctx, "", domain.TopicFeedReceived, []byte(`{}`)); err == nil {
		t.Error("expected error for empty tenantID on publish")
	}
	if _, err := b.Subscribe(ctx, "", domain.TopicFeedReceived, func(ctx context.Context, msg *domain.Message) error {
		return nil
	}); err == nil {
		t.Error("expected error for empty tenantID on subscribe")
	}
}

func TestChannelBusClose(t *testing.T) {
	b := NewChannelBus(100)
	ctx := context.Background()

	subscribe(t, b, "lender-one", domain.TopicFeedReceived)

	if err := b.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := b.Publish(ctx, "lender-one", domain.TopicFeedReceived, []byte(`{}`)); err == nil {
		t.Error("expected publish error after close")
	}
	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping error after close")
	}
	// Close is idempotent
	if err := b.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestChannelBusBurst(t *testing.T) {
	b := NewChannelBus(1000)
	defer b.Close()
	ctx := context.Background()

	var received atomic.Int32
	const batch = 100

	var wg sync.WaitGroup
	wg.Add(batch)
	b.Subscribe(ctx, "lender-load", domain.TopicFeedReceived, func(ctx context.Context, msg *domain.Message) error {
		received.Add(1)
		wg.Done()
		return nil
	})
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < batch; i++ {
		if err := PublishFeedRequest(ctx, b, "lender-load", "/data/feeds/burst.csv"); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if received.Load() != batch {
			t.Errorf("expected %d messages, got %d", batch, received.Load())
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout: received %d/%d messages", received.Load(), batch)
	}
}

func TestNewBus(t *testing.T) {
	t.Run("ChannelType", func(t *testing.T) {
		b, err := New(domain.EventBusConfig{Type: "channel", ChannelBufferSize: 50})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer b.Close()

		if _, ok := b.(*ChannelBus); !ok {
			t.Error("expected ChannelBus for channel type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
