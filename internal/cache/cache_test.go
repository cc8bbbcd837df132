package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func sampleReport(jobID, tenantID string) *domain.Report {
	return &domain.Report{
		JobID:    jobID,
		TenantID: tenantID,
		Health: domain.HealthReport{
			QualityScore:  94.1,
			OverallStatus: domain.QualityExcellent,
			PassCount:     16,
			WarnCount:     1,
		},
		TierCounts: map[domain.Tier]int{
			domain.TierPlatinum: 12,
			domain.TierNurture:  88,
		},
		CreatedAt: time.Now().UTC(),
	}
}

func TestLRUCacheBasics(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	if err := c.Set(ctx, "lender-one", "report:job-001", []byte(`{"jobId":"job-001"}`), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := c.Get(ctx, "lender-one", "report:job-001")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(val) != `{"jobId":"job-001"}` {
		t.Errorf("Get = %q", val)
	}

	// Miss returns nil without error
	val, err = c.Get(ctx, "lender-one", "report:job-999")
	if err != nil {
		t.Fatalf("Get miss failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil on miss, got %q", val)
	}

	if err := c.Delete(ctx, "lender-one", "report:job-001"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if val, _ := c.Get(ctx, "lender-one", "report:job-001"); val != nil {
		t.Error("expected nil after delete")
	}
}

func TestLRUCacheTTL(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	_ = c.Set(ctx, "lender-one", "report:job-001", []byte("x"), 10*time.Millisecond)

	if val, _ := c.Get(ctx, "lender-one", "report:job-001"); val == nil {
		t.Error("expected value before expiration")
	}

	time.Sleep(20 * time.Millisecond)

	if val, _ := c.Get(ctx, "lender-one", "report:job-001"); val != nil {
		t.Error("expected nil after expiration")
	}
}

func TestLRUCacheEviction(t *testing.T) {
	c := NewLRUCache(3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		key := fmt.Sprintf("report:job-%03d", i)
		_ = c.Set(ctx, "lender-one", key, []byte("r"), time.Minute)
	}

	// Touch job-001, then overflow; job-002 is now least recent.
	_, _ = c.Get(ctx, "lender-one", "report:job-001")
	_ = c.Set(ctx, "lender-one", "report:job-004", []byte("r"), time.Minute)

	if val, _ := c.Get(ctx, "lender-one", "report:job-002"); val != nil {
		t.Error("expected job-002 evicted")
	}
	if val, _ := c.Get(ctx, "lender-one", "report:job-001"); val == nil {
		t.Error("expected job-001 retained")
	}
}

func TestLRUCacheTenantIsolation(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	// Two lenders can cache the same job ID without collision.
	_ = c.Set(ctx, "lender-one", "report:job-001", []byte("one"), time.Minute)
	_ = c.Set(ctx, "lender-two", "report:job-001", []byte("two"), time.Minute)

	one, _ := c.Get(ctx, "lender-one", "report:job-001")
	two, _ := c.Get(ctx, "lender-two", "report:job-001")

	if string(one) != "one" || string(two) != "two" {
		t.Errorf("cross-tenant bleed: %q / %q", one, two)
	}
}

func TestLRUCacheRequiresTenantID(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	if err := c.Set(ctx, "", "report:job-001", []byte("x"), time.Minute); err == nil {
		t.Error("expected error for empty tenantID on Set")
	}
	if _, err := c.Get(ctx, "", "report:job-001"); err == nil {
		t.Error("expected error for empty tenantID on Get")
	}
	if _, err := c.IncrementCounter(ctx, "", "feeds_processed", time.Minute); err == nil {
		t.Error("expected error for empty tenantID on IncrementCounter")
	}
}

func TestFeedCounter(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()
	window := 100 * time.Millisecond

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementCounter(ctx, "lender-one", "feeds_processed", window)
		if err != nil {
			t.Fatalf("IncrementCounter failed: %v", err)
		}
		if got != want {
			t.Errorf("count = %d, want %d", got, want)
		}
	}

	// A fresh window starts the daily feed count over.
	time.Sleep(150 * time.Millisecond)
	got, _ := c.IncrementCounter(ctx, "lender-one", "feeds_processed", window)
	if got != 1 {
		t.Errorf("count after window reset = %d, want 1", got)
	}
}

func TestReportRoundTrip(t *testing.T) {
	c := NewLRUCache(100)
	ctx := context.Background()

	report := sampleReport("job-001", "lender-one")
	if err := c.SetReport(ctx, "lender-one", "job-001", report, time.Minute); err != nil {
		t.Fatalf("SetReport failed: %v", err)
	}

	got, err := c.GetReport(ctx, "lender-one", "job-001")
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if got.JobID != "job-001" {
		t.Errorf("JobID = %s", got.JobID)
	}
	if got.Health.QualityScore != 94.1 || got.Health.OverallStatus != domain.QualityExcellent {
		t.Errorf("health = %+v", got.Health)
	}
	if got.TierCounts[domain.TierPlatinum] != 12 {
		t.Errorf("tier counts = %v", got.TierCounts)
	}

	// Miss returns nil report, nil error
	missing, err := c.GetReport(ctx, "lender-one", "job-999")
	if err != nil {
		t.Fatalf("GetReport miss failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for uncached job")
	}
}

func TestLRUCacheStatsAndLifecycle(t *testing.T) {
	c := NewLRUCache(50)
	ctx := context.Background()

	_ = c.SetReport(ctx, "lender-one", "job-001", sampleReport("job-001", "lender-one"), time.Minute)
	_ = c.SetReport(ctx, "lender-one", "job-002", sampleReport("job-002", "lender-one"), time.Minute)

	size, capacity := c.Stats()
	if size != 2 || capacity != 50 {
		t.Errorf("Stats = %d/%d, want 2/50", size, capacity)
	}

	if err := c.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if val, _ := c.Get(ctx, "lender-one", "report:job-001"); val != nil {
		t.Error("expected cache cleared after close")
	}
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer c.Close()

		if _, ok := c.(*LRUCache); !ok {
			t.Error("expected LRUCache for memory type")
		}
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
