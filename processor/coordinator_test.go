package processor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "bookflow/config"
	"bookflow/internal/book"
	"bookflow/internal/channel"
	"bookflow/models"
	"bookflow/writer"

	"github.com/shopspring/decimal"
)

type fakePublisher struct {
	mu        sync.Mutex
	snapshots []models.CombinedBookSnapshot
	failNext  int
	published chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{published: make(chan struct{}, 1024)}
}

func (p *fakePublisher) Publish(s models.CombinedBookSnapshot) (int, error) {
	p.mu.Lock()
	if p.failNext > 0 {
		p.failNext--
		p.mu.Unlock()
		p.signal()
		return 0, fmt.Errorf("%w: boom", writer.ErrSerialization)
	}
	p.snapshots = append(p.snapshots, s)
	p.mu.Unlock()
	p.signal()
	return 1, nil
}

func (p *fakePublisher) signal() {
	select {
	case p.published <- struct{}{}:
	default:
	}
}

func (p *fakePublisher) all() []models.CombinedBookSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.CombinedBookSnapshot(nil), p.snapshots...)
}

func (p *fakePublisher) last() (models.CombinedBookSnapshot, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return models.CombinedBookSnapshot{}, 0
	}
	return p.snapshots[len(p.snapshots)-1], len(p.snapshots)
}

type harness struct {
	channels  *channel.Channels
	registry  *book.Registry
	store     *ExternalDepthStore
	publisher *fakePublisher
	coord     *Coordinator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithConfig(t, appconfig.Default())
}

func newHarnessWithConfig(t *testing.T, cfg appconfig.Config) *harness {
	t.Helper()
	ch := channel.NewChannels(8)
	reg := book.NewRegistry(ch.Changes, "BTCUSDT")
	store := NewExternalDepthStore(ch.Changes)
	pub := newFakePublisher()
	coord := NewCoordinator(&cfg, reg, store, pub, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := coord.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		coord.Stop()
	})
	return &harness{channels: ch, registry: reg, store: store, publisher: pub, coord: coord}
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func order(id string, side models.Side, price, qty string) models.Order {
	return models.Order{
		ID:         id,
		Owner:      "alice",
		Side:       side,
		Price:      decimal.RequireFromString(price),
		Quantity:   decimal.RequireFromString(qty),
		Instrument: "BTCUSDT",
		CreatedAt:  time.Now(),
	}
}

func TestCoordinatorStartTwice(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.Start(context.Background()); err == nil {
		t.Fatal("expected error on second start")
	}
}

func TestCoordinatorPublishesOnBookMutation(t *testing.T) {
	h := newHarness(t)
	if err := h.registry.Insert(order("o1", models.SideBuy, "101", "2")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	waitFor(t, "bid published", func() bool {
		s, _ := h.publisher.last()
		return len(s.Bids) == 1 && s.Bids[0].Source == models.SourceLocal
	})
	s, _ := h.publisher.last()
	if s.Instrument != "BTCUSDT" || len(s.Asks) != 0 {
		t.Fatalf("unexpected snapshot %+v", s)
	}
}

func TestCoordinatorPublishesOnExternalSnapshot(t *testing.T) {
	h := newHarness(t)
	h.registry.Insert(order("o1", models.SideBuy, "101", "2"))

	snap := models.ExternalDepthSnapshot{
		Exchange:   "binance",
		Instrument: "BTCUSDT",
		Side:       models.SideBuy,
		Entries:    entries("101", "3", "99", "5"),
	}
	if !h.channels.Depth.Send(context.Background(), snap) {
		t.Fatal("depth send failed")
	}

	waitFor(t, "merged bids", func() bool {
		s, _ := h.publisher.last()
		return levelString(s.Bids) == "(101,5,LOCAL)(99,5,EXTERNAL)"
	})
}

func TestCoordinatorNoLostTrigger(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 50; i++ {
		h.registry.Insert(order(fmt.Sprintf("o%d", i), models.SideSell, "200", "1"))
	}

	waitFor(t, "final state published", func() bool {
		s, _ := h.publisher.last()
		return len(s.Asks) == 1 && s.Asks[0].Quantity.Equal(decimal.NewFromInt(50))
	})
}

func TestCoordinatorContinuesAfterSerializationFault(t *testing.T) {
	h := newHarness(t)
	h.publisher.mu.Lock()
	h.publisher.failNext = 1
	h.publisher.mu.Unlock()

	h.registry.Insert(order("o1", models.SideBuy, "10", "1"))
	<-h.publisher.published

	h.registry.Insert(order("o2", models.SideBuy, "11", "1"))
	waitFor(t, "publish after fault", func() bool {
		s, n := h.publisher.last()
		return n > 0 && len(s.Bids) == 2
	})
}

func TestCoordinatorRecompute(t *testing.T) {
	h := newHarness(t)
	h.store.Replace(models.ExternalDepthSnapshot{Instrument: "BTCUSDT", Side: models.SideSell, Entries: entries("105", "1", "104", "2")})
	h.registry.Insert(order("o1", models.SideSell, "104", "0.5"))

	s := h.coord.Recompute("BTCUSDT")
	if got := levelString(s.Asks); got != "(104,2.5,LOCAL)(105,1,EXTERNAL)" {
		t.Fatalf("unexpected asks %s", got)
	}
	if s.Timestamp == 0 {
		t.Fatal("missing timestamp")
	}
}

func TestCoordinatorRestart(t *testing.T) {
	h := newHarness(t)
	h.registry.Insert(order("o1", models.SideBuy, "10", "1"))
	waitFor(t, "first publish", func() bool {
		s, _ := h.publisher.last()
		return len(s.Bids) == 1
	})

	h.coord.Stop()
	if err := h.coord.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}

	h.registry.Insert(order("o2", models.SideBuy, "11", "1"))
	waitFor(t, "publish after restart", func() bool {
		s, _ := h.publisher.last()
		return len(s.Bids) == 2
	})
}

// askQuantities returns the total ask quantity of every published snapshot.
func askQuantities(snaps []models.CombinedBookSnapshot) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(snaps))
	for _, s := range snaps {
		total := decimal.Zero
		for _, l := range s.Asks {
			total = total.Add(l.Quantity)
		}
		out = append(out, total)
	}
	return out
}

func TestCoordinatorNeverPublishesStaleAfterNewer(t *testing.T) {
	cases := []struct {
		name  string
		rate  float64
		burst int
	}{
		{"unthrottled", 0, 1},
		{"rate limited", 200, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := appconfig.Default()
			cfg.Coordinator.PublishRate = c.rate
			cfg.Coordinator.PublishBurst = c.burst
			h := newHarnessWithConfig(t, cfg)

			const inserts = 40
			for i := 0; i < inserts; i++ {
				if err := h.registry.Insert(order(fmt.Sprintf("o%d", i), models.SideSell, "200", "1")); err != nil {
					t.Fatalf("insert: %v", err)
				}
				if i%5 == 0 {
					time.Sleep(time.Millisecond)
				}
			}

			want := decimal.NewFromInt(inserts)
			waitFor(t, "final state published", func() bool {
				s, _ := h.publisher.last()
				return len(s.Asks) == 1 && s.Asks[0].Quantity.Equal(want)
			})

			qty := askQuantities(h.publisher.all())
			for i := 1; i < len(qty); i++ {
				if qty[i].LessThan(qty[i-1]) {
					t.Fatalf("publish %d carries %s asks after %s", i, qty[i], qty[i-1])
				}
			}
			if !qty[len(qty)-1].Equal(want) {
				t.Fatalf("last publish carries %s asks, want %s", qty[len(qty)-1], want)
			}
		})
	}
}
