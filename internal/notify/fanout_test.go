package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clduab11/priceslash/internal/broker"
	"github.com/clduab11/priceslash/internal/events"
)

type fakeChannel struct {
	name string
	fail bool

	mu    sync.Mutex
	sends int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, g events.Glitch, target string) Result {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	res := Result{Channel: f.name, Recipient: target, SentAt: time.Now()}
	if f.fail {
		res.Err = errors.New("channel down")
		return res
	}
	res.Success = true
	res.MessageID = "m1"
	return res
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type staticSource struct {
	subs []Subscriber
}

func (s staticSource) Eligible(context.Context) ([]Subscriber, error) {
	return s.subs, nil
}

func testGlitch() events.Glitch {
	return events.Glitch{
		ID:           "g1",
		ProductID:    "p1",
		Title:        "4K TV",
		Retailer:     "megamart",
		Category:     "electronics",
		Current:      decimal.NewFromFloat(9.99),
		Original:     decimal.NewFromFloat(199.99),
		ProfitMargin: decimal.NewFromInt(95),
		Confidence:   90,
	}
}

func testSubscriber() Subscriber {
	return Subscriber{
		ID: "sub1",
		Prefs: Preferences{
			MinProfitMargin: decimal.NewFromInt(50),
			MaxPrice:        decimal.NewFromInt(500),
		},
		Targets: map[string]string{"tg": "chat-1", "dc": "https://hook"},
	}
}

func TestFanoutDedupIdempotent(t *testing.T) {
	store := broker.NewMemory()
	tg := &fakeChannel{name: "tg"}
	dc := &fakeChannel{name: "dc"}
	f := NewFanout(store, staticSource{subs: []Subscriber{testSubscriber()}}, []Channel{tg, dc}, time.Hour, zerolog.Nop())

	results, err := f.Notify(context.Background(), testGlitch())
	if err != nil {
		t.Fatalf("first notify: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected one attempt per channel, got %d", len(results))
	}

	// Second call within the TTL must be a no-op.
	results, err = f.Notify(context.Background(), testGlitch())
	if err != nil {
		t.Fatalf("second notify: %v", err)
	}
	if results != nil {
		t.Fatalf("duplicate notify should return no results, got %v", results)
	}
	if tg.count() != 1 || dc.count() != 1 {
		t.Fatalf("channels must be hit exactly once, tg=%d dc=%d", tg.count(), dc.count())
	}

	_, _, skipped := f.Counters()
	if skipped != 1 {
		t.Fatalf("skip counter should be 1, got %d", skipped)
	}
}

func TestFanoutPartialFailureStillSucceeds(t *testing.T) {
	store := broker.NewMemory()
	tg := &fakeChannel{name: "tg", fail: true}
	dc := &fakeChannel{name: "dc"}
	f := NewFanout(store, staticSource{subs: []Subscriber{testSubscriber()}}, []Channel{tg, dc}, time.Hour, zerolog.Nop())

	results, err := f.Notify(context.Background(), testGlitch())
	if err != nil {
		t.Fatalf("one delivery should be aggregate success: %v", err)
	}
	if tg.count() != 1 || dc.count() != 1 {
		t.Fatal("a failing channel must not block the other's attempt")
	}

	okCount := 0
	for _, r := range results {
		if r.Success {
			okCount++
		}
	}
	if okCount != 1 {
		t.Fatalf("expected exactly one delivery, got %d", okCount)
	}
}

func TestFanoutTotalFailureWritesMarker(t *testing.T) {
	store := broker.NewMemory()
	tg := &fakeChannel{name: "tg", fail: true}
	sub := testSubscriber()
	sub.Targets = map[string]string{"tg": "chat-1"}
	f := NewFanout(store, staticSource{subs: []Subscriber{sub}}, []Channel{tg}, time.Hour, zerolog.Nop())

	_, err := f.Notify(context.Background(), testGlitch())
	if !errors.Is(err, ErrNoDelivery) {
		t.Fatalf("expected ErrNoDelivery, got %v", err)
	}

	// The marker lands regardless, so a retry cannot double-spam.
	seen, _ := store.HasMarker(context.Background(), dedupKey("g1"))
	if !seen {
		t.Fatal("dedup marker must be written even on total failure")
	}
	if _, err := f.Notify(context.Background(), testGlitch()); err != nil {
		t.Fatalf("retry after marker should no-op: %v", err)
	}
	if tg.count() != 1 {
		t.Fatalf("retry must not resend, sends=%d", tg.count())
	}
}

func TestFanoutNoEligibleSubscribers(t *testing.T) {
	store := broker.NewMemory()
	tg := &fakeChannel{name: "tg"}
	picky := testSubscriber()
	picky.Prefs.MinProfitMargin = decimal.NewFromInt(99)
	f := NewFanout(store, staticSource{subs: []Subscriber{picky}}, []Channel{tg}, time.Hour, zerolog.Nop())

	results, err := f.Notify(context.Background(), testGlitch())
	if err != nil {
		t.Fatalf("no eligible recipients is not a failure: %v", err)
	}
	if len(results) != 0 || tg.count() != 0 {
		t.Fatal("nothing should be sent when no subscriber matches")
	}
}

func TestMatches(t *testing.T) {
	g := testGlitch()

	cases := []struct {
		name string
		p    Preferences
		want bool
	}{
		{"open prefs", Preferences{}, true},
		{"margin met", Preferences{MinProfitMargin: decimal.NewFromInt(50)}, true},
		{"margin too low", Preferences{MinProfitMargin: decimal.NewFromInt(96)}, false},
		{"category allowed", Preferences{Categories: []string{"Electronics"}}, true},
		{"category filtered", Preferences{Categories: []string{"toys"}}, false},
		{"retailer allowed", Preferences{Retailers: []string{"megamart"}}, true},
		{"retailer filtered", Preferences{Retailers: []string{"other"}}, false},
		{"price in range", Preferences{MinPrice: decimal.NewFromInt(5), MaxPrice: decimal.NewFromInt(20)}, true},
		{"price below min", Preferences{MinPrice: decimal.NewFromInt(50)}, false},
		{"price above max", Preferences{MaxPrice: decimal.NewFromInt(5)}, false},
		{"zero max is unbounded", Preferences{MaxPrice: decimal.Zero}, true},
	}
	for _, tc := range cases {
		if got := Matches(tc.p, g); got != tc.want {
			t.Errorf("%s: Matches = %v, want %v", tc.name, got, tc.want)
		}
	}
}
