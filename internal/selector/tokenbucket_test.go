package selector

import (
	"context"
	"sync"
	"testing"
)

func TestTokenBucketConsumeSuccessAndFailure(t *testing.T) {
	store := newMemTokenStore()
	b := NewTokenBucket(store, 50, 6)
	ctx := context.Background()

	store.setTokens("kiro", 1, 1)
	ok, tokens, err := b.Consume(ctx, "kiro", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || tokens != 0 {
		t.Fatalf("consume = (%v, %v), want (true, 0)", ok, tokens)
	}

	ok, _, err = b.Consume(ctx, "kiro", 1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("second consume on empty bucket should fail")
	}
}

func TestTokenBucketNeverExceedsMax(t *testing.T) {
	store := newMemTokenStore()
	b := NewTokenBucket(store, 50, 6)
	ctx := context.Background()

	store.setTokens("kiro", 1, 49)
	tokens, err := b.Refund(ctx, "kiro", 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if tokens > 50 {
		t.Fatalf("tokens = %v, want <= 50", tokens)
	}
}

func TestTokenBucketConsumeRefundRoundTrip(t *testing.T) {
	store := newMemTokenStore()
	b := NewTokenBucket(store, 50, 6)
	ctx := context.Background()

	store.setTokens("kiro", 1, 50)
	before, err := b.GetTokens(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}

	ok, _, err := b.Consume(ctx, "kiro", 1, 1)
	if err != nil || !ok {
		t.Fatalf("consume failed: ok=%v err=%v", ok, err)
	}
	after, err := b.Refund(ctx, "kiro", 1, 1)
	if err != nil {
		t.Fatal(err)
	}

	if diff := before - after; diff < -0.01 || diff > 0.01 {
		t.Fatalf("round trip changed tokens by %v, want ~0", diff)
	}
}

func TestTokenBucketConcurrentConsumeNeverOverdraws(t *testing.T) {
	store := newMemTokenStore()
	b := NewTokenBucket(store, 50, 6)
	ctx := context.Background()

	store.setTokens("kiro", 1, 10)

	var wg sync.WaitGroup
	successes := make([]bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, _, err := b.Consume(ctx, "kiro", 1, 1)
			if err != nil {
				t.Error(err)
				return
			}
			successes[n] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count > 10 {
		t.Fatalf("%d concurrent consumes succeeded against 10 tokens, overdrew the bucket", count)
	}

	final, err := b.GetTokens(ctx, "kiro", 1)
	if err != nil {
		t.Fatal(err)
	}
	if final < -0.001 {
		t.Fatalf("final tokens = %v, went negative", final)
	}
}

func TestTimeUntilNextToken(t *testing.T) {
	store := newMemTokenStore()
	b := NewTokenBucket(store, 50, 6)

	if ms := b.TimeUntilNextToken(1); ms != 0 {
		t.Fatalf("TimeUntilNextToken(1) = %d, want 0", ms)
	}
	if ms := b.TimeUntilNextToken(2); ms != 0 {
		t.Fatalf("TimeUntilNextToken(2) = %d, want 0", ms)
	}

	ms := b.TimeUntilNextToken(0)
	want := int64(10_000) // (1-0)/6*60_000 = 10_000ms
	if ms != want {
		t.Fatalf("TimeUntilNextToken(0) = %d, want %d", ms, want)
	}
}
