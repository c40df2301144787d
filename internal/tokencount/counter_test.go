package tokencount

import "testing"

func TestCountEmptyIsZero(t *testing.T) {
	c := New(0)
	for _, s := range []string{"", "   ", "\t\n"} {
		if n := c.Count(s, "gpt-4"); n != 0 {
			t.Fatalf("Count(%q) = %d, want 0", s, n)
		}
	}
}

func TestCountNonEmptyIsPositive(t *testing.T) {
	c := New(0)
	if n := c.Count("hello world", "gpt-4"); n <= 0 {
		t.Fatalf("Count(hello world) = %d, want > 0", n)
	}
}

func TestCountIsCachedByTextAndModel(t *testing.T) {
	c := New(0)
	n1 := c.Count("identical text", "model-a")
	n2 := c.Count("identical text", "model-a")
	if n1 != n2 {
		t.Fatalf("cached counts differ: %d vs %d", n1, n2)
	}
}

func TestFallbackCountClampedToOne(t *testing.T) {
	if n := fallbackCount("a"); n < 1 {
		t.Fatalf("fallbackCount(a) = %d, want >= 1", n)
	}
}

func TestFallbackCountCJK(t *testing.T) {
	// 3 CJK chars, no other bytes -> chinese_chars=3, rest=max(0, bytes-9)/4
	n := fallbackCount("中文字")
	if n < 3 {
		t.Fatalf("fallbackCount(中文字) = %d, want >= 3", n)
	}
}

func TestLRUCacheEviction(t *testing.T) {
	cache := newLRUCache(2)
	cache.Put("a", 1)
	cache.Put("b", 2)
	cache.Put("c", 3) // evicts "a"
	if _, ok := cache.Get("a"); ok {
		t.Fatalf("expected \"a\" to be evicted")
	}
	if v, ok := cache.Get("b"); !ok || v != 2 {
		t.Fatalf("expected \"b\" to remain with value 2, got %d, %v", v, ok)
	}
}
