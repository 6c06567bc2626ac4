package translate

import (
	"fmt"
	"testing"
	"time"
)

func TestLRUCache_EvictsOldest(t *testing.T) {
	c := newLRUCache(2, time.Minute)
	c.put("a", "1")
	c.put("b", "2")
	c.put("c", "3")

	if _, ok := c.get("a"); ok {
		t.Error("oldest entry survived past capacity")
	}
	if v, ok := c.get("c"); !ok || v != "3" {
		t.Errorf("get(c) = (%q, %v), want (3, true)", v, ok)
	}
	if c.len() != 2 {
		t.Errorf("len = %d, want 2", c.len())
	}
}

func TestLRUCache_GetRefreshesRecency(t *testing.T) {
	c := newLRUCache(2, time.Minute)
	c.put("a", "1")
	c.put("b", "2")
	c.get("a")
	c.put("c", "3")

	if _, ok := c.get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := c.get("b"); ok {
		t.Error("least recently used entry survived")
	}
}

func TestLRUCache_TTLExpiry(t *testing.T) {
	c := newLRUCache(10, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.put("a", "1")
	now = now.Add(59 * time.Second)
	if _, ok := c.get("a"); !ok {
		t.Error("entry expired before its TTL")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.get("a"); ok {
		t.Error("entry survived past its TTL")
	}
}

func TestResultCache_ClassSeparation(t *testing.T) {
	rc := newResultCache(10, time.Minute, 10, time.Minute)
	rc.put(ClassPartial, "en", "es", "Hello", "Hola (partial)")
	rc.put(ClassFinal, "en", "es", "Hello", "Hola")

	if v, _ := rc.get(ClassPartial, "en", "es", "Hello"); v != "Hola (partial)" {
		t.Errorf("partial = %q", v)
	}
	if v, _ := rc.get(ClassFinal, "en", "es", "Hello"); v != "Hola" {
		t.Errorf("final = %q", v)
	}
	if _, ok := rc.get(ClassFinal, "en", "fr", "Hello"); ok {
		t.Error("hit for a different language pair")
	}
}

func TestCacheKey_LongTextShareAPrefix(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += fmt.Sprintf("word%d ", i)
	}
	k1 := cacheKey(ClassFinal, "en", "es", long+"tail one")
	k2 := cacheKey(ClassFinal, "en", "es", long+"tail two")
	if k1 != k2 {
		t.Error("long texts with a shared prefix should share a key")
	}
}
