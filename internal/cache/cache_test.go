package cache

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryCache_SetGet(t *testing.T) {
	mc, err := NewMemoryCache(2, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	mc.Set("a", []byte("1"))
	mc.Set("b", []byte("2"))
	mc.Set("c", []byte("3"))

	if _, ok := mc.Get("a"); ok {
		t.Error("a should have been evicted")
	}
	if v, ok := mc.Get("c"); !ok || string(v) != "3" {
		t.Errorf("Get(c) = %q, %v", v, ok)
	}
}

func TestMemoryCache_Expiry(t *testing.T) {
	mc, err := NewMemoryCache(10, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	now := time.Now()
	mc.now = func() time.Time { return now }
	mc.Set("k", []byte("v"))

	now = now.Add(2 * time.Minute)
	if _, ok := mc.Get("k"); ok {
		t.Error("expired entry returned")
	}
	if mc.Len() != 0 {
		t.Errorf("Len() = %d, want 0", mc.Len())
	}
}

func TestMemoryCache_RemoveExpired(t *testing.T) {
	mc, err := NewMemoryCache(10, time.Minute)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	defer mc.Close()

	now := time.Now()
	mc.now = func() time.Time { return now }
	mc.Set("old", []byte("v"))
	now = now.Add(30 * time.Second)
	mc.Set("new", []byte("v"))
	now = now.Add(45 * time.Second)

	mc.removeExpired()

	if mc.Len() != 1 {
		t.Errorf("Len() = %d, want 1", mc.Len())
	}
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	mc, err := NewMemoryCache(1, time.Second)
	if err != nil {
		t.Fatalf("NewMemoryCache: %v", err)
	}
	mc.Close()
	mc.Close()
}

func TestPolicy_IsCacheable(t *testing.T) {
	p := NewPolicy([]string{"custom_static"}, []string{"eth_chainId"})

	tests := []struct {
		method string
		params string
		want   bool
	}{
		{"eth_getTransactionReceipt", `["0xabc"]`, true},
		{"eth_chainId", `[]`, false},
		{"custom_static", `[1]`, true},
		{"eth_blockNumber", `[]`, false},
		{"eth_getBalance", `["0xabc","0x10"]`, true},
		{"eth_getBalance", `["0xabc","latest"]`, false},
		{"eth_getBalance", `["0xabc","LATEST"]`, false},
		{"eth_getBalance", `["0xabc"]`, false},
		{"eth_getBlockByNumber", `["0x1",false]`, true},
	}
	for _, tt := range tests {
		got := p.IsCacheable(tt.method, json.RawMessage(tt.params))
		if got != tt.want {
			t.Errorf("IsCacheable(%s, %s) = %v, want %v", tt.method, tt.params, got, tt.want)
		}
	}

	var nilPolicy *Policy
	if nilPolicy.IsCacheable("eth_chainId", nil) {
		t.Error("nil policy must not cache")
	}
}

func TestGenerateCacheKey_Normalizes(t *testing.T) {
	a := GenerateCacheKey("up", "eth_call", json.RawMessage(`[{"to":"0xABC","data":"0x1"},"0x5"]`))
	b := GenerateCacheKey("up", "eth_call", json.RawMessage(`[{"data":"0x1", "to":"0xabc"}, "0x5"]`))
	c := GenerateCacheKey("other", "eth_call", json.RawMessage(`[{"to":"0xabc","data":"0x1"},"0x5"]`))

	if a != b {
		t.Errorf("equivalent params produced different keys: %s vs %s", a, b)
	}
	if a == c {
		t.Error("namespace not part of the key")
	}
}
