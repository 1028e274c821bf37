package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// MethodCacheability defines how a method should be cached
type MethodCacheability int

const (
	// NotCacheable - method should never be cached
	NotCacheable MethodCacheability = iota
	// AlwaysCacheable - the result never changes for the same params
	AlwaysCacheable
	// CacheableWithBlockNumber - cacheable only when the block parameter is a
	// concrete number, not a tag like latest or pending
	CacheableWithBlockNumber
)

// defaultRules covers the common read-only node methods
var defaultRules = map[string]MethodCacheability{
	"eth_chainId":                           AlwaysCacheable,
	"net_version":                           AlwaysCacheable,
	"eth_getBlockByHash":                    AlwaysCacheable,
	"eth_getTransactionByHash":              AlwaysCacheable,
	"eth_getTransactionReceipt":             AlwaysCacheable,
	"eth_getTransactionByBlockHashAndIndex": AlwaysCacheable,

	"eth_getBlockByNumber":    CacheableWithBlockNumber,
	"eth_getBalance":          CacheableWithBlockNumber,
	"eth_getCode":             CacheableWithBlockNumber,
	"eth_getStorageAt":        CacheableWithBlockNumber,
	"eth_getTransactionCount": CacheableWithBlockNumber,
	"eth_call":                CacheableWithBlockNumber,
}

// blockParamIndex is the position of the block parameter per method
var blockParamIndex = map[string]int{
	"eth_getBlockByNumber":    0,
	"eth_getBalance":          1,
	"eth_getCode":             1,
	"eth_getTransactionCount": 1,
	"eth_call":                1,
	"eth_getStorageAt":        2,
}

// dynamicBlockTags indicate data that can still change
var dynamicBlockTags = map[string]bool{
	"latest":    true,
	"pending":   true,
	"earliest":  true,
	"safe":      true,
	"finalized": true,
}

// Policy decides which requests may be served from cache
type Policy struct {
	rules    map[string]MethodCacheability
	disabled map[string]bool
}

// NewPolicy builds a policy from the default rules. extra methods are treated
// as AlwaysCacheable; disabled methods are never cached.
func NewPolicy(extra, disabled []string) *Policy {
	p := &Policy{
		rules:    make(map[string]MethodCacheability, len(defaultRules)+len(extra)),
		disabled: make(map[string]bool, len(disabled)),
	}
	for m, rule := range defaultRules {
		p.rules[m] = rule
	}
	for _, m := range extra {
		p.rules[m] = AlwaysCacheable
	}
	for _, m := range disabled {
		p.disabled[m] = true
	}
	return p
}

// IsCacheable checks if a request is cacheable based on method and params
func (p *Policy) IsCacheable(method string, params json.RawMessage) bool {
	if p == nil || p.disabled[method] {
		return false
	}

	switch p.rules[method] {
	case AlwaysCacheable:
		return true
	case CacheableWithBlockNumber:
		return !containsDynamicBlockTag(method, params)
	default:
		return false
	}
}

// containsDynamicBlockTag checks if params contain dynamic block tags
func containsDynamicBlockTag(method string, params json.RawMessage) bool {
	idx, ok := blockParamIndex[method]
	if !ok {
		return false
	}

	var paramsArray []json.RawMessage
	if err := json.Unmarshal(params, &paramsArray); err != nil {
		return true
	}
	// A missing block param defaults to latest
	if idx >= len(paramsArray) {
		return true
	}

	var tag string
	if err := json.Unmarshal(paramsArray[idx], &tag); err != nil {
		return true
	}
	return dynamicBlockTags[strings.ToLower(tag)]
}

// GenerateCacheKey creates a unique cache key for a request
func GenerateCacheKey(namespace, method string, params json.RawMessage) string {
	normalizedParams := normalizeParams(params)
	hash := sha256.Sum256(normalizedParams)
	paramsHash := hex.EncodeToString(hash[:8])

	return namespace + ":" + method + ":" + paramsHash
}

// normalizeParams normalizes JSON params for consistent hashing
func normalizeParams(params json.RawMessage) []byte {
	if len(params) == 0 {
		return []byte("[]")
	}

	var data interface{}
	if err := json.Unmarshal(params, &data); err != nil {
		return params
	}

	result, err := json.Marshal(normalizeValue(data))
	if err != nil {
		return params
	}
	return result
}

// normalizeValue lowercases strings so hex values hash the same in any case.
// encoding/json already sorts map keys on output.
func normalizeValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(val))
		for k, item := range val {
			result[k] = normalizeValue(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(val))
		for i, item := range val {
			result[i] = normalizeValue(item)
		}
		return result
	case string:
		return strings.ToLower(val)
	default:
		return val
	}
}
