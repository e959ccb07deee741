package cache

import "time"

// GetOutcome is the per-key result of GetBatch.
type GetOutcome struct {
	Key    Key
	Result VectorResult
	Found  bool
}

// PutItem is one element of a PutBatch call.
type PutItem struct {
	Key    Key
	Result VectorResult
	TTL    time.Duration
}

// PutOutcome is the per-key result of PutBatch.
type PutOutcome struct {
	Key    Key
	Stored bool
	Err    error
}

// GetBatch looks up every key independently, in order.
func (c *VectorCache) GetBatch(keys []Key) []GetOutcome {
	out := make([]GetOutcome, len(keys))
	for i, key := range keys {
		result, ok := c.Get(key)
		out[i] = GetOutcome{Key: key, Result: result, Found: ok}
	}
	return out
}

// PutBatch stores every item independently, in order. A failure for one item
// never affects the others.
func (c *VectorCache) PutBatch(items []PutItem) []PutOutcome {
	out := make([]PutOutcome, len(items))
	for i, item := range items {
		stored, err := c.Put(item.Key, item.Result, item.TTL)
		out[i] = PutOutcome{Key: item.Key, Stored: stored, Err: err}
	}
	return out
}
