package routing

import (
	"encoding/base64"
	"fmt"
	"maps"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ConsistencyOffsetVector records, per topic partition, the offset up to
// which a result reflects the writes to that partition. Merging keeps the
// maximum offset of every partition.
type ConsistencyOffsetVector struct {
	mtx     sync.RWMutex
	version int
	offsets map[string]map[int32]int64
}

const consistencyVersion = 1

// NewConsistencyOffsetVector returns an empty vector.
func NewConsistencyOffsetVector() *ConsistencyOffsetVector {
	return &ConsistencyOffsetVector{version: consistencyVersion, offsets: make(map[string]map[int32]int64)}
}

// Update raises the offset of topic/partition to offset if it is higher.
func (v *ConsistencyOffsetVector) Update(topic string, partition int32, offset int64) {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	v.update(topic, partition, offset)
}

func (v *ConsistencyOffsetVector) update(topic string, partition int32, offset int64) {
	parts, ok := v.offsets[topic]
	if !ok {
		parts = make(map[int32]int64)
		v.offsets[topic] = parts
	}
	if cur, ok := parts[partition]; !ok || offset > cur {
		parts[partition] = offset
	}
}

// Merge folds other into v, keeping the per-partition maximum.
func (v *ConsistencyOffsetVector) Merge(other *ConsistencyOffsetVector) {
	if other == nil || other == v {
		return
	}
	snapshot := other.Offsets()
	v.mtx.Lock()
	defer v.mtx.Unlock()
	for topic, parts := range snapshot {
		for p, o := range parts {
			v.update(topic, p, o)
		}
	}
}

// Get returns the offset of topic/partition.
func (v *ConsistencyOffsetVector) Get(topic string, partition int32) (int64, bool) {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	o, ok := v.offsets[topic][partition]
	return o, ok
}

// Offsets returns a copy of the offsets.
func (v *ConsistencyOffsetVector) Offsets() map[string]map[int32]int64 {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	out := make(map[string]map[int32]int64, len(v.offsets))
	for t, parts := range v.offsets {
		out[t] = maps.Clone(parts)
	}
	return out
}

// Dominates reports whether every offset of other is at most the matching
// offset of v.
func (v *ConsistencyOffsetVector) Dominates(other *ConsistencyOffsetVector) bool {
	if other == nil {
		return true
	}
	for topic, parts := range other.Offsets() {
		for p, o := range parts {
			cur, ok := v.Get(topic, p)
			if !ok || cur < o {
				return false
			}
		}
	}
	return true
}

// Copy returns a deep copy of v.
func (v *ConsistencyOffsetVector) Copy() *ConsistencyOffsetVector {
	c := NewConsistencyOffsetVector()
	c.Merge(v)
	return c
}

// IsEmpty reports whether v holds no offsets.
func (v *ConsistencyOffsetVector) IsEmpty() bool {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	return len(v.offsets) == 0
}

type wireVector struct {
	Version int                         `json:"version"`
	Offsets map[string]map[int32]int64 `json:"offsets"`
}

// Serialize encodes v as an opaque token that clients send back.
func (v *ConsistencyOffsetVector) Serialize() (string, error) {
	b, err := json.Marshal(wireVector{Version: consistencyVersion, Offsets: v.Offsets()})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DeserializeConsistencyOffsetVector decodes a token produced by Serialize.
// An empty token yields an empty vector.
func DeserializeConsistencyOffsetVector(token string) (*ConsistencyOffsetVector, error) {
	v := NewConsistencyOffsetVector()
	if token == "" {
		return v, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid consistency token: %w", err)
	}
	var w wireVector
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("invalid consistency token: %w", err)
	}
	if w.Version != consistencyVersion {
		return nil, fmt.Errorf("unsupported consistency token version %d", w.Version)
	}
	for topic, parts := range w.Offsets {
		for p, o := range parts {
			v.update(topic, p, o)
		}
	}
	return v, nil
}
