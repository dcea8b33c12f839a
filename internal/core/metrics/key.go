package metrics

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key uniquely identifies an aggregate: which metric, for which entity, in which time bucket.
// Two records with equal keys are merged; pointer identity never matters.
type Key struct {
	Name       string
	EntityID   string
	TimeBucket int64
}

// ID is the storage row id within one metric table.
func (k Key) ID() string {
	return strconv.FormatInt(k.TimeBucket, 10) + "_" + k.EntityID
}

func (k Key) String() string {
	return k.Name + "/" + k.ID()
}

// Hash is stable across processes and restarts; queue partitioning and remote
// routing both depend on that.
func (k Key) Hash() uint64 {
	return xxhash.Sum64String(k.String())
}

// WithBucket returns a copy of k pointing at another time bucket.
func (k Key) WithBucket(bucket int64) Key {
	k.TimeBucket = bucket
	return k
}
