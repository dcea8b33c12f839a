package metrics

import (
	"fmt"
	"strings"
	"time"
)

// Precision is the granularity a time bucket is truncated to.
type Precision int

const (
	Second Precision = iota
	Minute
	Hour
	Day
	Month
)

var precisionNames = map[Precision]string{
	Second: "second",
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
	Month:  "month",
}

func (p Precision) String() string {
	if name, ok := precisionNames[p]; ok {
		return name
	}
	return fmt.Sprintf("precision(%d)", int(p))
}

// Valid reports whether p is one of the known precisions.
func (p Precision) Valid() bool {
	_, ok := precisionNames[p]
	return ok
}

// ParsePrecision parses "minute", "hour", ... (case-insensitive).
func ParsePrecision(s string) (Precision, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range precisionNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown precision %q", s)
}

// Bucket encodes t (in UTC) as an integer time bucket.
// Example: Minute.Bucket(2024-01-01 10:35:42) → 202401011035
func (p Precision) Bucket(t time.Time) int64 {
	t = t.UTC()
	month := int64(t.Year())*100 + int64(t.Month())
	switch p {
	case Month:
		return month
	case Day:
		return month*100 + int64(t.Day())
	case Hour:
		return (month*100+int64(t.Day()))*100 + int64(t.Hour())
	case Minute:
		return ((month*100+int64(t.Day()))*100+int64(t.Hour()))*100 + int64(t.Minute())
	default:
		return (((month*100+int64(t.Day()))*100+int64(t.Hour()))*100+int64(t.Minute()))*100 + int64(t.Second())
	}
}

// ConvertBucket coarsens a bucket from one precision to another.
// Every step between adjacent precisions drops exactly two decimal digits.
func ConvertBucket(bucket int64, from, to Precision) (int64, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("convert bucket: invalid precision %s -> %s", from, to)
	}
	if to < from {
		return 0, fmt.Errorf("convert bucket: cannot refine %s bucket %d to %s", from, bucket, to)
	}
	for p := from; p < to; p++ {
		bucket /= 100
	}
	return bucket, nil
}

// BucketTime decodes a bucket back into the UTC instant at the start of the bucket.
func BucketTime(bucket int64, p Precision) (time.Time, error) {
	if !p.Valid() {
		return time.Time{}, fmt.Errorf("bucket time: invalid precision %s", p)
	}
	parts := [5]int{0, 0, 0, 0, 0} // second, minute, hour, day, month
	rest := bucket
	for q := Second; q < Month; q++ {
		if q < p {
			continue
		}
		parts[q] = int(rest % 100)
		rest /= 100
	}
	year := int(rest / 100)
	month := time.Month(rest % 100)
	day := parts[Day]
	if p > Day {
		day = 1
	}
	if month < time.January || month > time.December || day < 1 || day > 31 ||
		parts[Hour] > 23 || parts[Minute] > 59 || parts[Second] > 59 {
		return time.Time{}, fmt.Errorf("bucket time: malformed %s bucket %d", p, bucket)
	}
	return time.Date(year, month, day, parts[Hour], parts[Minute], parts[Second], 0, time.UTC), nil
}
