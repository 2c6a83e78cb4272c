package model

import (
	"cmp"
	"fmt"
	"time"
)

// Timestamp is a point in time with nanosecond precision.
type Timestamp struct {
	Seconds int64 `json:"seconds" msgpack:"s"`
	Nanos   int32 `json:"nanos"   msgpack:"n"`
}

// TimestampFromTime converts t.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp{Seconds: t.Unix(), Nanos: int32(t.Nanosecond())}
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return TimestampFromTime(time.Now())
}

// Time converts the timestamp to a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.Unix(t.Seconds, int64(t.Nanos)).UTC()
}

// Compare orders timestamps chronologically.
func (t Timestamp) Compare(other Timestamp) int {
	if c := cmp.Compare(t.Seconds, other.Seconds); c != 0 {
		return c
	}

	return cmp.Compare(t.Nanos, other.Nanos)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("Timestamp(seconds=%d, nanos=%d)", t.Seconds, t.Nanos)
}

// SnapshotVersion identifies the point in server history a piece of state
// reflects.
type SnapshotVersion struct {
	ts Timestamp
}

// MinVersion sorts before every other version.
var MinVersion = SnapshotVersion{}

// VersionFromTimestamp wraps ts.
func VersionFromTimestamp(ts Timestamp) SnapshotVersion {
	return SnapshotVersion{ts: ts}
}

// VersionFromMicros creates a version from microseconds since the epoch.
func VersionFromMicros(micros int64) SnapshotVersion {
	return SnapshotVersion{ts: Timestamp{
		Seconds: micros / 1_000_000,
		Nanos:   int32(micros%1_000_000) * 1000,
	}}
}

// ForDeletedDoc is the version given to locally deleted documents.
func ForDeletedDoc() SnapshotVersion {
	return MinVersion
}

// Timestamp returns the underlying timestamp.
func (v SnapshotVersion) Timestamp() Timestamp {
	return v.ts
}

// Micros returns the version in microseconds since the epoch.
func (v SnapshotVersion) Micros() int64 {
	return v.ts.Seconds*1_000_000 + int64(v.ts.Nanos)/1000
}

// IsMin reports whether v equals MinVersion.
func (v SnapshotVersion) IsMin() bool {
	return v == MinVersion
}

// Compare orders versions chronologically.
func (v SnapshotVersion) Compare(other SnapshotVersion) int {
	return v.ts.Compare(other.ts)
}

// Equal reports whether both versions are identical.
func (v SnapshotVersion) Equal(other SnapshotVersion) bool {
	return v == other
}

func (v SnapshotVersion) String() string {
	return "SnapshotVersion(" + v.ts.String() + ")"
}
