package query

import "github.com/serroba/docsync/internal/model"

// Purpose records why a target is being listened to.
type Purpose int

// Target purposes.
const (
	PurposeListen Purpose = iota
	PurposeExistenceFilterMismatch
	PurposeLimboResolution
)

// TargetData associates a query with its target id and listen progress.
type TargetData struct {
	Query    *Query
	TargetID int
	Purpose  Purpose
	// SnapshotVersion is the version the resume token belongs to.
	SnapshotVersion model.SnapshotVersion
	// ResumeToken lets a watch stream resume without resending documents.
	ResumeToken []byte
}

// NewTargetData creates listen data with no resume state.
func NewTargetData(q *Query, targetID int, purpose Purpose) *TargetData {
	return &TargetData{Query: q, TargetID: targetID, Purpose: purpose, SnapshotVersion: model.MinVersion}
}

// Update returns a copy with new listen progress.
func (d *TargetData) Update(version model.SnapshotVersion, resumeToken []byte) *TargetData {
	out := *d
	out.SnapshotVersion = version
	out.ResumeToken = resumeToken

	return &out
}

// IDGenerator hands out target ids. Local store targets are even and limbo
// resolution targets are odd so the two never collide.
type IDGenerator struct {
	next int
}

const (
	localStoreGeneratorID = 0
	syncEngineGeneratorID = 1
)

// LocalStoreIDGenerator returns a generator for ids after highest.
func LocalStoreIDGenerator(highest int) *IDGenerator {
	return newIDGenerator(localStoreGeneratorID, highest)
}

// SyncEngineIDGenerator returns a generator for limbo resolution ids.
func SyncEngineIDGenerator() *IDGenerator {
	return newIDGenerator(syncEngineGeneratorID, 0)
}

func newIDGenerator(generatorID, after int) *IDGenerator {
	g := &IDGenerator{next: generatorID}
	// Seek to the first id of this generator that is greater than after,
	// skipping zero which means no target.
	for g.next <= after || g.next == 0 {
		g.next += 2
	}

	return g
}

// Next returns the next unused id.
func (g *IDGenerator) Next() int {
	id := g.next
	g.next += 2

	return id
}
