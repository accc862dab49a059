package config

// TimelineStore configures the gap-filling engine's storage backend and its
// two ristretto partitions, mirroring the shape of the teacher's MediaAPI
// config (config_mediaapi.go): one Database block plus a handful of
// component-specific tuning fields, Defaults()/Verify() in the same style.
type TimelineStore struct {
	// Database backs timelineEvents/timelineFragments/timelineRelations.
	// ConnectionString is passed unchanged to whichever NewDatabase
	// (timeline/storage/postgres or timeline/storage/sqlite3) the caller
	// constructs; nothing in this module selects the backend from it.
	Database DatabaseOptions `yaml:"database"`

	// SenderMembershipCache sizes the ristretto partition EventInserter
	// consults after scanning the chunk and its state, before the
	// roomMembers table (spec.md §4.2.1).
	SenderMembershipCache CacheOptions `yaml:"sender_membership_cache"`

	// NeighbourFragmentCache sizes the ristretto partition OverlapDetector
	// consults for repeated fragment lookups within a room.
	NeighbourFragmentCache CacheOptions `yaml:"neighbour_fragment_cache"`

	// MaxChunkSize is a chunk-size setting for /messages and /context
	// requests. Defaults turns zero into 100 and Verify rejects values that
	// are not positive; WriteFragmentFill/WriteContext do not read it and do
	// not limit the chunks they are handed.
	MaxChunkSize int `yaml:"max_chunk_size"`
}

func (c *TimelineStore) Defaults(opts DefaultOpts) {
	c.Database.Defaults()
	if opts.Generate && !opts.SingleDatabase {
		c.Database.ConnectionString = "file:timeline.db"
	}
	c.SenderMembershipCache.Defaults()
	c.NeighbourFragmentCache.Defaults()
	if c.MaxChunkSize == 0 {
		c.MaxChunkSize = 100
	}
}

func (c *TimelineStore) Verify(errs *ConfigErrors) {
	c.Database.Verify(errs, "timeline_store.database")
	c.SenderMembershipCache.Verify(errs, "timeline_store.sender_membership_cache")
	c.NeighbourFragmentCache.Verify(errs, "timeline_store.neighbour_fragment_cache")
	checkPositive(errs, "timeline_store.max_chunk_size", int64(c.MaxChunkSize))
}
