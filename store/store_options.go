package store

import (
	"errors"
)

type Parameters struct {
	// NodeCacheSize is the number of decoded-ready node encodings kept in the read cache.
	// Zero disables the cache.
	NodeCacheSize int
	// CompactionWorkers is the concurrency given to Badger when flattening the LSM tree.
	CompactionWorkers int
}

// DefaultParameters returns the default configuration values for the node store parameters.
func DefaultParameters() *Parameters {
	return &Parameters{
		NodeCacheSize:     16384,
		CompactionWorkers: 2,
	}
}

func (p *Parameters) Validate() error {
	if p.NodeCacheSize < 0 {
		return errors.New("node cache size cannot be negative")
	}
	if p.CompactionWorkers < 1 {
		return errors.New("compaction workers must be positive")
	}
	return nil
}
