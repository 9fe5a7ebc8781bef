// Package manager implements the cluster-level router: a
// stateless-modulo-directory tier that federates nodes, routing
// WHIP/WHEP requests to the least-loaded node and driving cascades
// between nodes when a stream outgrows its home node's capacity.
package manager

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NodeRecord is one row per SFU node the manager knows about. Live
// load (publish/subscribe counts) is never persisted here: the Router
// polls it fresh from each node and caches it in memory, so a manager
// restart re-derives load from the nodes themselves rather than
// trusting a stale count.
type NodeRecord struct {
	Alias  string `gorm:"primaryKey"`
	URL    string `gorm:"uniqueIndex"`
	Auth   string
	PubMax int
	SubMax int
	Status string // set to "up" by UpsertNode

	CreatedAt time.Time
	UpdatedAt time.Time
}

// StreamAffinity records which node(s) currently host a given stream
// id. A stream normally has one affinity row; once a push cascade fans
// it out to a second node to relieve capacity, it temporarily has two.
type StreamAffinity struct {
	StreamID  string `gorm:"primaryKey"`
	NodeAlias string `gorm:"primaryKey"`
	CreatedAt time.Time
}

// Directory is the persisted node/stream directory, the only state the
// manager keeps across restarts. gorm supplies the two uniqueness
// constraints (node url/alias, stream+node composite key) via struct
// tags.
type Directory struct {
	db *gorm.DB
}

// OpenDirectory opens (creating if absent) the directory at dsn,
// auto-migrating the nodes/streams tables. A "postgres://" or
// "postgresql://" scheme selects gorm's postgres driver (for a
// manager deployment sharing a real database server across
// replicas); anything else is treated as a sqlite file path, the
// zero-dependency default for a single manager process.
func OpenDirectory(dsn string) (*Directory, error) {
	var dialector gorm.Dialector = sqlite.Open(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("manager: open directory %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&NodeRecord{}, &StreamAffinity{}); err != nil {
		return nil, fmt.Errorf("manager: migrate directory: %w", err)
	}
	return &Directory{db: db}, nil
}

// UpsertNode records (or updates the limits of) a configured node.
// Called once per node at manager startup from the `nodes[]` config
// block.
func (d *Directory) UpsertNode(n NodeRecord) error {
	n.Status = "up"
	return d.db.Save(&n).Error
}

// Nodes returns every known node, in alias order (so callers that
// break selection ties on alias get a stable scan order for free).
func (d *Directory) Nodes() ([]NodeRecord, error) {
	var nodes []NodeRecord
	if err := d.db.Order("alias asc").Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// NodeByAlias looks up one node by its alias.
func (d *Directory) NodeByAlias(alias string) (NodeRecord, bool, error) {
	var n NodeRecord
	err := d.db.First(&n, "alias = ?", alias).Error
	if err == gorm.ErrRecordNotFound {
		return NodeRecord{}, false, nil
	}
	if err != nil {
		return NodeRecord{}, false, err
	}
	return n, true, nil
}

// AffinityFor returns the node aliases currently hosting streamID,
// alias order.
func (d *Directory) AffinityFor(streamID string) ([]string, error) {
	var rows []StreamAffinity
	if err := d.db.Order("node_alias asc").Find(&rows, "stream_id = ?", streamID).Error; err != nil {
		return nil, err
	}
	aliases := make([]string, len(rows))
	for i, r := range rows {
		aliases[i] = r.NodeAlias
	}
	return aliases, nil
}

// RecordAffinity inserts a (stream, node) affinity row, a no-op if it
// already exists (uniqueness is the composite primary key).
func (d *Directory) RecordAffinity(streamID, nodeAlias string) error {
	row := StreamAffinity{StreamID: streamID, NodeAlias: nodeAlias}
	return d.db.Where(StreamAffinity{StreamID: streamID, NodeAlias: nodeAlias}).
		FirstOrCreate(&row).Error
}

// RemoveAffinity deletes a (stream, node) affinity row, used when a
// cascade collapses and a stream is no longer fanned out to nodeAlias.
func (d *Directory) RemoveAffinity(streamID, nodeAlias string) error {
	return d.db.Delete(&StreamAffinity{}, "stream_id = ? AND node_alias = ?", streamID, nodeAlias).Error
}

// StreamsForNode lists every stream id currently affiliated with
// nodeAlias, used by the collapse sweep to find what to re-evaluate.
func (d *Directory) StreamsForNode(nodeAlias string) ([]string, error) {
	var rows []StreamAffinity
	if err := d.db.Find(&rows, "node_alias = ?", nodeAlias).Error; err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.StreamID
	}
	return ids, nil
}
