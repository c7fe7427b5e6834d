// Package model defines the persistent entities of the storage engine:
// nodes, stored files, chunks, and the pending-replication backlog.
//
// All entities are GORM models persisted through pkg/store. Uniqueness
// rules that the engine relies on for concurrency control (notably the
// (file_id, chunk_number, is_replica) constraint on chunks) are declared
// here as composite indexes so the database is the authoritative
// serialization point.
package model

import (
	"time"
)

// AllModels returns all GORM models for auto-migration.
func AllModels() []any {
	return []any{
		&Node{},
		&StoredFile{},
		&Chunk{},
		&PendingReplication{},
	}
}

// NodeStatus is the administrative status of a storage node.
type NodeStatus string

const (
	// NodeActive nodes participate in placement, replication, and reads.
	NodeActive NodeStatus = "active"
	// NodeInactive nodes are administratively removed from all selection.
	NodeInactive NodeStatus = "inactive"
	// NodeMaintenance nodes are temporarily out of rotation.
	NodeMaintenance NodeStatus = "maintenance"
)

// IsValid checks if the status is a known NodeStatus.
func (s NodeStatus) IsValid() bool {
	return s == NodeActive || s == NodeInactive || s == NodeMaintenance
}

// Node represents a remote object-storage backend in the cluster.
//
// Nodes are created by operators and mutated only by administrative
// actions and by the monitor (primary election). A node is never deleted
// while chunks reference it.
type Node struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Name      string     `gorm:"uniqueIndex;not null;size:100" json:"name"`
	Address   string     `gorm:"not null;size:255" json:"address"` // host:port
	AccessKey string     `gorm:"size:255" json:"-"`
	SecretKey string     `gorm:"size:255" json:"-"`
	Bucket    string     `gorm:"not null;size:255" json:"bucket"`
	Priority  int        `gorm:"default:100;index" json:"priority"` // lower = preferred
	Status    NodeStatus `gorm:"default:active;size:20;index" json:"status"`
	IsPrimary bool       `gorm:"default:false" json:"is_primary"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Node.
func (Node) TableName() string {
	return "nodes"
}

// IsActive reports whether the node is administratively active.
func (n *Node) IsActive() bool {
	return n.Status == NodeActive
}

// StoredFile is the metadata record for one uploaded file.
//
// Created by the chunker on first successful chunk commit; immutable
// afterwards except for LastAccessed.
type StoredFile struct {
	ID               string     `gorm:"primaryKey;size:36" json:"id"` // UUID
	Name             string     `gorm:"not null;size:255" json:"name"`
	OriginalFilename string     `gorm:"size:255" json:"original_filename"`
	FileType         string     `gorm:"size:100" json:"file_type"`
	SizeBytes        int64      `json:"size_bytes"`
	ContentType      string     `gorm:"size:100" json:"content_type"`
	Checksum         string     `gorm:"size:64" json:"checksum"` // hex SHA-256 of the whole file
	Owner            string     `gorm:"not null;size:150;index" json:"owner"`
	UploadedAt       time.Time  `gorm:"autoCreateTime" json:"uploaded_at"`
	LastAccessed     *time.Time `json:"last_accessed,omitempty"`
}

// TableName returns the table name for StoredFile.
func (StoredFile) TableName() string {
	return "stored_files"
}

// ChunkStatus is the lifecycle state of a chunk row.
//
// Transitions:
//
//	pending → uploading → uploaded
//	                   ↘ failed
//	uploaded → corrupt   (digest mismatch)
//	uploaded → failed    (object missing / IO error)
//	corrupt  → uploaded  (primary repaired from a replica)
//	failed   → uploaded  (primary repaired from a replica)
//
// Replicas are never repaired; corrupt and failed are terminal for them.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkUploaded  ChunkStatus = "uploaded"
	ChunkFailed    ChunkStatus = "failed"
	ChunkCorrupt   ChunkStatus = "corrupt"
)

// IsValid checks if the status is a known ChunkStatus.
func (s ChunkStatus) IsValid() bool {
	switch s {
	case ChunkPending, ChunkUploading, ChunkUploaded, ChunkFailed, ChunkCorrupt:
		return true
	}
	return false
}

// Chunk is one stored copy of a contiguous slice of a file.
//
// At most one primary (is_replica=false) row exists per (file,
// chunk_number); any number of replica rows may exist, each on a distinct
// node. All rows for a chunk number share Checksum and SizeBytes.
type Chunk struct {
	ID          string      `gorm:"primaryKey;size:36" json:"id"` // UUID
	FileID      string      `gorm:"not null;size:36;uniqueIndex:idx_file_chunk_replica;index:idx_file_number" json:"file_id"`
	File        *StoredFile `gorm:"foreignKey:FileID" json:"-"`
	ChunkNumber int         `gorm:"not null;uniqueIndex:idx_file_chunk_replica;index:idx_file_number" json:"chunk_number"` // 1-based
	SizeBytes   int64       `json:"size_bytes"`
	Checksum    string      `gorm:"size:64" json:"checksum"` // hex SHA-256 of chunk bytes
	ObjectKey   string      `gorm:"not null;size:255" json:"object_key"`
	NodeID      *uint       `gorm:"index" json:"node_id,omitempty"`
	Node        *Node       `gorm:"foreignKey:NodeID" json:"-"`
	IsReplica   bool        `gorm:"default:false;uniqueIndex:idx_file_chunk_replica" json:"is_replica"`
	Status      ChunkStatus `gorm:"default:pending;size:20;index" json:"status"`
	CreatedAt   time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Chunk.
func (Chunk) TableName() string {
	return "chunks"
}

// PendingReplication records the intent to place a replica of a chunk on
// a node that was unreachable when the replica was wanted. Rows are
// deleted on success and retained with a bumped attempt counter on
// failure.
type PendingReplication struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ChunkID       string     `gorm:"not null;size:36;uniqueIndex:idx_chunk_target" json:"chunk_id"`
	Chunk         *Chunk     `gorm:"foreignKey:ChunkID" json:"-"`
	TargetNodeID  uint       `gorm:"not null;uniqueIndex:idx_chunk_target;index" json:"target_node_id"`
	TargetNode    *Node      `gorm:"foreignKey:TargetNodeID" json:"-"`
	Attempts      int        `gorm:"default:0" json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for PendingReplication.
func (PendingReplication) TableName() string {
	return "pending_replications"
}
