package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Object-key layout. The structure is a stable contract: operators may
// rely on it for offline recovery.
//
//	chunks/{owner}/{file_id}_{chunk_number}_{nonce}.chunk    primary
//	replicas/{owner}/{file_id}_{chunk_number}_{nonce}.chunk  replica

// primaryObjectKey builds a fresh object key for a primary chunk.
func primaryObjectKey(owner, fileID string, number int) string {
	return fmt.Sprintf("chunks/%s/%s_%d_%s.chunk", owner, fileID, number, nonce())
}

// replicaObjectKey builds a fresh object key for a replica.
func replicaObjectKey(owner, fileID string, number int) string {
	return fmt.Sprintf("replicas/%s/%s_%d_%s.chunk", owner, fileID, number, nonce())
}

// nonce returns 32 hex characters unique per generated key, so repeated
// writes of the same chunk never collide on the backend.
func nonce() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// digest returns the lowercase hex SHA-256 of data, the digest format
// stored on chunk and file rows.
func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
