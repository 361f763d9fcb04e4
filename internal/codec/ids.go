package codec

import (
	"strconv"

	"github.com/google/uuid"
)

// Namespace seeds the deterministic UUIDv5 ids of value rows and nested
// value-object rows.
var Namespace = uuid.MustParse("5b0f7d9e-3c1a-4f52-9a0e-6f1d2c7b8a43")

// ValueID returns the id of the value row for (objectID, structureID,
// index). The same triple always yields the same id.
func ValueID(objectID, structureID string, index int) string {
	key := objectID + "/" + structureID + "/" + strconv.Itoa(index)
	return uuid.NewSHA1(Namespace, []byte(key)).String()
}

// NestedID returns the id of a nested value-object row embedded in root
// with the given content hash.
func NestedID(rootID, hash string) string {
	return uuid.NewSHA1(Namespace, []byte(rootID+"#"+hash)).String()
}

// NewObjectID returns a fresh time-ordered object id.
func NewObjectID() string {
	return uuid.Must(uuid.NewV7()).String()
}
