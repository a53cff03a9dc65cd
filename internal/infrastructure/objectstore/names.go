package objectstore

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const bucketPrefix = "dsc-"

// BucketName derives a stable, S3-compatible bucket name for a resource
// definition so that repeated provisioning targets the same bucket.
func BucketName(transferID, definitionID string) string {
	sum := blake2b.Sum256([]byte(transferID + "/" + definitionID))
	return bucketPrefix + hex.EncodeToString(sum[:])[:40]
}
