package sharding

import (
	"hash/crc32"
	"strings"
)

// DefaultShards is the number of partitions used by the hub group registry.
const DefaultShards = 64

// ShardFor returns the deterministic partition for key among n shards.
func ShardFor(key string, n int) int {
	if n <= 1 {
		return 0
	}
	checksum := crc32.ChecksumIEEE([]byte(key))
	return int(checksum % uint32(n))
}

// GroupName returns the hub group holding every connection of a user.
// Format: user_{user_id}
func GroupName(userID string) string {
	return "user_" + userID
}

// UserSubject returns the backplane subject for pushes addressed to a user.
// Format: tasky.hub.user.{token}
// The token is the user id with NATS subject metacharacters replaced; the
// payload carries the exact id.
func UserSubject(userID string) string {
	return UserSubjectPrefix + subjectReplacer.Replace(userID)
}

const (
	UserSubjectPrefix   = "tasky.hub.user."
	UserSubjectWildcard = UserSubjectPrefix + "*"
)

var subjectReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
