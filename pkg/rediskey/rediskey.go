package rediskey

import "fmt"

// Key prefixes shared by every loyalty process.
const (
	SequencePrefix = "loyalty:seq"
	LockPrefix     = "loyalty:lock"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildSequenceKey returns "loyalty:seq:{prefix}:{day}".
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, fmt.Sprintf("%s:%s", prefix, day))
}

// BuildLockKey returns "loyalty:lock:{name}".
func BuildLockKey(name string) string {
	return NamespaceKey(LockPrefix, name)
}
