package redis

// Redis key naming conventions for pending entries. All keys are prefixed
// with "delay:" and carry the group as a hash tag, so a group's keys share
// a cluster slot and one script may touch them together.

const keyPrefix = "delay:"

// entryKey returns the Hash key for an entry: delay:entry:{group}:id
func entryKey(group, id string) string { return keyPrefix + "entry:{" + group + "}:" + id }

// groupKey returns the Sorted Set key indexing a group: delay:group:{group}
func groupKey(group string) string { return keyPrefix + "group:{" + group + "}" }
