package redis

// DefaultKeyPrefix namespaces every key the store writes.
const DefaultKeyPrefix = "mailq:"

// keys builds Redis key names under a prefix.
type keys struct {
	prefix string
}

// job returns the Hash key for a job entity: {prefix}job:{id}
func (k keys) job(id string) string { return k.prefix + "job:" + id }

// idempotency maps an idempotency key to a job id: {prefix}key:{key}
func (k keys) idempotency(key string) string { return k.prefix + "key:" + key }

// all is the Sorted Set of every job id, scored by creation time.
func (k keys) all() string { return k.prefix + "jobs" }

// due is the Sorted Set of pending and retrying job ids, scored by next
// attempt time in Unix milliseconds.
func (k keys) due() string { return k.prefix + "due" }

// terminal is the Sorted Set of finished job ids, scored by update time.
func (k keys) terminal() string { return k.prefix + "terminal" }
