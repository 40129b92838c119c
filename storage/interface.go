package storage

// Entry is a single configuration key-value pair.
type Entry struct {
	Key   string
	Value string
}

// ValueCallback delivers the result of a blocking Get.
type ValueCallback func(value string, err error)

// ConfigStore is an ordered configuration key-value store with blocking
// reads. Keys are normalized on every operation; iteration order is
// lexicographic on the normalized key.
type ConfigStore interface {
	// Insert writes a key. With allowOverwrite false an existing key fails
	// with AlreadyExists. A successful write releases all waiters blocked
	// on the key, in enqueue order.
	Insert(key, value string, allowOverwrite bool) error

	// GetAsync delivers the value for key, immediately if present,
	// otherwise when a later Insert writes it.
	GetAsync(key string, done ValueCallback)

	// TryGet returns the value for key or NotFound.
	TryGet(key string) (string, error)

	// Dir returns all entries under "<directory>/" in key order.
	Dir(directory string) []Entry

	// Delete erases the key and the entire subtree under "<key>/".
	Delete(key string) error

	// Close cancels every pending waiter with Cancelled.
	Close() error
}
