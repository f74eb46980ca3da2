package store

import "fmt"

// Resource names a key namespace in the durable backend.
type Resource string

const (
	ResourceNode   Resource = "nodes"
	ResourceTask   Resource = "tasks"
	ResourceResult Resource = "results"
	ResourceDlq    Resource = "dlq"
	ResourceQueue  Resource = "queue" // the ordered ZSET of queued task ids
)

// Key constructs a fully qualified Redis key for a resource.
// Format: edgemesh:{resource}:{id}
func Key(resource Resource, id string) string {
	return fmt.Sprintf("edgemesh:%s:%s", resource, id)
}

// Prefix constructs a scan-pattern prefix for a resource.
// Format: edgemesh:{resource}:
func Prefix(resource Resource) string {
	return fmt.Sprintf("edgemesh:%s:", resource)
}
