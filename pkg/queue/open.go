package queue

import "strings"

// MemoryURL selects the in-process backend.
const MemoryURL = "memory://"

// Open returns the backend for url: the in-process store for MemoryURL,
// Redis otherwise.
func Open(url string) (Backend, error) {
	if strings.HasPrefix(url, MemoryURL) {
		return NewMem(), nil
	}
	return NewRedis(url)
}
