package cache

// Cache is a small string cache used to memoize schedule previews.
type Cache interface {
	Get(key string) (string, bool)
	Set(key string, value string) error
}
