package cache

// ObjectName maps a cache key to the name of the object holding its entry.
// With a non-empty prefix the key is placed under it as a path segment,
// otherwise the key is used verbatim.
func ObjectName(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
