// Package cache implements the specifier-keyed module cache. Values are produced
// by the same host loader the registry uses, but entries are keyed by an opaque
// specifier rather than name@version and are evicted in least-recently-accessed
// order once the summed entry size exceeds MaxCacheSize.
//
// This layer is intentionally independent of the registry: the two caches use
// different keys and lifetimes (the registry never evicts) and are not merged.
package cache
