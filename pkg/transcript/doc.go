// Package transcript persists conversation transcripts and session metadata
// in a key-value store.
//
// Keys are namespaced by prefix:
//
//	transcript:<sessionID>  ordered message list (JSON array)
//	session:<sessionID>     SessionRecord
//	active:<userID>         id of the session the user last used
//
// Invariants:
//   - Put always writes the complete list. There are no partial updates, so
//     the last writer wins.
//   - Get returns messages in the order they were written; nothing re-sorts.
//   - ClearAll touches only keys under the three prefixes above.
//   - A stored value that cannot be decoded counts as absent.
//
// Backends: MemoryStore for tests, SQLiteStore (default) and RedisStore.
//
// Usage:
//
//	db, _ := database.Open(path)
//	store, _ := transcript.NewSQLiteStore(db)
//	cache, _ := transcript.NewCache(store)
//	_ = cache.Put(ctx, sessionID, msgs)
//	msgs, ok, err := cache.Get(ctx, sessionID)
package transcript
