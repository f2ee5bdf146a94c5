// Package storage persists handlers, their interests, invocation audit
// records, and the content-addressed plugin artifact cache.
//
// The SQLite backend is the only driver; tests open it at ":memory:".
package storage
