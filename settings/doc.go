// Package settings is the config store facade. It owns the authoritative in-memory tables of
// chat configurations and global defaults, writes every mutation through to a pluggable
// persistence Backend, and exposes per-user conversation state through a StateStore.
//
// Reads are served from memory and never block on persistence. A read-modify-write of one
// chat runs under that chat's lock, so concurrent mutations of the same chat never
// interleave while mutations of different chats proceed in parallel. Stored values are
// copy-on-write: callers receive values that share slices with the table and must treat
// them as read-only.
package settings
