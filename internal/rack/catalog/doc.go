// Package catalog defines the records exchanged between the local and remote
// media catalogs.
//
// # Media Entries
//
// A MediaEntry is one catalog record. The local store assigns LocalID on
// insert; RemoteID stays empty until the entry has been pushed once and never
// changes afterwards. Status tracks what the upload phase still has to do:
//
//	NEW      inserted locally, unknown to the remote catalog
//	SYNCED   local and remote copies agree
//	CHANGED  updated locally, remote copy is stale
//	DELETED  tombstone, remote copy must be removed
//
// Only the local store moves an entry between states. The sync engine reads
// entries and hands whole records back to the stores.
//
// The IDInfo, CompositionInfo and FileInfo blobs are opaque JSON documents
// (identification, composition and file listing metadata). They are carried
// verbatim and only checked for well-formedness.
//
// # Users and Bookmarks
//
// UserInfo carries the per-user sync settings: the conflict policy and one
// SyncBookmark per machine. SelectBookmark picks the bookmark for the current
// machine and returns the zero value when the machine has never synced,
// which makes the next pass a full resync.
package catalog
