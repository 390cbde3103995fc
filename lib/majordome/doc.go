// Package majordome implements the background task that unmounts idle
// databases.
//
// Every interval the majordome takes a snapshot of the registry and asks it
// to unmount each Active database with no operation in flight whose last
// access is older than the idle threshold. The registry re-checks both
// conditions under its own lock, so a database that became busy after the
// snapshot is kept. Evicted databases stay in the manifest and are mounted
// again on their next access.
//
// An interval of zero disables the majordome.
package majordome
