// Package privilege answers one question: does this process have the
// rights to see everything it is asked about? Without elevation,
// HKEY_USERS exposes only the caller's own hive and handles belonging to
// other processes cannot be enumerated or closed.
package privilege
