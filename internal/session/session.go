// Package session owns ephemeral session records. It handles creation,
// grace-period aware lookup, merge updates, total deletion and background
// expiry of sessions stored in Redis, with an in-memory fallback when Redis
// is unreachable.
package session
