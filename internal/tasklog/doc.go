// Package tasklog keeps the per-task event timeline that operators watch while
// an automation runs. A Registry maps caller supplied task identifiers to a
// Log; each Log is an append-only sequence of leveled entries that fans every
// new entry out to its subscribers in registration order.
package tasklog
