// Package stream exposes task logs as Server-Sent Events and provides the
// matching client side decoder.
//
// Every connection first receives the full history of the task and then each
// new entry as it is appended, one `data: <json>` frame per entry. The stream
// never ends on its own; it is torn down when the client disconnects, when
// the task log is closed, or when the hub shuts down.
package stream
