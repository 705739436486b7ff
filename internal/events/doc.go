// Package events provides a minimal in-process event emitter used to decouple
// the session manager from task creation: submitting a session emits a task
// request event, and a handler in the composition root turns it into a
// document pipeline task.
package events
