package emit

// Emitter receives observability events from running engines.
//
// Implementations must be safe for concurrent use, since sibling tasks
// emit from their own goroutines, and must not block or panic: a slow or
// failing backend should never stall job execution. Buffer, drop, or send
// asynchronously as needed.
type Emitter interface {
	Emit(event Event)
}
