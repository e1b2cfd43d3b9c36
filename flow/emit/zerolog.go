package emit

import "github.com/rs/zerolog"

// ZerologEmitter routes events through a zerolog logger, so job engines
// share the structured logging pipeline of the host service.
//
// Events with an "error" meta key log at error level, everything else at
// debug. Meta keys become log fields as-is.
type ZerologEmitter struct {
	log zerolog.Logger
}

// NewZerologEmitter creates an emitter over the given logger.
func NewZerologEmitter(log zerolog.Logger) *ZerologEmitter {
	return &ZerologEmitter{log: log}
}

// Emit logs the event.
func (z *ZerologEmitter) Emit(event Event) {
	var ev *zerolog.Event
	if _, failed := event.Meta["error"]; failed {
		ev = z.log.Error()
	} else {
		ev = z.log.Debug()
	}

	ev = ev.Str("job_id", event.JobID)
	if event.TaskID != "" {
		ev = ev.Str("task_id", event.TaskID)
	}
	if event.Task != "" {
		ev = ev.Str("task", event.Task)
	}
	for k, v := range event.Meta {
		ev = ev.Interface(k, v)
	}
	ev.Msg(event.Msg)
}
