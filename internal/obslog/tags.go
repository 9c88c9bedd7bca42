package obslog

// Event tag helpers. These log a fixed "event" field alongside the
// message so operators can grep/filter log streams by the kind of thing
// that happened (a worker spawning vs. a call timing out) without parsing
// the message text itself.

const fieldEvent = "event"

const (
	EventWorkerSpawn    = "worker_spawn"
	EventWorkerReady    = "worker_ready"
	EventWorkerLost     = "worker_lost"
	EventWorkerRestart  = "worker_restart"
	EventNamespaceLoad  = "namespace_load"
	EventNamespaceDrain = "namespace_drain"
	EventCallDispatch   = "call_dispatch"
	EventCallTimeout    = "call_timeout"
	EventClientJoin     = "client_join"
	EventClientLeave    = "client_leave"
)

func Tagw(event, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{fieldEvent, event}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

func TagWarnw(event, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{fieldEvent, event}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

func TagErrorw(event, msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{fieldEvent, event}, keysAndValues...)
		Logger.Errorw(msg, fields...)
	}
}
