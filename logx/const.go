package logx

const (
	TagUndef        = "undef"
	TagRequestIn    = "request_in"
	TagRequestOut   = "request_out"
	TagSegmentBegin = "segment_begin"
	TagSegmentEnd   = "segment_end"
	TagEmit         = "emit"
	TagSend         = "send"
	TagSampling     = "sampling"
	TagMisuse       = "misuse"
	TagReaper       = "reaper"
	TagConfig       = "config"
	TagHttpSuccess  = "http_success"
	TagHttpFailure  = "http_failure"
	TagSQL          = "sql"

	Cost = "cost"
	Msg  = "msg"
	Err  = "err"

	Remote   = "remote"
	Method   = "method"
	URL      = "url"
	Path     = "path"
	Query    = "query"
	Status   = "status"
	Body     = "body"
	Response = "response"

	TraceID  = "trace_id"
	EntityID = "entity_id"
	Name     = "name"
	Sampled  = "sampled"
	Size     = "size"
	Docs     = "docs"
	Rules    = "rules"

	Attempt     = "attempt"
	Attempts    = "attempts"
	MaxAttempts = "max_attempts"
)
