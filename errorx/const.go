package errorx

// CodeEntry 表示一个错误码 + 默认文案。
// 只在这里集中定义，调用方用变量名，不直接写裸 code。
type CodeEntry struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// -------------------- 错误类别（对应 agent 的失败分类） --------------------

var (
	ErrTypeDefault   = CodeEntry{Code: 1, Message: "unknown"}
	ErrTypeMisuse    = CodeEntry{Code: 2, Message: "caller misuse"}
	ErrTypeSampling  = CodeEntry{Code: 3, Message: "sampling source"}
	ErrTypeEncoding  = CodeEntry{Code: 4, Message: "encoding"}
	ErrTypeTransport = CodeEntry{Code: 5, Message: "transport"}
	ErrTypeLeak      = CodeEntry{Code: 6, Message: "resource leak"}
	ErrTypeConfig    = CodeEntry{Code: 7, Message: "config"}
)

// -------------------- 出错组件 --------------------

var (
	ComponentDefault  = CodeEntry{Code: 1, Message: "unknown"}
	ComponentEntity   = CodeEntry{Code: 10, Message: "entity"}
	ComponentContext  = CodeEntry{Code: 11, Message: "context"}
	ComponentSampling = CodeEntry{Code: 12, Message: "sampling"}
	ComponentEmitter  = CodeEntry{Code: 13, Message: "emitter"}
	ComponentDaemon   = CodeEntry{Code: 14, Message: "daemon"}
	ComponentRecorder = CodeEntry{Code: 15, Message: "recorder"}
	ComponentConfig   = CodeEntry{Code: 16, Message: "config"}
	ComponentHTTP     = CodeEntry{Code: 17, Message: "httpclient"}
)

// -------------------- 具体错误 --------------------

var (
	ErrDefault = CodeEntry{Code: 1000, Message: "unknown error"}

	// misuse
	ErrContextMissing    = CodeEntry{Code: 1001, Message: "no active entity in context"}
	ErrOpenChildren      = CodeEntry{Code: 1002, Message: "entity still has open subsegments"}
	ErrAlreadyClosed     = CodeEntry{Code: 1003, Message: "entity already closed"}
	ErrParentClosed      = CodeEntry{Code: 1004, Message: "parent entity already closed"}
	ErrNotBegun          = CodeEntry{Code: 1005, Message: "entity was not begun by this recorder"}
	ErrInvalidAnnotation = CodeEntry{Code: 1006, Message: "invalid annotation"}
	ErrWrongKind         = CodeEntry{Code: 1007, Message: "wrong entity kind"}

	// sampling
	ErrRuleSource = CodeEntry{Code: 2001, Message: "sampling rule source failed"}
	ErrRuleParse  = CodeEntry{Code: 2002, Message: "sampling rule invalid"}

	// encoding
	ErrEncode   = CodeEntry{Code: 3001, Message: "encode document failed"}
	ErrOversize = CodeEntry{Code: 3002, Message: "document exceeds datagram size"}
	ErrDecode   = CodeEntry{Code: 3003, Message: "decode document failed"}

	// transport
	ErrSend       = CodeEntry{Code: 4001, Message: "send datagram failed"}
	ErrDial       = CodeEntry{Code: 4002, Message: "dial daemon failed"}
	ErrDaemonAddr = CodeEntry{Code: 4003, Message: "invalid daemon address"}
	ErrHTTPStatus = CodeEntry{Code: 4004, Message: "unexpected http status"}

	// leak
	ErrAbandoned = CodeEntry{Code: 5001, Message: "segment abandoned past idle ceiling"}

	// config
	ErrInvalidConfig = CodeEntry{Code: 6001, Message: "invalid config"}
)
