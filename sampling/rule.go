package sampling

import (
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Decision 上游传来的采样决定
type Decision int8

const (
	DecisionUnknown Decision = iota
	DecisionSampled
	DecisionNotSampled
)

func (d Decision) String() string {
	switch d {
	case DecisionSampled:
		return "1"
	case DecisionNotSampled:
		return "0"
	default:
		return ""
	}
}

// Request 是规则匹配的输入
type Request struct {
	ServiceName string
	ServiceType string
	Host        string
	Method      string
	URLPath     string
}

// Rule 一条采样规则。匹配字段为空或 "*" 表示匹配所有；
// 其余按 X-Ray 通配：'*' 匹配任意串（可以跨 "/"），'?' 匹配单个字符，
// Host 和 HTTPMethod 不区分大小写。
// 以 "glob:" 开头的字段改用 doublestar 语义（"*" 不跨 "/"，跨层级用 "**"）
type Rule struct {
	Name        string
	Priority    int
	ServiceName string
	ServiceType string
	Host        string
	HTTPMethod  string
	URLPath     string

	FixedRate     float64
	ReservoirSize int

	reservoir *Reservoir
}

// Match 所有字段都匹配才算命中
func (r *Rule) Match(req Request) bool {
	return wildcardMatch(r.ServiceName, req.ServiceName, false) &&
		wildcardMatch(r.ServiceType, req.ServiceType, false) &&
		wildcardMatch(r.Host, req.Host, true) &&
		wildcardMatch(r.HTTPMethod, req.Method, true) &&
		wildcardMatch(r.URLPath, req.URLPath, false)
}

// GlobPrefix 标记字段使用 doublestar 语义
const GlobPrefix = "glob:"

func wildcardMatch(pattern, s string, fold bool) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if fold {
		pattern, s = strings.ToLower(pattern), strings.ToLower(s)
	}
	if g, ok := cutGlob(pattern); ok {
		ok, err := doublestar.Match(g, s)
		return err == nil && ok
	}

	p, t := []rune(pattern), []rune(s)
	pi, ti := 0, 0
	star, mark := -1, 0
	for ti < len(t) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, ti
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == t[ti]):
			pi++
			ti++
		case star >= 0:
			// 回溯：让上一个 '*' 多吞一个字符
			mark++
			pi, ti = star+1, mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

func cutGlob(pattern string) (string, bool) {
	if len(pattern) < len(GlobPrefix) || !strings.EqualFold(pattern[:len(GlobPrefix)], GlobPrefix) {
		return "", false
	}
	return pattern[len(GlobPrefix):], true
}

func (r *Rule) valid() bool {
	if r.FixedRate < 0 || r.FixedRate > 1 || r.ReservoirSize < 0 {
		return false
	}
	for _, p := range []string{r.ServiceName, r.ServiceType, r.Host, r.HTTPMethod, r.URLPath} {
		if g, ok := cutGlob(p); ok && !doublestar.ValidatePattern(g) {
			return false
		}
	}
	return true
}

// -------------------- reservoir --------------------

// Reservoir 每个挂钟秒内最多放行 size 个请求
type Reservoir struct {
	mu     sync.Mutex
	size   int
	window int64
	used   int
}

func NewReservoir(size int) *Reservoir {
	return &Reservoir{size: size}
}

// Take 尝试消耗一个令牌。窗口只会向前滚动：读到比当前窗口更早的秒，
// 说明时钟在锁外被读取后窗口已经被别人推进，算进当前窗口
func (r *Reservoir) Take(now time.Time) bool {
	if r == nil || r.size <= 0 {
		return false
	}
	sec := now.Unix()
	r.mu.Lock()
	defer r.mu.Unlock()
	if sec > r.window {
		r.window = sec
		r.used = 0
	}
	if r.used >= r.size {
		return false
	}
	r.used++
	return true
}

func (r *Reservoir) Size() int {
	if r == nil {
		return 0
	}
	return r.size
}
