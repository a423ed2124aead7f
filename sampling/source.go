package sampling

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/imattdu/xrayagent/errorx"
	"github.com/imattdu/xrayagent/httpclient"
)

// Source 是外部规则源。返回的 def 可以为 nil，表示沿用当前默认规则
type Source interface {
	Name() string
	Rules(ctx context.Context) (rules []*Rule, def *Rule, err error)
}

// -------------------- 本地 manifest --------------------

type manifest struct {
	Version int            `json:"version"`
	Rules   []manifestRule `json:"rules"`
	Default *manifestRule  `json:"default"`
}

type manifestRule struct {
	Description string  `json:"description"`
	ServiceName string  `json:"service_name"`
	Host        string  `json:"host"`
	HTTPMethod  string  `json:"http_method"`
	URLPath     string  `json:"url_path"`
	FixedTarget int     `json:"fixed_target"`
	Rate        float64 `json:"rate"`
}

// LocalSource 读 v1 / v2 JSON manifest；path 为空时只给出默认规则
type LocalSource struct {
	path         string
	defRate      float64
	defReservoir int
}

func NewLocalSource(path string, defRate float64, defReservoir int) *LocalSource {
	return &LocalSource{path: path, defRate: defRate, defReservoir: defReservoir}
}

func (s *LocalSource) Name() string {
	if s.path == "" {
		return "local:default"
	}
	return "local:" + s.path
}

func (s *LocalSource) Rules(_ context.Context) ([]*Rule, *Rule, error) {
	if s.path == "" {
		return nil, NewDefaultRule(s.defRate, s.defReservoir), nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, errorx.Wrap(err, errorx.ErrRuleSource,
			errorx.WithType(errorx.ErrTypeSampling),
			errorx.WithComponent(errorx.ComponentSampling))
	}
	return ParseManifest(data)
}

// ParseManifest 解析本地规则文件，规则顺序即优先级
func ParseManifest(data []byte) ([]*Rule, *Rule, error) {
	var m manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, nil, parseErr("decode manifest: %v", err)
	}
	if m.Version != 1 && m.Version != 2 {
		return nil, nil, parseErr("unsupported manifest version %d", m.Version)
	}
	if m.Default == nil {
		return nil, nil, parseErr("manifest has no default rule")
	}
	d := m.Default
	if d.ServiceName != "" || d.Host != "" || d.HTTPMethod != "" || d.URLPath != "" {
		return nil, nil, parseErr("default rule must not set matchers")
	}
	def := NewDefaultRule(d.Rate, d.FixedTarget)
	if !def.valid() {
		return nil, nil, parseErr("default rule out of range")
	}

	rules := make([]*Rule, 0, len(m.Rules))
	for i, mr := range m.Rules {
		name := mr.Description
		if name == "" {
			name = fmt.Sprintf("local-%d", i)
		}
		r := &Rule{
			Name:          name,
			Priority:      i + 1,
			ServiceName:   mr.ServiceName,
			Host:          mr.Host,
			HTTPMethod:    mr.HTTPMethod,
			URLPath:       mr.URLPath,
			FixedRate:     mr.Rate,
			ReservoirSize: mr.FixedTarget,
		}
		if !r.valid() {
			return nil, nil, parseErr("rule %q invalid", name)
		}
		rules = append(rules, r)
	}
	return rules, def, nil
}

func parseErr(f string, args ...any) error {
	return errorx.New(errorx.ErrRuleParse,
		errorx.WithType(errorx.ErrTypeSampling),
		errorx.WithComponent(errorx.ComponentSampling),
		errorx.WithMessage(fmt.Sprintf(f, args...)))
}

// -------------------- daemon 中心规则 --------------------

const (
	PathGetSamplingRules = "/GetSamplingRules"
	PathSamplingTargets  = "/SamplingTargets"
)

type samplingRule struct {
	RuleName      string  `json:"RuleName"`
	Priority      int     `json:"Priority"`
	FixedRate     float64 `json:"FixedRate"`
	ReservoirSize int     `json:"ReservoirSize"`
	ServiceName   string  `json:"ServiceName"`
	ServiceType   string  `json:"ServiceType"`
	Host          string  `json:"Host"`
	HTTPMethod    string  `json:"HTTPMethod"`
	URLPath       string  `json:"URLPath"`
	Version       int     `json:"Version"`
}

type samplingRuleRecord struct {
	SamplingRule *samplingRule `json:"SamplingRule"`
}

type getSamplingRulesOutput struct {
	SamplingRuleRecords []samplingRuleRecord `json:"SamplingRuleRecords"`
	NextToken           *string              `json:"NextToken"`
}

// CentralSource 通过 daemon 的 TCP 代理拉规则，名为 Default 的记录作为默认规则
type CentralSource struct {
	client *httpclient.Client
}

func NewCentralSource(client *httpclient.Client) *CentralSource {
	return &CentralSource{client: client}
}

func (s *CentralSource) Name() string { return "central" }

func (s *CentralSource) Rules(ctx context.Context) ([]*Rule, *Rule, error) {
	var (
		rules []*Rule
		def   *Rule
		token *string
	)
	// 分页；上限防止 daemon 返回的 token 不收敛
	for page := 0; page < 16; page++ {
		var out getSamplingRulesOutput
		in := map[string]any{"NextToken": token}
		if _, err := s.client.PostJSON(ctx, PathGetSamplingRules, in, &out); err != nil {
			return nil, nil, err
		}
		for _, rec := range out.SamplingRuleRecords {
			sr := rec.SamplingRule
			if sr == nil || sr.Version != 1 {
				continue
			}
			r := &Rule{
				Name:          sr.RuleName,
				Priority:      sr.Priority,
				ServiceName:   sr.ServiceName,
				ServiceType:   sr.ServiceType,
				Host:          sr.Host,
				HTTPMethod:    sr.HTTPMethod,
				URLPath:       sr.URLPath,
				FixedRate:     sr.FixedRate,
				ReservoirSize: sr.ReservoirSize,
			}
			if !r.valid() {
				continue
			}
			if strings.EqualFold(r.Name, DefaultRuleName) {
				def = r
				continue
			}
			rules = append(rules, r)
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		token = out.NextToken
	}
	if def == nil && len(rules) == 0 {
		return nil, nil, errorx.New(errorx.ErrRuleSource,
			errorx.WithType(errorx.ErrTypeSampling),
			errorx.WithComponent(errorx.ComponentSampling),
			errorx.WithMessage("daemon returned no sampling rules"))
	}
	return rules, def, nil
}
