// Package identity 定义托管核心读取代理身份、信任等级与负载的只读契约。
// 注册、评分等子系统由外部协作方负责，核心在每次遴选时只拿一份快照。
package identity

import (
	"context"

	xerrors "AgentEscrow/internal/errors"
)

// Agent 是某个代理在身份服务中的快照。
type Agent struct {
	ID                  string `yaml:"id" json:"id" msgpack:"id"`
	Tier                int    `yaml:"tier" json:"tier" msgpack:"tier"`
	Reputation          int    `yaml:"reputation" json:"reputation" msgpack:"reputation"`
	Active              bool   `yaml:"active" json:"active" msgpack:"active"`
	ActiveVerifications int    `yaml:"active_verifications" json:"active_verifications" msgpack:"active_verifications"`
}

// Criteria 描述验证者资格过滤条件。
type Criteria struct {
	MinTier int
	Exclude []string
	// MaxActiveVerifications 为 0 表示不限制并发验证数。
	MaxActiveVerifications int
}

// Eligible 判断代理是否满足过滤条件。
func (c Criteria) Eligible(a Agent) bool {
	if !a.Active || a.Tier < c.MinTier {
		return false
	}
	if c.MaxActiveVerifications > 0 && a.ActiveVerifications >= c.MaxActiveVerifications {
		return false
	}
	for _, ex := range c.Exclude {
		if ex == a.ID {
			return false
		}
	}
	return true
}

// Provider 是身份与等级服务的只读接口。
type Provider interface {
	EligiblePool(ctx context.Context, criteria Criteria) ([]string, error)
	TierOf(ctx context.Context, agentID string) (int, error)
}

const (
	CodeAgentNotFound xerrors.Code = "IDENTITY_AGENT_NOT_FOUND"
	CodeUnavailable   xerrors.Code = "IDENTITY_UNAVAILABLE"
)

var (
	// ErrAgentNotFound 表示代理未注册。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "代理不存在")
	// ErrUnavailable 表示身份服务暂不可用。
	ErrUnavailable = xerrors.New(CodeUnavailable, "身份服务不可用")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Kind:     xerrors.KindNotFound,
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "identity provider unavailable",
		Kind:      xerrors.KindResource,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}
