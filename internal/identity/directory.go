package identity

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "AgentEscrow/internal/errors"
)

// Directory 是进程内的身份目录，可从 YAML 种子文件加载。
type Directory struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewDirectory 创建目录。
func NewDirectory(agents ...Agent) *Directory {
	d := &Directory{agents: make(map[string]Agent, len(agents))}
	for _, a := range agents {
		d.agents[a.ID] = a
	}
	return d
}

type directoryFile struct {
	Agents []Agent `yaml:"agents"`
}

// LoadDirectory 从 YAML 文件读取代理列表。
func LoadDirectory(path string) (*Directory, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取身份目录失败: %w", err)
	}
	var file directoryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析身份目录失败: %w", err)
	}
	for i, a := range file.Agents {
		if a.ID == "" {
			return nil, fmt.Errorf("身份目录第 %d 项缺少 id", i)
		}
	}
	return NewDirectory(file.Agents...), nil
}

// Upsert 写入或覆盖一个代理。
func (d *Directory) Upsert(a Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[a.ID] = a
}

// SetActiveVerifications 更新代理当前的并发验证数。
func (d *Directory) SetActiveVerifications(agentID string, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.agents[agentID]
	if !ok {
		return ErrAgentNotFound.With(xerrors.WithMetadata("agent_id", agentID))
	}
	a.ActiveVerifications = n
	d.agents[agentID] = a
	return nil
}

// Get 返回代理快照。
func (d *Directory) Get(_ context.Context, agentID string) (Agent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.agents[agentID]
	if !ok {
		return Agent{}, ErrAgentNotFound.With(xerrors.WithMetadata("agent_id", agentID))
	}
	return a, nil
}

// EligiblePool 实现 Provider 接口，结果按 ID 排序。
func (d *Directory) EligiblePool(_ context.Context, criteria Criteria) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	pool := make([]string, 0, len(d.agents))
	for _, a := range d.agents {
		if criteria.Eligible(a) {
			pool = append(pool, a.ID)
		}
	}
	sort.Strings(pool)
	return pool, nil
}

// TierOf 实现 Provider 接口。
func (d *Directory) TierOf(ctx context.Context, agentID string) (int, error) {
	a, err := d.Get(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return a.Tier, nil
}

var _ Provider = (*Directory)(nil)
