package job

import (
	"context"

	"github.com/0xrifai/pharos-network/internal/automation"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
)

// Store 抽象了运行状态的保存接口。
type Store interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// Latest 返回指定任务最近一次运行。
	Latest(ctx context.Context, taskID string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string, summary automation.Summary) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, summary *automation.Summary) error
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
