package listener

import (
	"errors"
	"fmt"
)

// ErrExhausted 表示所有候选端口均被占用。
var ErrExhausted = errors.New("no open port within retry budget")

// ExhaustedError 记录起始端口与尝试次数，errors.Is(err, ErrExhausted) 为真。
type ExhaustedError struct {
	Label     string
	StartPort int
	Attempts  int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s failed to find an open port (starting at %d, %d attempts)", e.Label, e.StartPort, e.Attempts)
}

// Is 让 ExhaustedError 匹配 ErrExhausted。
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// BindError 是不可重试的绑定失败（权限、地址非法等），或工厂构建 server 失败。
type BindError struct {
	Label string
	Port  int
	Err   error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%s bind on port %d failed: %v", e.Label, e.Port, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}
