package scheduler

import (
	"context"
	"reflect"
	"runtime"
	"strings"
)

// CallbackHandler is run by the validator's block loop.
type CallbackHandler interface {
	ShouldTrigger(block int64) bool
	Execute(ctx context.Context, block int64) error
	GetName() string
}

// BlockCallback fires at most once per interval blocks. A stalled block feed
// that skips several intervals still fires only once when it resumes.
type BlockCallback struct {
	LastTriggerAtBlock int64
	interval           int64
	executeFn          func(ctx context.Context, block int64) error
}

func NewBlockCallback(interval int64, execute func(ctx context.Context, block int64) error) *BlockCallback {
	if interval <= 0 {
		interval = 1
	}
	return &BlockCallback{
		LastTriggerAtBlock: -1,
		interval:           interval,
		executeFn:          execute,
	}
}

// ShouldTrigger aligns the first run to a multiple of the interval.
func (bc *BlockCallback) ShouldTrigger(currentBlock int64) bool {
	if bc.LastTriggerAtBlock <= 0 {
		return currentBlock%bc.interval == 0
	}
	return currentBlock-bc.LastTriggerAtBlock >= bc.interval
}

// Execute only advances LastTriggerAtBlock on success, so a failure retries on
// the next block.
func (bc *BlockCallback) Execute(ctx context.Context, block int64) error {
	if err := bc.executeFn(ctx, block); err != nil {
		return err
	}
	bc.LastTriggerAtBlock = block
	return nil
}

// GetName is the callback's function name, e.g. "checkWeights" for a method value.
func (bc *BlockCallback) GetName() string {
	return funcName(bc.executeFn)
}

func funcName(f any) string {
	v := reflect.ValueOf(f)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "unknown"
	}
	fn := runtime.FuncForPC(v.Pointer())
	if fn == nil {
		return "unknown"
	}
	name := strings.TrimSuffix(fn.Name(), "-fm")
	return name[strings.LastIndex(name, ".")+1:]
}
