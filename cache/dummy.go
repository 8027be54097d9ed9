package cache

import (
	"context"
	"time"
)

// dummyCache stores nothing. It is what New falls back to when no configured
// handler can be used, so callers keep working with every read a miss.
type dummyCache struct{}

var _ Store = dummyCache{}

// NewDummy returns a Store that never holds a value.
func NewDummy() Store {
	return dummyCache{}
}

func (dummyCache) Get(context.Context, string) (bool, any, error) {
	return false, nil, nil
}

func (dummyCache) Save(context.Context, string, any, time.Duration) error {
	return nil
}

func (dummyCache) SaveIfAbsent(context.Context, string, any, time.Duration) (bool, error) {
	return true, nil
}

func (dummyCache) Delete(context.Context, string) (DeleteStatus, error) {
	return StatusNotFound, nil
}

func (dummyCache) Increment(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (dummyCache) Decrement(context.Context, string, int64) (int64, error) {
	return 0, nil
}

func (dummyCache) Clean(context.Context) error {
	return nil
}

func (dummyCache) GetMetaData(context.Context, string) (bool, MetaData, error) {
	return false, MetaData{}, nil
}

func (dummyCache) Info(context.Context) (Info, error) {
	return Info{Handler: "dummy"}, nil
}

func (dummyCache) IsSupported() bool {
	return true
}

func (dummyCache) Close() error {
	return nil
}

func (dummyCache) volatile() bool {
	return true
}
