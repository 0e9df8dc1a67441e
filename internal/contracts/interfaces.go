package contracts

import "context"

// Locker guards single-writer sections across processes
// ⭐ SSOT: 종목·발행일 단위 단일 실행 보장 인터페이스
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(context.Context) error, acquired bool, err error)
}

// Publisher forwards run summaries to downstream consumers
type Publisher interface {
	Publish(ctx context.Context, key []byte, value interface{}) error
}

// NopLocker always grants the lock
type NopLocker struct{}

// TryLock implements Locker
func (NopLocker) TryLock(context.Context, string) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}
