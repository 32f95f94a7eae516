package utils

import "sync"

// Lazy 延迟构造的单例，并发首次访问只会构造一次，构造错误同样被缓存
type Lazy[T any] struct {
	once  sync.Once
	build func() (T, error)
	value T
	err   error
}

// NewLazy 创建延迟单例
func NewLazy[T any](build func() (T, error)) *Lazy[T] {
	return &Lazy[T]{build: build}
}

// Get 返回单例，必要时构造
func (l *Lazy[T]) Get() (T, error) {
	l.once.Do(func() {
		l.value, l.err = l.build()
		l.build = nil
	})
	return l.value, l.err
}
