package utils

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLazyBuildsOnce(t *testing.T) {
	var calls int32
	lazy := NewLazy(func() (*int, error) {
		atomic.AddInt32(&calls, 1)
		v := 42
		return &v, nil
	})

	var wg sync.WaitGroup
	results := make([]*int, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := lazy.Get()
			if err != nil {
				t.Errorf("Get 返回错误: %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("构造次数 = %d, 期望 1", calls)
	}
	for i, v := range results {
		if v != results[0] {
			t.Errorf("第 %d 个结果不是同一实例", i)
		}
	}
}

func TestLazyCachesError(t *testing.T) {
	boom := errors.New("boom")
	var calls int
	lazy := NewLazy(func() (string, error) {
		calls++
		return "", boom
	})

	for i := 0; i < 3; i++ {
		if _, err := lazy.Get(); !errors.Is(err, boom) {
			t.Errorf("期望构造错误，实际 %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("失败的构造也只应执行一次，实际 %d", calls)
	}
}
