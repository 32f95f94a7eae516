package vectorstore

import (
	"fmt"
	"strings"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/sirupsen/logrus"
)

// StoreFactory 任务存储工厂，按配置延迟创建单例
type StoreFactory struct {
	cfg   *config.Config
	store *utils.Lazy[TaskStore]
}

// NewStoreFactory 创建任务存储工厂
func NewStoreFactory(cfg *config.Config) *StoreFactory {
	f := &StoreFactory{cfg: cfg}
	f.store = utils.NewLazy(f.create)
	return f
}

// Store 获取存储实例，首次调用时创建
func (f *StoreFactory) Store() (TaskStore, error) {
	return f.store.Get()
}

func (f *StoreFactory) create() (TaskStore, error) {
	storeType := strings.ToLower(f.cfg.TaskStoreType)
	logrus.Infof("[存储工厂] 创建任务存储: %s", storeType)

	switch storeType {
	case "", StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeSQLite:
		return NewSQLiteStore(f.cfg.SQLitePath)
	case StoreTypeVearch:
		vc := &VearchConfig{
			Endpoint: f.cfg.VearchURL,
			Username: f.cfg.VearchUsername,
			Password: f.cfg.VearchPassword,
			Database: f.cfg.VearchDatabase,
			Space:    f.cfg.VearchSpace,
		}
		client, err := NewDefaultVearchClient(vc)
		if err != nil {
			return nil, err
		}
		return NewVearchStore(client, vc), nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", f.cfg.TaskStoreType)
	}
}

// Close 关闭已创建的存储
func (f *StoreFactory) Close() error {
	store, err := f.store.Get()
	if err != nil || store == nil {
		return nil
	}
	return store.Close()
}
