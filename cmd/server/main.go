package main

import (
	"context"
	"errors"
	"os"

	"github.com/contextkeeper/taskrag/internal/config"
	"github.com/contextkeeper/taskrag/internal/engines/aggregation"
	"github.com/contextkeeper/taskrag/internal/engines/intent"
	"github.com/contextkeeper/taskrag/internal/engines/retrieval"
	"github.com/contextkeeper/taskrag/internal/llm"
	"github.com/contextkeeper/taskrag/internal/services"
	"github.com/contextkeeper/taskrag/internal/utils"
	"github.com/contextkeeper/taskrag/pkg/vectorstore"
)

// application 两种启动模式共享的组件
type application struct {
	cfg        *config.Config
	answers    *services.AnswerService
	store      vectorstore.TaskStore
	cache      *retrieval.EmbeddingCache
	storeMaker *vectorstore.StoreFactory
	llmFactory *llm.LLMFactory
}

// Close 释放存储和 LLM 客户端
func (a *application) Close() {
	if a.llmFactory != nil {
		a.llmFactory.Close()
	}
	if err := a.storeMaker.Close(); err != nil {
		utils.Logger("启动").Warnf("关闭存储失败: %v", err)
	}
}

// initializeServices 加载配置、词表和存储，必要时从快照入库，然后组装问答服务
func initializeServices(ctx context.Context) (*application, error) {
	cfg := config.Load()
	utils.InitLogging(cfg.LogLevel)
	log := utils.Logger("启动")
	log.Infof("加载配置: %s", cfg.String())

	vocab, err := config.LoadVocabulary(cfg.VocabularyPath)
	if err != nil {
		return nil, err
	}

	storeMaker := vectorstore.NewStoreFactory(cfg)
	store, err := storeMaker.Store()
	if err != nil {
		return nil, err
	}

	encoder := retrieval.NewEncoderFromConfig(cfg)
	if err := indexSnapshotIfNeeded(ctx, cfg, store, encoder); err != nil {
		log.Warnf("快照入库失败，继续使用存储中已有的数据: %v", err)
	}

	app := &application{cfg: cfg, store: store, storeMaker: storeMaker}

	var completer services.Completer
	var classifierClient intent.Completer
	if cfg.LLMEnabled() {
		client, factory, err := newLLMClient(cfg)
		if err != nil {
			log.Warnf("LLM 客户端不可用，使用启发式分类且不做合成: %v", err)
		} else {
			app.llmFactory = factory
			completer = client
			classifierClient = client
			log.Infof("LLM 已启用: %s/%s", client.GetProvider(), client.GetModel())
		}
	} else {
		log.Info("未配置 LLM，使用启发式分类，回答直接返回检索上下文")
	}

	app.cache = retrieval.NewEmbeddingCache(encoder, cfg.EmbeddingCacheSize)
	sprints := aggregation.NewSprintAggregator(store, vocab, cfg.CurrentSprint)
	router := services.NewQueryRouter(services.RouterDeps{
		Classifier: intent.NewClassifier(classifierClient),
		Counter:    aggregation.NewCountEngine(vocab, sprints),
		Sprints:    sprints,
		Retriever:  retrieval.NewHybridRetriever(store, app.cache, cfg.RetrievalOverFetch),
		Reranker:   retrieval.NewReranker(retrieval.NewRelevanceModelFromConfig(cfg)),
		Vocab:      vocab,
		TopK:       cfg.RetrievalTopK,
	})
	app.answers = services.NewAnswerService(router, completer)
	return app, nil
}

// indexSnapshotIfNeeded 内存存储每次启动都入库；持久化存储只在为空时入库
func indexSnapshotIfNeeded(ctx context.Context, cfg *config.Config, store vectorstore.TaskStore, encoder vectorstore.Encoder) error {
	log := utils.Logger("启动")
	if cfg.TaskSnapshotPath == "" {
		return nil
	}
	if _, err := os.Stat(cfg.TaskSnapshotPath); errors.Is(err, os.ErrNotExist) {
		log.Warnf("快照文件不存在: %s", cfg.TaskSnapshotPath)
		return nil
	}

	count, err := store.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 && store.Capabilities().Backend != vectorstore.StoreTypeMemory {
		log.Infof("存储中已有 %d 条任务，跳过快照入库", count)
		return nil
	}

	tasks, err := vectorstore.LoadSnapshot(cfg.TaskSnapshotPath)
	if err != nil {
		return err
	}
	return vectorstore.IndexSnapshot(ctx, store, encoder, tasks)
}

func newLLMClient(cfg *config.Config) (llm.LLMClient, *llm.LLMFactory, error) {
	provider := llm.LLMProvider(cfg.LLMProvider)
	builder := llm.NewConfigBuilder(provider).
		WithAPIKey(cfg.LLMAPIKey).
		WithModel(cfg.LLMModel).
		WithTimeout(cfg.LLMTimeout).
		WithMaxRetries(cfg.LLMMaxRetries).
		WithRateLimit(cfg.LLMRateLimit)
	if cfg.LLMBaseURL != "" {
		builder = builder.WithBaseURL(cfg.LLMBaseURL)
	}
	llmCfg, err := builder.Build()
	if err != nil {
		return nil, nil, err
	}

	factory := llm.NewLLMFactory()
	factory.SetConfig(provider, llmCfg)
	client, err := factory.CreateClient(provider)
	if err != nil {
		return nil, nil, err
	}
	return client, factory, nil
}
