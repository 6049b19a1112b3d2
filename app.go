package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"evermem/internal/cluster"
	"evermem/internal/config"
	"evermem/internal/convqueue"
	"evermem/internal/extract"
	"evermem/internal/llm"
	"evermem/internal/profile"
	"evermem/internal/retrieval"
	"evermem/internal/search"
	"evermem/internal/segment"
	"evermem/internal/store"
	"evermem/internal/syncsvc"
	"evermem/internal/vectorize"
	"evermem/internal/worker"
)

// app holds the wired components for the process lifetime. Every component
// takes its collaborators by interface, so this is the only place concrete
// backends are chosen.
type app struct {
	cfg        config.Config
	store      store.Store
	queue      convqueue.Queue
	dispatcher *worker.Dispatcher
	retriever  *retrieval.Engine
	sync       *syncsvc.Service
	completer  llm.Completer
	closers    []func()
}

// newApp resolves backends from configuration. Without Postgres/Redis/Qdrant
// configured it falls back to in-memory backends, which keeps single-node
// development and the test suite self-contained.
func newApp(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (*app, error) {
	a := &app{cfg: cfg}

	// Vectorizer (C1)
	var vz vectorize.Vectorizer
	if cfg.Embeddings.Host != "" {
		vz = vectorize.NewClient(cfg.Embeddings.Host, cfg.Embeddings.APIKey, cfg.Embeddings.Model, cfg.Embeddings.Dimensions)
	} else {
		log.Warn().Msg("no embeddings endpoint configured, using local hashing vectorizer")
		vz = vectorize.NewHashing(cfg.Qdrant.Dimensions)
	}

	// LLM client (C2)
	if cfg.Completions.Model != "" {
		a.completer = llm.NewClient(cfg.Completions.Host, cfg.Completions.APIKey, cfg.Completions.Model)
	} else {
		return nil, fmt.Errorf("completions.model is required")
	}

	// Document store (C3)
	if pool != nil {
		st, err := store.NewPg(ctx, pool)
		if err != nil {
			return nil, err
		}
		a.store = st
	} else {
		log.Warn().Msg("no postgres configured, using in-memory document store")
		a.store = store.NewMemory()
	}

	// Lexical index (C4)
	var lex search.LexicalIndex
	if pool != nil {
		pg, err := search.NewPgLexical(ctx, pool)
		if err != nil {
			return nil, err
		}
		lex = pg
	} else {
		lex = search.NewMemoryLexical()
	}

	// Vector index (C5)
	var vec search.VectorIndex
	if cfg.Qdrant.URL != "" {
		qv, err := search.NewQdrantVector(ctx, cfg.Qdrant.URL, cfg.Qdrant.CollectionPrefix+"_memories", vz.Dimensions())
		if err != nil {
			return nil, err
		}
		vec = qv
		a.closers = append(a.closers, func() { _ = qv.Close() })
	} else {
		log.Warn().Msg("no qdrant configured, using in-memory vector index")
		vec = search.NewMemoryVector()
	}

	// Conversation queue (C6) + profile locks
	var locker convqueue.Locker
	if cfg.Redis.Addr != "" {
		rq, err := convqueue.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Memory.QueueCapacity, cfg.Memory.QueueTTL.Std())
		if err != nil {
			return nil, err
		}
		a.queue = rq
		a.closers = append(a.closers, func() { _ = rq.Close() })
		locker = convqueue.NewRedisLocker(rq.Client())
	} else {
		log.Warn().Msg("no redis configured, using in-memory conversation queue")
		a.queue = convqueue.NewMemory(cfg.Memory.QueueCapacity, cfg.Memory.QueueTTL.Std())
		locker = convqueue.NewLocalLocker()
	}

	seg := segment.New(a.completer, vz, a.store.MemCells, a.store.RequestLog, a.queue, segment.Config{
		MinWindow:       cfg.Memory.MinWindowMessages,
		MinSpan:         cfg.Memory.MinWindowSpan.Std(),
		MaxPromptTokens: cfg.Memory.MaxPromptTokens,
		Retries:         cfg.Memory.SegmentRetries,
		Temperature:     cfg.Completions.Temperature,
		MaxTokens:       cfg.Completions.MaxTokens,
	})
	ext := extract.New(a.completer, vz, cfg.Completions.Temperature, cfg.Completions.MaxTokens)
	clu := cluster.New(cluster.Config{
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		TimeGap:             cfg.Memory.ClusterTimeGap.Std(),
	})
	prof := profile.New(a.completer, a.store.Profiles, a.store.MemCells, locker, profile.Config{
		BatchSize:   cfg.Memory.ProfileBatchSize,
		Temperature: cfg.Completions.Temperature,
		MaxTokens:   cfg.Completions.MaxTokens,
	})
	a.sync = syncsvc.New(lex, vec)

	a.dispatcher = worker.NewDispatcher(worker.Deps{
		Store:   a.store,
		Queue:   a.queue,
		Segment: seg,
		Extract: ext,
		Cluster: clu,
		Profile: prof,
		Sync:    a.sync,
	}, worker.Config{
		Workers:   cfg.Memory.WorkerCount,
		QueueSize: cfg.Memory.TaskQueueSize,
	})

	a.retriever = retrieval.New(lex, vec, vz, retrieval.Config{
		RRFRankConstant: cfg.Retrieval.RRFRankConstant,
		DefaultTopK:     cfg.Retrieval.DefaultTopK,
		MaxRounds:       cfg.Retrieval.MaxRounds,
	})
	return a, nil
}

func (a *app) close() {
	for _, fn := range a.closers {
		fn()
	}
}
