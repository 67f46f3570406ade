package sweeper

import (
	"context"
	"fmt"
	"time"

	"BingoRush/internal/metrics"
	"BingoRush/internal/session"
	"BingoRush/internal/utils"
	"BingoRush/internal/websocket"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"
)

const EventSessionCancelled = "session_cancelled"

type Options struct {
	Interval       time.Duration
	WaitingTimeout time.Duration
	BatchSize      int
	Now            func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.WaitingTimeout <= 0 {
		o.WaitingTimeout = 2 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Sweeper 取消等待过久的对局并回收 cartela。与匹配/裁决使用同一把会话行锁
type Sweeper struct {
	store session.Store
	hub   websocket.Broadcaster
	opts  Options
	cron  *cron.Cron
	log   *log.Logger
}

func New(store session.Store, opts Options, hub websocket.Broadcaster) *Sweeper {
	return &Sweeper{
		store: store,
		hub:   hub,
		opts:  opts.withDefaults(),
		log:   utils.With("component", "sweeper"),
	}
}

// Start 注册 @every 任务；上一轮未结束时跳过本轮
func (s *Sweeper) Start() error {
	logger := cronLogger{s.log}
	s.cron = cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	spec := fmt.Sprintf("@every %s", s.opts.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.log.Error("sweep failed", "err", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("sweeper started", "every", s.opts.Interval, "timeout", s.opts.WaitingTimeout)
	return nil
}

// Stop 返回的 context 在进行中的任务结束后关闭
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return s.cron.Stop()
}

// Sweep 执行一轮，返回取消的对局数。单个对局失败只记日志
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.opts.Now().Add(-s.opts.WaitingTimeout)
	ids, err := s.store.StaleWaiting(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := s.sweepOne(ctx, id, cutoff)
		if err != nil {
			s.log.Error("sweep session", "session", id, "err", err)
			continue
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		metrics.RecordSwept(n)
		s.log.Info("stale sessions cancelled", "count", n)
	}
	return n, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, id string, cutoff time.Time) (swept bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var batch *websocket.Batch
	err = s.store.InTx(ctx, func(ctx context.Context, tx session.Tx) error {
		batch, swept = &websocket.Batch{}, false
		sess, err := tx.LockSession(ctx, id)
		if err != nil {
			return err
		}
		// 扫描与加锁之间可能已有人加入或离开
		if sess.Status != session.StatusWaiting || sess.CreatedAt.After(cutoff) {
			return nil
		}
		now := s.opts.Now()
		if err := sess.Transition(session.StatusCancelled, now); err != nil {
			return err
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		entries, err := tx.Entries(ctx, sess.ID)
		if err != nil {
			return err
		}
		active := session.ActiveEntries(entries)
		for _, e := range active {
			e.Status = session.EntryDisconnected
			e.LeftAt = &now
			if err := tx.UpdateEntry(ctx, e); err != nil {
				return err
			}
			if _, err := tx.ReleaseResource(ctx, e.ResourceID); err != nil {
				return err
			}
		}
		batch.Add(session.PlayerIDs(active), EventSessionCancelled, map[string]any{
			"sessionId": sess.ID,
			"reason":    "timeout",
		})
		swept = true
		return nil
	})
	if err != nil || !swept {
		return false, err
	}
	if s.hub != nil {
		batch.Send(s.hub)
	}
	metrics.RecordTransition(string(session.StatusWaiting), string(session.StatusCancelled))
	return true, nil
}

// cronLogger 把 cron 的日志接到 charmbracelet/log
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
