package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"BingoRush/config"
	"BingoRush/internal/bingo"
	"BingoRush/internal/game/arbiter"
	"BingoRush/internal/game/caller"
	"BingoRush/internal/game/manager"
	"BingoRush/internal/matchmaker"
	"BingoRush/internal/metrics"
	"BingoRush/internal/middleware"
	"BingoRush/internal/session"
	"BingoRush/internal/storage"
	"BingoRush/internal/sweeper"
	"BingoRush/internal/utils"
	"BingoRush/internal/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	config.Load()
	utils.Init(config.C.Log.Level)
	g := config.C.Game

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//-------------------------------------------------------
	// 1. 初始化存储：Postgres（对局状态）+ Redis（抽号租约）
	//-------------------------------------------------------
	var store session.Store
	if config.C.Database.DSN != "" {
		if err := storage.InitPostgres(config.C.Database.DSN); err != nil {
			utils.Log.Fatal("Postgres init failed", "err", err)
		}
		if err := session.Migrate(storage.DB); err != nil {
			utils.Log.Fatal("migration failed", "err", err)
		}
		store = session.NewPostgresStore(storage.DB)
	} else {
		utils.Log.Warn("database.dsn not set, using in-memory store")
		store = session.NewMemoryStore()
	}

	var lease caller.Lease
	if config.C.Redis.Addr != "" {
		if err := storage.InitRedis(config.C.Redis.Addr, config.C.Redis.Password, config.C.Redis.DB); err != nil {
			utils.Log.Fatal("Redis init failed", "err", err)
		}
		lease = caller.NewRedisLease(storage.Rdb)
	} else {
		lease = caller.NewMemoryLease(nil)
	}
	defer storage.Close()

	cards, err := bingo.LoadPool(g.CardPool)
	if errors.Is(err, os.ErrNotExist) {
		utils.Log.Warn("card pool file not found, generating one", "path", g.CardPool)
		cards, err = bingo.GeneratePool(100, 1), nil
	}
	if err != nil {
		utils.Log.Fatal("card pool invalid", "path", g.CardPool, "err", err)
	}
	if err := store.SeedCards(ctx, cards); err != nil {
		utils.Log.Fatal("seed cards failed", "err", err)
	}
	utils.Log.Info("card pool ready", "cards", len(cards))

	stake, _ := g.StakeAmount()
	schedule, _ := g.Schedule()

	//-------------------------------------------------------
	// 2. 初始化 Gin + CORS + 指标
	//-------------------------------------------------------
	r := gin.New()
	r.Use(gin.Recovery(), metrics.Middleware())

	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	//-------------------------------------------------------
	// 3. 初始化 Hub（必须最先启动）
	//-------------------------------------------------------
	hub := websocket.NewHub()
	go hub.Run()
	defer hub.Close()

	//-------------------------------------------------------
	// 4. 匹配 / 裁决 / 抽号
	//-------------------------------------------------------
	matcher := matchmaker.NewService(store, matchmaker.Options{
		Capacity:     g.Capacity,
		MinPlayers:   g.MinPlayers,
		Countdown:    g.Countdown,
		DrawInterval: g.DrawInterval,
	}, hub)
	arb := arbiter.NewService(store, arbiter.Options{
		Stake:         stake,
		PrizeSchedule: schedule,
	}, hub)
	call := caller.NewService(store, arb, caller.Options{
		DrawInterval: g.DrawInterval,
		AutoClaim:    g.AutoClaim,
	}, hub)

	//-------------------------------------------------------
	// 5. GameManager：倒计时推进 + 到期抽号 + 玩家消息
	//-------------------------------------------------------
	gameMgr := manager.NewGameManager(store, matcher, call, arb, lease, hub, manager.Options{
		TickInterval: g.TickInterval,
		Countdown:    g.Countdown,
		LeaseTTL:     g.LeaseTTL,
	})

	// 💡 开局回调：建立玩家 → 对局映射
	matcher.OnSessionStarted = func(sess session.Session, players []string) {
		utils.Log.Info("session started", "session", sess.ID, "code", sess.Code, "players", players)
		gameMgr.Track(sess, players)
	}
	matcher.OnFinished = gameMgr.Forget
	arb.OnFinished = gameMgr.Forget
	call.OnFinished = gameMgr.Forget
	hub.OnIncoming = gameMgr.HandlePlayerMessage

	go gameMgr.Run(ctx)

	sw := sweeper.New(store, sweeper.Options{
		Interval:       g.SweepInterval,
		WaitingTimeout: g.WaitingTimeout,
	}, hub)
	if err := sw.Start(); err != nil {
		utils.Log.Fatal("sweeper start failed", "err", err)
	}

	//-------------------------------------------------------
	// 6. 路由：JWT 注入 player，未配置密钥时使用请求体中的 playerId
	//-------------------------------------------------------
	api := r.Group("/")
	if config.C.JWT.Secret != "" {
		api.Use(middleware.JwtAuthMiddleware([]byte(config.C.JWT.Secret)))
	} else {
		utils.Log.Warn("jwt.secret not set, trusting playerId from requests")
		// 开发模式：/ws 等路由从 ?playerId= 取身份
		api.Use(func(c *gin.Context) {
			if p := c.Query("playerId"); p != "" {
				c.Set("player", p)
			}
			c.Next()
		})
	}
	{
		mh := matchmaker.NewHandler(matcher)
		api.POST("/sessions/join", mh.Join)
		api.POST("/sessions/:id/leave", mh.Leave)
		api.GET("/sessions/:code", mh.Status)
		api.POST("/pool/:resourceId/release", mh.Release)

		gh := manager.NewHandler(gameMgr)
		api.POST("/sessions/:id/draw", gh.DrawNumber)
		api.POST("/sessions/:id/claim", gh.DeclareWin)

		api.GET("/ws", websocket.ServeWS(hub))
	}

	//-------------------------------------------------------
	// 7. 启动服务器，收到信号后优雅退出
	//-------------------------------------------------------
	srv := &http.Server{Addr: config.C.Server.Port, Handler: r}
	go func() {
		utils.Log.Info("Server running", "addr", config.C.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			utils.Log.Fatal("server failed", "err", err)
		}
	}()

	<-ctx.Done()
	utils.Log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Log.Error("server shutdown", "err", err)
	}
	<-sw.Stop().Done()
}
