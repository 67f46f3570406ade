package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port string
	}
	Database struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	JWT struct {
		Secret string
	}
	Log struct {
		Level string
	}
	Game Game
}

// Game 对局参数，cmd/main.go 负责映射到各服务的 Options
type Game struct {
	Capacity       int
	MinPlayers     int
	Countdown      time.Duration
	DrawInterval   time.Duration
	TickInterval   time.Duration
	WaitingTimeout time.Duration
	SweepInterval  time.Duration
	Stake          string
	PrizeSchedule  []string
	AutoClaim      bool
	LeaseTTL       time.Duration
	CardPool       string
}

func (g Game) StakeAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(g.Stake)
}

func (g Game) Schedule() ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, 0, len(g.PrizeSchedule))
	for _, s := range g.PrizeSchedule {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("game.prizeSchedule %q: %w", s, err)
		}
		out = append(out, d)
	}
	return out, nil
}

var C Config

func Load() {
	if err := LoadFile("config/config.yaml"); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
}

// LoadFile 读取 .env（可选）与 yaml（可选），环境变量覆盖：game.minPlayers → GAME_MINPLAYERS
func LoadFile(path string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if err := c.validate(); err != nil {
		return err
	}
	C = c
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("database.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("game.capacity", 10)
	v.SetDefault("game.minPlayers", 2)
	v.SetDefault("game.countdown", 50*time.Second)
	v.SetDefault("game.drawInterval", 3*time.Second)
	v.SetDefault("game.tickInterval", 250*time.Millisecond)
	v.SetDefault("game.waitingTimeout", 2*time.Minute)
	v.SetDefault("game.sweepInterval", 30*time.Second)
	v.SetDefault("game.stake", "10")
	v.SetDefault("game.prizeSchedule", []string{"0.8"})
	v.SetDefault("game.autoClaim", true)
	v.SetDefault("game.leaseTTL", 10*time.Second)
	v.SetDefault("game.cardPool", "cards.json")
}

func (c Config) validate() error {
	g := c.Game
	// 倒计时由第二名玩家触发，开局至少两人
	if g.MinPlayers < 2 || g.Capacity < g.MinPlayers {
		return fmt.Errorf("game.capacity (%d) must be >= game.minPlayers (%d) >= 2", g.Capacity, g.MinPlayers)
	}
	if g.Countdown <= 0 || g.DrawInterval <= 0 || g.TickInterval <= 0 {
		return errors.New("game durations must be positive")
	}
	stake, err := g.StakeAmount()
	if err != nil {
		return fmt.Errorf("game.stake: %w", err)
	}
	if stake.IsNegative() {
		return fmt.Errorf("game.stake must not be negative, got %s", stake)
	}
	if _, err := g.Schedule(); err != nil {
		return err
	}
	return nil
}
