package matchmaker

import (
	"BingoRush/internal/bingo"
	"BingoRush/internal/session"
)

// JoinRequest 加入对局：玩家 + 卡面 + cartela
type JoinRequest struct {
	PlayerID       string `json:"playerId" binding:"required"`
	CardID         int    `json:"cardId" binding:"required,min=1"`
	PoolResourceID int    `json:"poolResourceId" binding:"required,min=1"`
}

// LeaveRequest 离开对局
type LeaveRequest struct {
	PlayerID string `json:"playerId" binding:"required"`
}

// Summary 对局概要，countdownRemaining 为实时推导的秒数
type Summary struct {
	SessionID          string         `json:"sessionId"`
	Code               string         `json:"code"`
	Status             session.Status `json:"status"`
	CountdownRemaining int            `json:"countdownRemaining"`
	PlayerCount        int            `json:"playerCount"`
	Host               string         `json:"host,omitempty"`
}

type LeaveResult struct {
	RemainingPlayers int  `json:"remainingPlayers"`
	SessionEnded     bool `json:"sessionEnded"`
}

// StatusView GetSessionStatus 的返回
type StatusView struct {
	Summary
	DrawnNumbers []int        `json:"drawnNumbers"`
	LastDrawn    *int         `json:"lastDrawn,omitempty"`
	Winner       string       `json:"winner,omitempty"`
	WinPattern   *bingo.Match `json:"winPattern,omitempty"`
	Player       *PlayerView  `json:"player,omitempty"`
}

// PlayerView 请求者自己的座位信息
type PlayerView struct {
	Status session.EntryStatus `json:"status"`
	CardID int                 `json:"cardId"`
	Card   [][]int             `json:"card,omitempty"`
}

type ReleaseResult struct {
	Released bool `json:"released"`
}
