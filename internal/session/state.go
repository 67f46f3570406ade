package session

import (
	"fmt"
	"time"
)

// 单向状态机，终态不再迁出
var transitions = map[Status][]Status{
	StatusWaiting:   {StatusCountdown, StatusCancelled},
	StatusCountdown: {StatusActive, StatusCancelled},
	StatusActive:    {StatusFinished},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition 迁移状态并写入对应时间戳
func (s *Session) Transition(to Status, now time.Time) error {
	if !CanTransition(s.Status, to) {
		return New(CodeInvalidState, fmt.Sprintf("session %s cannot move from %s to %s", s.Code, s.Status, to))
	}
	t := now
	switch to {
	case StatusCountdown:
		s.CountdownStartedAt = &t
	case StatusActive:
		s.StartedAt = &t
	case StatusFinished, StatusCancelled:
		s.FinishedAt = &t
		s.NextDrawAt = nil
	}
	s.Status = to
	return nil
}

// CountdownRemaining = max(0, d - (now - start))，只由开始时间推导
func CountdownRemaining(startedAt *time.Time, d time.Duration, now time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	left := d - now.Sub(*startedAt)
	if left < 0 {
		return 0
	}
	if left > d {
		return d
	}
	return left
}

// RemainingSeconds 向上取整到秒，便于前端展示
func RemainingSeconds(left time.Duration) int {
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

// CountdownDeadline 倒计时结束时刻
func (s Session) CountdownDeadline(d time.Duration) (time.Time, bool) {
	if s.CountdownStartedAt == nil {
		return time.Time{}, false
	}
	return s.CountdownStartedAt.Add(d), true
}
