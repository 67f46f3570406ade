package bingo

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	ErrExhausted    = errors.New("all numbers drawn")
	ErrCorruptDraws = errors.New("corrupt drawn numbers")
)

// Picker 均匀抽取下一个未出现的号码；rand.Rand 非并发安全，需加锁
type Picker struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewPicker(seed int64) *Picker {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Picker{rnd: rand.New(rand.NewSource(seed))}
}

// Remaining 返回 1..75 中尚未抽出的号码（升序），已抽列表含重复或越界则报错
func Remaining(drawn []int) ([]int, error) {
	if err := CheckDraws(drawn); err != nil {
		return nil, err
	}
	var seen [MaxNumber + 1]bool
	for _, n := range drawn {
		seen[n] = true
	}
	out := make([]int, 0, MaxNumber-len(drawn))
	for n := 1; n <= MaxNumber; n++ {
		if !seen[n] {
			out = append(out, n)
		}
	}
	return out, nil
}

func CheckDraws(drawn []int) error {
	if len(drawn) > MaxNumber {
		return fmt.Errorf("%w: %d draws", ErrCorruptDraws, len(drawn))
	}
	var seen [MaxNumber + 1]bool
	for i, n := range drawn {
		if n < 1 || n > MaxNumber {
			return fmt.Errorf("%w: draw #%d is %d", ErrCorruptDraws, i+1, n)
		}
		if seen[n] {
			return fmt.Errorf("%w: %d drawn twice", ErrCorruptDraws, n)
		}
		seen[n] = true
	}
	return nil
}

// Next 从剩余号码中均匀选取一个；全部抽完返回 ErrExhausted
func (p *Picker) Next(drawn []int) (int, error) {
	left, err := Remaining(drawn)
	if err != nil {
		return 0, err
	}
	if len(left) == 0 {
		return 0, ErrExhausted
	}
	p.mu.Lock()
	i := p.rnd.Intn(len(left))
	p.mu.Unlock()
	return left[i], nil
}

// Letter 返回号码所属列字母（B/I/N/G/O）
func Letter(n int) string {
	if n < 1 || n > MaxNumber {
		return ""
	}
	return string("BINGO"[(n-1)/15])
}
