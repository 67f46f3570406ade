package bingo

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// PoolCard 卡池文件中的一项，card_id 即 cartela 编号
type PoolCard struct {
	B      []int `json:"B"`
	I      []int `json:"I"`
	N      []int `json:"N"`
	G      []int `json:"G"`
	O      []int `json:"O"`
	CardID int   `json:"card_id"`
}

// Card 将按列存储的卡池项转换为行优先卡面，N 列中心值忽略
func (p PoolCard) Card() (Card, error) {
	cols := [Size][]int{p.B, p.I, p.N, p.G, p.O}
	var grid [Cells]int
	for c, col := range cols {
		if len(col) != Size {
			return Card{}, fmt.Errorf("%w: card %d column %d has %d cells", ErrInvalidCard, p.CardID, c, len(col))
		}
		for r, n := range col {
			grid[r*Size+c] = n
		}
	}
	return NewCard(p.CardID, grid)
}

// ParsePool 解析卡池 JSON，任一卡面非法则整体失败
func ParsePool(data []byte) ([]Card, error) {
	var raw []PoolCard
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCard, err)
	}
	cards := make([]Card, 0, len(raw))
	ids := make(map[int]struct{}, len(raw))
	for _, pc := range raw {
		c, err := pc.Card()
		if err != nil {
			return nil, err
		}
		if _, dup := ids[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate card id %d", ErrInvalidCard, c.ID)
		}
		ids[c.ID] = struct{}{}
		cards = append(cards, c)
	}
	return cards, nil
}

func LoadPool(path string) ([]Card, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePool(data)
}

// GenerateCard 随机生成一张合法卡面
func GenerateCard(id int, rnd *rand.Rand) Card {
	var grid [Cells]int
	for c := 0; c < Size; c++ {
		lo, _ := ColumnRange(c)
		perm := rnd.Perm(15)
		for r := 0; r < Size; r++ {
			grid[r*Size+c] = lo + perm[r]
		}
	}
	grid[FreeCell] = Free
	return Card{ID: id, Grid: grid}
}

// GeneratePool 生成 1..n 的卡池
func GeneratePool(n int, seed int64) []Card {
	rnd := rand.New(rand.NewSource(seed))
	cards := make([]Card, 0, n)
	for id := 1; id <= n; id++ {
		cards = append(cards, GenerateCard(id, rnd))
	}
	return cards
}
