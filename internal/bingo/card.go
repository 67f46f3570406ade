package bingo

import (
	"errors"
	"fmt"
)

const (
	Size      = 5
	Cells     = Size * Size
	FreeCell  = 12 // 中心格，永久标记
	MaxNumber = 75
	Free      = 0
)

var ErrInvalidCard = errors.New("invalid card")

// Card 5x5 卡面，Grid 按行展开（index = row*5 + col），中心格为 Free
type Card struct {
	ID   int        `json:"id"`
	Grid [Cells]int `json:"grid"`
}

// ColumnRange 返回列的取值区间：B 1-15, I 16-30, N 31-45, G 46-60, O 61-75
func ColumnRange(col int) (lo, hi int) {
	return col*15 + 1, col*15 + 15
}

func NewCard(id int, grid [Cells]int) (Card, error) {
	c := Card{ID: id, Grid: grid}
	c.Grid[FreeCell] = Free
	if err := c.Validate(); err != nil {
		return Card{}, err
	}
	return c, nil
}

// Validate 检查每列数字范围及卡面内唯一性
func (c Card) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: card id %d", ErrInvalidCard, c.ID)
	}
	seen := make(map[int]struct{}, Cells)
	for i, n := range c.Grid {
		if i == FreeCell {
			if n != Free {
				return fmt.Errorf("%w: card %d center must be free", ErrInvalidCard, c.ID)
			}
			continue
		}
		lo, hi := ColumnRange(i % Size)
		if n < lo || n > hi {
			return fmt.Errorf("%w: card %d cell %d value %d outside %d-%d", ErrInvalidCard, c.ID, i, n, lo, hi)
		}
		if _, dup := seen[n]; dup {
			return fmt.Errorf("%w: card %d repeats %d", ErrInvalidCard, c.ID, n)
		}
		seen[n] = struct{}{}
	}
	return nil
}

// At 取 (row, col) 的数字
func (c Card) At(row, col int) int {
	return c.Grid[row*Size+col]
}

// Rows 以二维形式返回，供前端渲染
func (c Card) Rows() [][]int {
	out := make([][]int, Size)
	for r := 0; r < Size; r++ {
		out[r] = append([]int(nil), c.Grid[r*Size:(r+1)*Size]...)
	}
	return out
}

func (c Card) String() string {
	return fmt.Sprintf("card#%d%v", c.ID, c.Rows())
}
