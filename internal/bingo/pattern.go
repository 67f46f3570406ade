package bingo

type PatternType string

const (
	Horizontal PatternType = "horizontal"
	Vertical   PatternType = "vertical"
	Diagonal   PatternType = "diagonal"
	Corners    PatternType = "corners"
	Square     PatternType = "square"
	FullHouse  PatternType = "full_house"
)

func (t PatternType) Valid() bool {
	switch t {
	case Horizontal, Vertical, Diagonal, Corners, Square, FullHouse:
		return true
	}
	return false
}

// Match 一个已完成的图案，Index 为同类型内的序号（第几行/列/对角线/方块）
type Match struct {
	Type  PatternType `json:"type"`
	Index int         `json:"index"`
	Cells []int       `json:"cells"`
}

type pattern struct {
	typ   PatternType
	index int
	cells []int
}

// patterns 固定优先级：行 → 列 → 对角线 → 四角 → 2x2 方块 → 全盘
var patterns = buildPatterns()

// 方块：四个象限 + 中心（中心 3x3 的四个角）
var squares = [][]int{
	{0, 1, 5, 6},
	{3, 4, 8, 9},
	{15, 16, 20, 21},
	{18, 19, 23, 24},
	{6, 8, 16, 18},
}

func buildPatterns() []pattern {
	ps := make([]pattern, 0, 19)
	for r := 0; r < Size; r++ {
		cells := make([]int, 0, Size)
		for c := 0; c < Size; c++ {
			cells = append(cells, r*Size+c)
		}
		ps = append(ps, pattern{Horizontal, r, cells})
	}
	for c := 0; c < Size; c++ {
		cells := make([]int, 0, Size)
		for r := 0; r < Size; r++ {
			cells = append(cells, r*Size+c)
		}
		ps = append(ps, pattern{Vertical, c, cells})
	}
	diag, anti := make([]int, 0, Size), make([]int, 0, Size)
	for i := 0; i < Size; i++ {
		diag = append(diag, i*Size+i)
		anti = append(anti, i*Size+(Size-1-i))
	}
	ps = append(ps, pattern{Diagonal, 0, diag}, pattern{Diagonal, 1, anti})
	ps = append(ps, pattern{Corners, 0, []int{0, Size - 1, Cells - Size, Cells - 1}})
	for i, sq := range squares {
		ps = append(ps, pattern{Square, i, sq})
	}
	all := make([]int, Cells)
	for i := range all {
		all[i] = i
	}
	return append(ps, pattern{FullHouse, 0, all})
}

// Marked 计算每个格子是否已被标记；中心格总是标记
func Marked(card Card, drawn []int) [Cells]bool {
	set := make(map[int]struct{}, len(drawn))
	for _, n := range drawn {
		set[n] = struct{}{}
	}
	var out [Cells]bool
	for i, n := range card.Grid {
		if i == FreeCell {
			out[i] = true
			continue
		}
		_, out[i] = set[n]
	}
	return out
}

// Evaluate 纯函数：按固定优先级返回卡面上所有已完成的图案
func Evaluate(card Card, drawn []int) []Match {
	marked := Marked(card, drawn)
	var out []Match
	for _, p := range patterns {
		if complete(marked, p.cells) {
			out = append(out, Match{
				Type:  p.typ,
				Index: p.index,
				Cells: append([]int(nil), p.cells...),
			})
		}
	}
	return out
}

func complete(marked [Cells]bool, cells []int) bool {
	for _, i := range cells {
		if !marked[i] {
			return false
		}
	}
	return true
}

// Canonical 返回优先级最高的匹配（多图案同时完成时的胜利类型）
func Canonical(matches []Match) (Match, bool) {
	if len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// Find 在匹配列表中查找指定类型的首个匹配
func Find(matches []Match, t PatternType) (Match, bool) {
	for _, m := range matches {
		if m.Type == t {
			return m, true
		}
	}
	return Match{}, false
}
