package crdt

import (
	"collabSync/backend/internal/delta"
)

// Buffer 保存副本物化后的可见文本。
//
// 序列结构（含墓碑）只决定一个字符排在哪，buffer 只关心可见字符本身：
// 每次合并更新，副本把可见位置上的 delta 交给 Apply，Len/String 就始终与
// 序列里未删除的字符一致。默认实现是 PieceTable，大文档下插入只追加 add 区。
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

var _ Buffer = (*PieceTable)(nil)

// newBuffer 用快照里的可见文本初始化 buffer
func newBuffer(text string) Buffer { return NewPieceTable(text) }
