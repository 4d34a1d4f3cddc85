package crdt

import "errors"

var (
	// ErrMalformedDelta: 编辑器给出的 delta 无法编码成更新
	ErrMalformedDelta = errors.New("MALFORMED_DELTA")
	// ErrMalformedUpdate: 结构非法的更新，丢弃并请求重新同步
	ErrMalformedUpdate = errors.New("MALFORMED_UPDATE")
	// ErrMalformedSnapshot: 无法解码或自相矛盾的快照
	ErrMalformedSnapshot = errors.New("MALFORMED_SNAPSHOT")
)
