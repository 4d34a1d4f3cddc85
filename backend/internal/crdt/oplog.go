package crdt

// opLog 是已应用更新的有界环形缓冲，用于给落后的副本做增量追平。
// 被淘汰的更新会推高该来源的 floor：floor 以下的序号不再能从日志中取到。
type opLog struct {
	entries  []*Update
	capacity int
	floor    StateVector
}

const defaultLogCapacity = 4096

func newOpLog(capacity int) *opLog {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &opLog{
		entries:  make([]*Update, 0, min(capacity, 256)),
		capacity: capacity,
		floor:    StateVector{},
	}
}

func (l *opLog) append(u *Update) {
	// 达到容量则丢弃最老的一条
	if len(l.entries) == l.capacity {
		old := l.entries[0]
		if old.Seq > l.floor[old.Origin] {
			l.floor[old.Origin] = old.Seq
		}
		copy(l.entries[0:], l.entries[1:])
		l.entries[len(l.entries)-1] = nil
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, u)
}

// raiseFloor records that updates up to n from origin were incorporated
// without passing through the log (for example from a snapshot).
func (l *opLog) raiseFloor(origin string, n uint64) {
	if n > l.floor[origin] {
		l.floor[origin] = n
	}
}

// since returns the logged updates a peer at sv is missing, in application order.
func (l *opLog) since(sv StateVector) []*Update {
	var out []*Update
	for _, u := range l.entries {
		if u.Seq > sv[u.Origin] {
			out = append(out, u)
		}
	}
	return out
}

func (l *opLog) len() int { return len(l.entries) }
