package crdt

import (
	"fmt"
	"maps"
	"sort"
	"strings"
)

// ID identifies one element (or one formatting stamp) across all replicas.
// Clock is a Lamport timestamp; Client is the origin marker of the creator.
type ID struct {
	Clock  uint64 `json:"c"`
	Client string `json:"r"`
}

// head is the virtual element every document starts from.
var head = ID{}

func (a ID) IsZero() bool { return a.Clock == 0 && a.Client == "" }

// Less orders IDs by clock, then by client.
func (a ID) Less(b ID) bool {
	if a.Clock != b.Clock {
		return a.Clock < b.Clock
	}
	return a.Client < b.Client
}

func (a ID) String() string { return fmt.Sprintf("%d@%s", a.Clock, a.Client) }

// StateVector maps an origin marker to the highest contiguous sequence number
// incorporated from that origin.
type StateVector map[string]uint64

func (sv StateVector) Clone() StateVector {
	if sv == nil {
		return StateVector{}
	}
	return maps.Clone(sv)
}

// Covers reports whether sv has incorporated everything other has.
func (sv StateVector) Covers(other StateVector) bool {
	for c, n := range other {
		if sv[c] < n {
			return false
		}
	}
	return true
}

// Sum is the total number of updates summarized by sv. It is used as a
// monotonically growing revision number for persisted records.
func (sv StateVector) Sum() uint64 {
	var n uint64
	for _, v := range sv {
		n += v
	}
	return n
}

func (sv StateVector) String() string {
	keys := make([]string, 0, len(sv))
	for k := range sv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%d", k, sv[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
