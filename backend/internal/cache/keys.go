package cache

import "fmt"

// 键语义：
// - sessionsKey(docID): 文档上的活跃会话（ZSet<sessionID, expireAtUnix>，score=expireAt）
// - nodesKey(docID):    会话所在节点（Hash<sessionID -> nodeID>）
// - docsKey():          有活跃会话的文档索引（Set<docID>）

const (
	keySessionsFmt = "collab:sessions:{docID:%s}"       // ZSet<sessionID, expireAtUnix>
	keyNodesFmt    = "collab:sessions:nodes:{docID:%s}" // Hash<sessionID -> nodeID>
	keyDocsSet     = "collab:docs"                      // Set<docID>
)

func sessionsKey(docID string) string { return fmt.Sprintf(keySessionsFmt, docID) }
func nodesKey(docID string) string    { return fmt.Sprintf(keyNodesFmt, docID) }
func docsKey() string                 { return keyDocsSet }
