package ws

import (
	"time"

	"collabSync/backend/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
	sendBuffer     = 64
)

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

var _ OutboundMessage = protocol.Message{}

func encodeOutbound(msg OutboundMessage) ([]byte, error) {
	return protocol.Encode(msg.(protocol.Message))
}
