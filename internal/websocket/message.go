package websocket

type OutgoingMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type IncomingMessage struct {
	From  string `json:"from"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Broadcaster 业务层只依赖广播能力
type Broadcaster interface {
	BroadcastToPlayers(ids []string, msg OutgoingMessage)
}

// Batch 事务内暂存的消息，事务提交后统一发送
type Batch struct {
	items []batchItem
}

type batchItem struct {
	to  []string
	msg OutgoingMessage
}

func (b *Batch) Add(to []string, event string, data any) {
	b.items = append(b.items, batchItem{to: to, msg: OutgoingMessage{Event: event, Data: data}})
}

func (b *Batch) Len() int { return len(b.items) }

func (b *Batch) Send(hub Broadcaster) {
	for _, it := range b.items {
		if len(it.to) > 0 {
			hub.BroadcastToPlayers(it.to, it.msg)
		}
	}
	b.items = nil
}
