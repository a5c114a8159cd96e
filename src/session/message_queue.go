package session

import (
	"errors"
	"sync"

	"github.com/nhirsama/Goster-RC/src/inter"
)

// MessageQueue 每台设备一个有界通知队列
type MessageQueue struct {
	queues   sync.Map
	capacity int
}

func NewMessageQueue(cap int) inter.MessageQueue {
	if cap <= 0 {
		cap = 1
	}
	return &MessageQueue{
		capacity: cap,
	}
}

func (m *MessageQueue) Push(deviceID string, payload []byte) error {
	actual, _ := m.queues.LoadOrStore(deviceID, make(chan []byte, m.capacity))
	q := actual.(chan []byte)

	select {
	case q <- payload:
		return nil
	default:
		// 队列满策略：丢弃最早的一条并压入新数据
		select {
		case <-q:
		default:
		}

		select {
		case q <- payload:
			return nil
		default:
			return errors.New("队列已满且无法清理")
		}
	}
}

func (m *MessageQueue) Pop(deviceID string) ([]byte, bool) {
	actual, exists := m.queues.Load(deviceID)
	if !exists {
		return nil, false
	}
	q := actual.(chan []byte)
	select {
	case msg := <-q:
		return msg, true
	default:
		return nil, false
	}
}

func (m *MessageQueue) IsEmpty(deviceID string) bool {
	actual, exists := m.queues.Load(deviceID)
	if !exists {
		return true
	}
	q := actual.(chan []byte)
	return len(q) == 0
}
