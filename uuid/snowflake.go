package uuid

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"
)

const (
	//序列号范围
	SeqNumBits uint8 = 12
	SeqNumMax  int64 = -1 ^ (-1 << SeqNumBits)
	//机器范围
	NodeBits uint8 = 10
	NodeMax  int64 = -1 ^ (-1 << NodeBits)
	// 2020-01-01T00:00:00Z
	Epoch int64 = 1577836800000

	timeBits = SeqNumBits + NodeBits
	// ids are rendered with a fixed width so lexical order equals numeric order
	idWidth = 19
)

// Generator 雪花算法: 41 位毫秒时间 | 10 位机器号 | 12 位序列号
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	now      func() time.Time
	lastTime int64
	sequence int64
}

func NewGenerator(nodeID int64) (*Generator, error) {
	if nodeID > NodeMax || nodeID < 0 {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeID, NodeMax)
	}
	return &Generator{nodeID: nodeID, now: time.Now}, nil
}

// NodeID derives a node id from a stable name such as an instance id.
func NodeID(name string) int64 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return int64(h.Sum32()) & NodeMax
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli() - Epoch
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.millis()
	if now < g.lastTime {
		// clock moved backwards, stay on the last timestamp
		now = g.lastTime
	}
	if now == g.lastTime {
		// 同一毫秒内递增序列号, 用尽后等待下一毫秒
		g.sequence = (g.sequence + 1) & SeqNumMax
		if g.sequence == 0 {
			for now <= g.lastTime {
				time.Sleep(100 * time.Microsecond)
				now = g.millis()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now
	return (now << timeBits) | (g.nodeID << SeqNumBits) | g.sequence
}

// NextString returns Next as a zero padded decimal.
func (g *Generator) NextString() string {
	return Format(g.Next())
}

func Format(id int64) string {
	s := strconv.FormatInt(id, 10)
	for len(s) < idWidth {
		s = "0" + s
	}
	return s
}
