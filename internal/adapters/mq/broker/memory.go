package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/reelpulse/pkg/logger"
	"github.com/okian/reelpulse/pkg/metrics"
)

// Memory is an in-process Broker: each topic is a set of partition logs,
// each group keeps committed offsets per partition.
type Memory struct {
	mu          sync.Mutex
	topics      map[string]*topicLog
	partitions  int
	maxRetained int
	balancer    kafka.Balancer
	ids         []int
	logger      logger.Logger
	closed      bool
}

type topicLog struct {
	name   string
	parts  []*partitionLog
	groups map[string]*group
	wake   chan struct{}
}

type partitionLog struct {
	base int64 // offset of msgs[0]
	msgs []Message
}

func (p *partitionLog) end() int64 { return p.base + int64(len(p.msgs)) }

type group struct {
	id        string
	committed []int64
	members   []*memorySubscriber
	// holder[p] fetched from p and has not committed it yet. A new owner of
	// p waits until the holder commits, fetches again or closes.
	holder []*memorySubscriber
}

// NewMemory creates an in-process broker.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		topics:      make(map[string]*topicLog),
		partitions:  defaultPartitions,
		maxRetained: defaultMaxRetained,
		balancer:    &kafka.Hash{},
		logger:      logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ids = make([]int, m.partitions)
	for i := range m.ids {
		m.ids[i] = i
	}
	return m
}

// Partition returns the partition a key is routed to.
func (m *Memory) Partition(key string) int {
	return m.balancer.Balance(kafka.Message{Key: []byte(key)}, m.ids...)
}

// topic must be called with m.mu held.
func (m *Memory) topic(name string) *topicLog {
	t, ok := m.topics[name]
	if !ok {
		t = &topicLog{
			name:   name,
			parts:  make([]*partitionLog, m.partitions),
			groups: make(map[string]*group),
			wake:   make(chan struct{}),
		}
		for i := range t.parts {
			t.parts[i] = &partitionLog{}
		}
		m.topics[name] = t
	}
	return t
}

// notify wakes every blocked Fetch on t. Must be called with m.mu held.
func (t *topicLog) notify() {
	close(t.wake)
	t.wake = make(chan struct{})
}

func (m *Memory) Publish(ctx context.Context, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	touched := make(map[*topicLog]struct{})
	now := time.Now()
	for i := range msgs {
		msg := msgs[i]
		if msg.Topic == "" {
			return ErrInvalidTopic
		}
		t := m.topic(msg.Topic)
		p := m.Partition(msg.Key)
		pl := t.parts[p]

		msg.Partition = p
		msg.Offset = pl.end()
		if msg.Time.IsZero() {
			msg.Time = now
		}
		pl.msgs = append(pl.msgs, msg)
		if over := len(pl.msgs) - m.maxRetained; over > 0 {
			m.trim(t, p, over)
		}
		touched[t] = struct{}{}
	}
	for t := range touched {
		t.notify()
	}
	return nil
}

// trim drops the n oldest messages of partition p and reports, per group,
// the ones it never committed. Must be called with m.mu held.
func (m *Memory) trim(t *topicLog, p, n int) {
	pl := t.parts[p]
	oldBase := pl.base
	pl.msgs = pl.msgs[n:]
	pl.base += int64(n)

	for _, g := range t.groups {
		from := g.committed[p]
		if from < oldBase {
			from = oldBase
		}
		lost := pl.base - from
		if lost <= 0 {
			continue
		}
		g.committed[p] = pl.base
		metrics.RecordBrokerRetentionDropped(t.name, g.id, int(lost))
		m.logger.Warn(context.Background(), "retention dropped uncommitted messages",
			logger.String("topic", t.name),
			logger.String("group", g.id),
			logger.Int("partition", p),
			logger.Int64("count", lost),
		)
	}
}

func (m *Memory) Subscribe(_ context.Context, topicName, groupID string) (Subscriber, error) {
	if topicName == "" {
		return nil, ErrInvalidTopic
	}
	if groupID == "" {
		return nil, ErrInvalidGroup
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	t := m.topic(topicName)
	g, ok := t.groups[groupID]
	if !ok {
		g = &group{
			id:        groupID,
			committed: make([]int64, m.partitions),
			holder:    make([]*memorySubscriber, m.partitions),
		}
		for i, p := range t.parts {
			g.committed[i] = p.base
		}
		t.groups[groupID] = g
	}

	s := &memorySubscriber{
		broker:   m,
		topic:    t,
		group:    g,
		name:     fmt.Sprintf("%s/%s", topicName, groupID),
		next:     make(map[int]int64),
		inflight: make(map[int]int64),
	}
	g.members = append(g.members, s)
	t.rebalance(g)
	return s, nil
}

// rebalance spreads partitions over the group's members. A member that
// keeps a partition keeps its position; a new owner starts from the
// committed offset once the previous holder lets go. Must be called with
// m.mu held.
func (t *topicLog) rebalance(g *group) {
	n := len(g.members)
	for i, s := range g.members {
		next := make(map[int]int64)
		s.owned = s.owned[:0]
		for p := range g.committed {
			if p%n != i {
				continue
			}
			s.owned = append(s.owned, p)
			if off, ok := s.next[p]; ok {
				next[p] = off
			} else {
				next[p] = g.committed[p]
			}
		}
		s.next = next
		s.cursor = 0
	}
	t.notify()
}

// release drops the holds s has on partitions it no longer owns, or on
// every partition when all is set.
// Must be called with m.mu held.
func (s *memorySubscriber) release(all bool) {
	released := false
	for p := range s.inflight {
		if _, owned := s.next[p]; owned && !all {
			continue
		}
		delete(s.inflight, p)
		if s.group.holder[p] == s {
			s.group.holder[p] = nil
			released = true
		}
	}
	if released {
		s.topic.notify()
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, t := range m.topics {
		t.notify()
	}
	return nil
}

type memorySubscriber struct {
	broker *Memory
	topic  *topicLog
	group  *group
	name   string
	owned  []int
	next   map[int]int64
	// inflight is the last fetched, uncommitted offset per partition.
	inflight map[int]int64
	cursor   int
	closed   bool
}

func (s *memorySubscriber) Fetch(ctx context.Context) (Message, error) {
	m := s.broker
	for {
		m.mu.Lock()
		if s.closed || m.closed {
			m.mu.Unlock()
			return Message{}, ErrClosed
		}
		s.release(false)
		if msg, ok := s.poll(); ok {
			m.mu.Unlock()
			return msg, nil
		}
		wake := s.topic.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		}
	}
}

// poll returns the next message from the owned partitions, rotating the
// starting partition so one busy partition cannot starve the others.
// Partitions another member still holds are skipped. Must be called with
// the broker lock held.
func (s *memorySubscriber) poll() (Message, bool) {
	g := s.group
	for i := 0; i < len(s.owned); i++ {
		p := s.owned[(s.cursor+i)%len(s.owned)]
		if h := g.holder[p]; h != nil && h != s {
			continue
		}
		pl := s.topic.parts[p]
		off := max(s.next[p], g.committed[p], pl.base)
		if off >= pl.end() {
			continue
		}
		s.next[p] = off + 1
		s.inflight[p] = off
		g.holder[p] = s
		s.cursor = (s.cursor + i + 1) % len(s.owned)
		return pl.msgs[off-pl.base], true
	}
	return Message{}, false
}

func (s *memorySubscriber) Commit(_ context.Context, msgs ...Message) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed || m.closed {
		return ErrClosed
	}
	for _, msg := range msgs {
		if msg.Partition < 0 || msg.Partition >= len(s.group.committed) {
			return fmt.Errorf("%s: commit on unknown partition %d", s.name, msg.Partition)
		}
		p := msg.Partition
		if next := msg.Offset + 1; next > s.group.committed[p] {
			s.group.committed[p] = next
		}
		if off, ok := s.inflight[p]; ok && s.group.committed[p] > off {
			delete(s.inflight, p)
			if s.group.holder[p] == s {
				s.group.holder[p] = nil
				s.topic.notify()
			}
		}
	}
	return nil
}

func (s *memorySubscriber) Close() error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.release(true)

	members := s.group.members[:0]
	for _, other := range s.group.members {
		if other != s {
			members = append(members, other)
		}
	}
	s.group.members = members
	if len(members) > 0 {
		s.topic.rebalance(s.group)
	} else {
		s.topic.notify()
	}
	return nil
}
