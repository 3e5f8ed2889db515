package dispatch

import (
	"container/heap"

	"outreach/internal/model"
)

// slot is one eligible account while a batch is being assigned.
type slot struct {
	acc  model.Account
	used int
	seq  int
}

func (s *slot) hasQuota() bool { return s.used < s.acc.DailyLimit }

// pool orders accounts by quota used today, then by creation order, so the
// least-used account always sends next and equal accounts take turns.
type pool []*slot

func (p pool) Len() int { return len(p) }

func (p pool) Less(i, j int) bool {
	if p[i].used != p[j].used {
		return p[i].used < p[j].used
	}
	return p[i].seq < p[j].seq
}

func (p pool) Swap(i, j int) { p[i], p[j] = p[j], p[i] }

func (p *pool) Push(x any) { *p = append(*p, x.(*slot)) }

func (p *pool) Pop() any {
	old := *p
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*p = old[:n-1]
	return s
}

func newPool(slots []*slot) *pool {
	p := pool(slots)
	heap.Init(&p)
	return &p
}

func (p *pool) next() *slot { return heap.Pop(p).(*slot) }

func (p *pool) put(s *slot) { heap.Push(p, s) }
