// Package mempool is a reference implementation of the Mempool
// collaborator spec.md §6 defines as external: a per-sender store of
// validated UserOperations that the Bundle Manager drains in
// priority order, per spec.md §2/§4.2.
//
// The per-sender map-of-slices-plus-global-heap shape mirrors the
// teacher's transaction pool queue manager and priority queue; effective
// tip computation (min(maxPriorityFeePerGas, maxFeePerGas-baseFee), or
// a legacy-style flat fee when baseFee is nil) is the same rule the
// teacher's EffectiveTipCalculator applies to ordinary transactions.
package mempool

import (
	"container/heap"
	"context"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/eth2030/bundler/userop"
)

// Pool errors.
var (
	ErrDuplicateOp  = errors.New("mempool: UserOperation with this sender/nonce already queued")
	ErrSenderLimit  = errors.New("mempool: sender has reached its queued UserOperation limit")
	ErrOpNotFound   = errors.New("mempool: UserOperation not found")
)

// DefaultMaxOpsPerSender bounds how many UserOperations a single sender
// may have queued at once, mirroring the teacher's per-account queue
// capacity limit.
const DefaultMaxOpsPerSender = 4

// EffectiveTip computes a UserOperation's priority for block-building
// purposes: min(maxPriorityFeePerGas, maxFeePerGas - baseFee) when
// baseFee is known, or the flat maxFeePerGas otherwise.
func EffectiveTip(op *userop.UserOperation, baseFee *big.Int) *big.Int {
	if baseFee == nil {
		if op.MaxFeePerGas == nil {
			return new(big.Int)
		}
		return new(big.Int).Set(op.MaxFeePerGas)
	}
	if op.MaxFeePerGas == nil || op.MaxPriorityFeePerGas == nil {
		return new(big.Int)
	}
	headroom := new(big.Int).Sub(op.MaxFeePerGas, baseFee)
	if headroom.Sign() < 0 {
		return new(big.Int)
	}
	if op.MaxPriorityFeePerGas.Cmp(headroom) < 0 {
		return new(big.Int).Set(op.MaxPriorityFeePerGas)
	}
	return headroom
}

type entry struct {
	op    *userop.UserOperation
	tip   *big.Int
	index int
}

// tipHeap is a max-heap by effective tip, mirroring the teacher's
// tipHeap for ordinary transactions.
type tipHeap []*entry

func (h tipHeap) Len() int { return len(h) }
func (h tipHeap) Less(i, j int) bool {
	cmp := h[i].tip.Cmp(h[j].tip)
	if cmp != 0 {
		return cmp > 0
	}
	return h[i].op.Nonce.Cmp(h[j].op.Nonce) < 0
}
func (h tipHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *tipHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *tipHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Pool is an in-memory, priority-ordered store of validated
// UserOperations awaiting bundling, per spec.md §2's Mempool
// collaborator. Safe for concurrent use.
type Pool struct {
	mu            sync.Mutex
	heap          tipHeap
	bySenderNonce map[common.Address]map[string]*entry
	maxPerSender  int
	baseFee       *big.Int
}

// New builds an empty Pool.
func New() *Pool {
	return &Pool{
		bySenderNonce: make(map[common.Address]map[string]*entry),
		maxPerSender:  DefaultMaxOpsPerSender,
	}
}

// SetBaseFee updates the base fee used to compute effective tips for
// future Add/GetUserOperationsToBundle calls.
func (p *Pool) SetBaseFee(baseFee *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseFee = baseFee
}

// Add inserts a validated UserOperation into the pool, rejecting a
// duplicate sender/nonce pair and enforcing the per-sender cap.
func (p *Pool) Add(op *userop.UserOperation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	nonceKey := op.Nonce.String()
	bySender, ok := p.bySenderNonce[op.Sender]
	if !ok {
		bySender = make(map[string]*entry)
		p.bySenderNonce[op.Sender] = bySender
	}
	if _, exists := bySender[nonceKey]; exists {
		return ErrDuplicateOp
	}
	if len(bySender) >= p.maxPerSender {
		return ErrSenderLimit
	}

	e := &entry{op: op, tip: EffectiveTip(op, p.baseFee)}
	bySender[nonceKey] = e
	heap.Push(&p.heap, e)
	return nil
}

// Remove drops the given sender/nonce UserOperation from the pool. The
// Bundle Manager does not call it: ops it bundles have already been
// taken out by GetUserOperationsToBundle.
func (p *Pool) Remove(sender common.Address, nonce *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	bySender, ok := p.bySenderNonce[sender]
	if !ok {
		return ErrOpNotFound
	}
	nonceKey := nonce.String()
	e, ok := bySender[nonceKey]
	if !ok {
		return ErrOpNotFound
	}
	delete(bySender, nonceKey)
	if len(bySender) == 0 {
		delete(p.bySenderNonce, sender)
	}
	heap.Remove(&p.heap, e.index)
	return nil
}

// GetUserOperationsToBundle drains up to maxOps UserOperations from the
// pool in descending effective-tip order, per spec.md §2/§4.2: this is
// the Bundle Manager's sole read path into the Mempool. Returned
// UserOperations are removed from the pool; callers that fail to
// include one in the submitted bundle are responsible for re-Adding it
// if retry is desired (the core core never implicitly retries
// evicted ops, per spec.md §4.2 step 6 leaving eviction permanent).
func (p *Pool) GetUserOperationsToBundle(ctx context.Context, maxOps int) ([]*userop.UserOperation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxOps <= 0 || maxOps > p.heap.Len() {
		maxOps = p.heap.Len()
	}
	out := make([]*userop.UserOperation, 0, maxOps)
	for i := 0; i < maxOps; i++ {
		e := heap.Pop(&p.heap).(*entry)
		bySender := p.bySenderNonce[e.op.Sender]
		delete(bySender, e.op.Nonce.String())
		if len(bySender) == 0 {
			delete(p.bySenderNonce, e.op.Sender)
		}
		out = append(out, e.op)
	}
	return out, nil
}

// Len reports how many UserOperations are currently queued.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.heap.Len()
}
