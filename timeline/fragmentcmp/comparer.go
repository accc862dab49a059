// Package fragmentcmp implements FragmentIdComparer: a dynamic partial
// order over fragment ids, rebuilt whenever fragment links change. It is
// process-wide shared state (spec.md §5) and must only be mutated after the
// transaction that produced a change has committed, using the
// changedFragments list GapWriter returns — never during the transaction
// itself, since a later abort would otherwise leave the comparer
// inconsistent with storage.
package fragmentcmp

import (
	"context"
	"fmt"
	"sync"

	"github.com/initiative-elysion/hydrogen-web/timeline"
)

// Source fetches a fragment by id, read-only. The comparer uses it to walk
// a changed fragment's chain when rebuilding; it is satisfied by a small
// adapter, e.g. one wrapping a storage.Database in a short-lived read
// transaction. tables.TimelineFragments does not satisfy it directly, since
// its lookup method is Get rather than GetFragment.
type Source interface {
	GetFragment(ctx context.Context, roomID string, id int64) (*timeline.Fragment, error)
}

// Comparer is a single-writer, many-reader partial order over fragment ids
// within a room. Two fragment ids are comparable only once a chain of links
// connects them; until then Compare reports "incomparable" rather than
// guessing.
type Comparer struct {
	mu     sync.RWMutex
	rank   map[string]map[int64]int64 // roomID -> fragmentID -> rank in chain
	chain  map[string]map[int64]int64 // roomID -> fragmentID -> chain id
	nextID int64
}

// New returns an empty Comparer.
func New() *Comparer {
	return &Comparer{
		rank:  make(map[string]map[int64]int64),
		chain: make(map[string]map[int64]int64),
	}
}

// Compare returns the sign of rank(a) - rank(b) when a and b are known to be
// in the same linked chain within roomID. The second return value is false
// ("incomparable") when no link chain connects them yet.
func (c *Comparer) Compare(roomID string, a, b int64) (sign int, comparable bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if a == b {
		return 0, true
	}
	ranks := c.rank[roomID]
	chains := c.chain[roomID]
	if ranks == nil {
		return 0, false
	}
	ca, aok := chains[a]
	cb, bok := chains[b]
	if !aok || !bok || ca != cb {
		return 0, false
	}
	ra, rb := ranks[a], ranks[b]
	switch {
	case ra < rb:
		return -1, true
	case ra > rb:
		return 1, true
	default:
		return 0, true
	}
}

// Update rebuilds the ranking for every chain touched by changed, fetching
// neighbours through source as needed. Rebuilding is O(n) over the touched
// chains: each fragment is visited at most once per Update call regardless
// of how many entries in changed belong to the same chain.
func (c *Comparer) Update(ctx context.Context, roomID string, changed []*timeline.Fragment, source Source) error {
	if len(changed) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ranks, ok := c.rank[roomID]
	if !ok {
		ranks = make(map[int64]int64)
		c.rank[roomID] = ranks
	}
	chains, ok := c.chain[roomID]
	if !ok {
		chains = make(map[int64]int64)
		c.chain[roomID] = chains
	}

	visited := make(map[int64]bool)
	for _, f := range changed {
		if f == nil || visited[f.ID] {
			continue
		}
		if err := c.rebuildChain(ctx, roomID, f.ID, source, ranks, chains, visited); err != nil {
			return err
		}
	}
	return nil
}

func (c *Comparer) rebuildChain(ctx context.Context, roomID string, start int64, source Source, ranks, chains map[int64]int64, visited map[int64]bool) error {
	fragments := make(map[int64]*timeline.Fragment)
	get := func(id int64) (*timeline.Fragment, error) {
		if f, ok := fragments[id]; ok {
			return f, nil
		}
		f, err := source.GetFragment(ctx, roomID, id)
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, fmt.Errorf("%w: fragment %d in room %s", timeline.ErrUnknownFragment, id, roomID)
		}
		fragments[id] = f
		return f, nil
	}

	head, err := get(start)
	if err != nil {
		return err
	}
	// Walk to the start of the chain. A fragment chain is a simple
	// doubly-linked list by invariant (no self-links, previous/next mutually
	// consistent); the walked set guards against treating a corrupted cycle
	// as an infinite chain.
	walked := map[int64]bool{head.ID: true}
	for head.Previous != nil {
		prev, err := get(*head.Previous)
		if err != nil {
			return err
		}
		if walked[prev.ID] {
			break
		}
		walked[prev.ID] = true
		head = prev
	}

	chainID := c.nextID
	c.nextID++

	var rank int64
	cur := head
	seen := map[int64]bool{}
	for {
		ranks[cur.ID] = rank
		chains[cur.ID] = chainID
		visited[cur.ID] = true
		seen[cur.ID] = true
		rank++

		if cur.Next == nil || seen[*cur.Next] {
			break
		}
		next, err := get(*cur.Next)
		if err != nil {
			return err
		}
		cur = next
	}
	return nil
}
