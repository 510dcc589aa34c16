// Package framegraph orders the frames of a lesson into a playable chain.
//
// A frame names at most one predecessor and the storage layer keeps that
// back-reference unique, so the frames of a lesson form disjoint simple chains.
// Graph keeps a successor index per lesson so resolving the next frame is a map
// lookup, and runs every chain mutation under a lesson-scoped lock.
package framegraph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/p-n-ai/pai-play/internal/apperr"
	"github.com/p-n-ai/pai-play/internal/content"
	"github.com/p-n-ai/pai-play/internal/platform/lock"
)

// defaultIndexTTL bounds how long an index built from another instance's view
// of the store is trusted. Mutations through this Graph invalidate immediately.
const defaultIndexTTL = 30 * time.Second

// Removal describes a frame removed from a chain and the neighbours it had.
type Removal struct {
	Frame      content.Frame
	PreviousID string
	NextID     string
}

// Replacement is the frame that takes over the removed frame's place for
// players positioned on it: the successor, or the predecessor at the chain end.
func (r Removal) Replacement() string {
	if r.NextID != "" {
		return r.NextID
	}
	return r.PreviousID
}

// RemoveHook runs under the lesson lock after a frame has been deleted.
type RemoveHook func(ctx context.Context, r Removal) error

// Graph resolves and mutates frame chains.
type Graph struct {
	store  content.Store
	locker lock.Locker
	ttl    time.Duration
	hooks  []RemoveHook

	mu      sync.RWMutex
	indexes map[string]*index
}

// New creates a Graph over store. Mutations are serialized per lesson through locker.
func New(store content.Store, locker lock.Locker) *Graph {
	return &Graph{
		store:   store,
		locker:  locker,
		ttl:     defaultIndexTTL,
		indexes: make(map[string]*index),
	}
}

// OnRemove registers a hook run after each frame removal.
func (g *Graph) OnRemove(h RemoveHook) {
	g.hooks = append(g.hooks, h)
}

// index is the adjacency view of one lesson.
type index struct {
	frames  map[string]content.Frame
	next    map[string]string // predecessor id -> successor id
	heads   []string
	err     error // integrity violation found while building
	builtAt time.Time
}

func buildIndex(lessonID string, frames []content.Frame) *index {
	const op = "framegraph.index"
	idx := &index{
		frames:  make(map[string]content.Frame, len(frames)),
		next:    make(map[string]string, len(frames)),
		builtAt: time.Now(),
	}
	for _, f := range frames {
		idx.frames[f.ID] = f
	}
	for _, f := range frames {
		if f.PreviousFrameID == "" {
			idx.heads = append(idx.heads, f.ID)
			continue
		}
		if _, ok := idx.frames[f.PreviousFrameID]; !ok {
			idx.err = apperr.InvalidState(op, "lesson %s: frame %s follows %s outside the lesson", lessonID, f.ID, f.PreviousFrameID)
			continue
		}
		if other, ok := idx.next[f.PreviousFrameID]; ok {
			idx.err = apperr.InvalidState(op, "lesson %s: frames %s and %s both follow %s", lessonID, other, f.ID, f.PreviousFrameID)
			continue
		}
		idx.next[f.PreviousFrameID] = f.ID
	}
	if idx.err != nil {
		return idx
	}

	// With single links in each direction, frames unreachable from a head sit on a cycle.
	seen := 0
	for _, h := range idx.heads {
		for id := h; id != ""; id = idx.next[id] {
			seen++
		}
	}
	if seen != len(idx.frames) {
		idx.err = apperr.InvalidState(op, "lesson %s: %d frames sit on a cycle", lessonID, len(idx.frames)-seen)
	}
	return idx
}

// lessonIndex returns the cached index for a lesson, rebuilding when absent or expired.
func (g *Graph) lessonIndex(ctx context.Context, lessonID string) (*index, error) {
	g.mu.RLock()
	idx, ok := g.indexes[lessonID]
	g.mu.RUnlock()
	if ok && time.Since(idx.builtAt) < g.ttl {
		return idx, nil
	}
	return g.rebuild(ctx, lessonID)
}

func (g *Graph) rebuild(ctx context.Context, lessonID string) (*index, error) {
	frames, err := g.store.ListFrames(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	idx := buildIndex(lessonID, frames)

	g.mu.Lock()
	g.indexes[lessonID] = idx
	g.mu.Unlock()
	return idx, nil
}

// Invalidate drops the cached index for a lesson.
func (g *Graph) Invalidate(lessonID string) {
	g.mu.Lock()
	delete(g.indexes, lessonID)
	g.mu.Unlock()
}

// ResolveNext returns the frame following frameID, or "" when frameID is terminal.
func (g *Graph) ResolveNext(ctx context.Context, frameID string) (string, error) {
	f, err := g.store.GetFrame(ctx, frameID)
	if err != nil {
		return "", err
	}
	idx, err := g.lessonIndex(ctx, f.LessonID)
	if err != nil {
		return "", err
	}
	if idx.err != nil {
		return "", idx.err
	}
	return idx.next[frameID], nil
}

// ResolveChainHead returns the first frame of a lesson, or "" for a lesson without frames.
// More than one head is a broken chain and fails with InvalidState.
func (g *Graph) ResolveChainHead(ctx context.Context, lessonID string) (string, error) {
	idx, err := g.lessonIndex(ctx, lessonID)
	if err != nil {
		return "", err
	}
	return idx.head(lessonID)
}

func (idx *index) head(lessonID string) (string, error) {
	if idx.err != nil {
		return "", idx.err
	}
	switch len(idx.heads) {
	case 0:
		return "", nil
	case 1:
		return idx.heads[0], nil
	}
	return "", apperr.InvalidState("framegraph.ResolveChainHead",
		"lesson %s has %d chain heads %v", lessonID, len(idx.heads), idx.heads)
}

// Chain returns the frames of a lesson in play order.
func (g *Graph) Chain(ctx context.Context, lessonID string) ([]content.Frame, error) {
	idx, err := g.lessonIndex(ctx, lessonID)
	if err != nil {
		return nil, err
	}
	head, err := idx.head(lessonID)
	if err != nil {
		return nil, err
	}
	chain := make([]content.Frame, 0, len(idx.frames))
	for id := head; id != ""; id = idx.next[id] {
		chain = append(chain, idx.frames[id])
	}
	return chain, nil
}

// Link makes predecessorID the previous frame of successorID.
func (g *Graph) Link(ctx context.Context, predecessorID, successorID string) error {
	const op = "framegraph.Link"

	pred, err := g.store.GetFrame(ctx, predecessorID)
	if err != nil {
		return err
	}
	succ, err := g.store.GetFrame(ctx, successorID)
	if err != nil {
		return err
	}
	if pred.LessonID != succ.LessonID {
		return apperr.NotFound(op, "frame %s not found in lesson %s", successorID, pred.LessonID)
	}
	if pred.ID == succ.ID {
		return apperr.Conflict(op, "frame %s cannot follow itself", pred.ID)
	}

	return g.mutate(ctx, pred.LessonID, func(idx *index) error {
		if err := idx.require(op, predecessorID, successorID); err != nil {
			return err
		}
		succ := idx.frames[successorID]
		if succ.PreviousFrameID != "" {
			return apperr.Conflict(op, "frame %s already follows %s", successorID, succ.PreviousFrameID)
		}
		if other, ok := idx.next[predecessorID]; ok {
			return apperr.Conflict(op, "frame %s is already followed by %s", predecessorID, other)
		}
		// succ is a head, so the link closes a cycle only if pred already descends from it.
		steps := 0
		for id := predecessorID; id != "" && steps <= len(idx.frames); id = idx.frames[id].PreviousFrameID {
			steps++
			if id == successorID {
				return apperr.Conflict(op, "linking %s after %s would create a cycle", successorID, predecessorID)
			}
		}
		return g.store.ApplyChainEdit(ctx, content.ChainEdit{
			LessonID: pred.LessonID,
			Links:    []content.Link{{FrameID: successorID, PreviousID: predecessorID}},
		})
	})
}

// Unlink clears frameID's predecessor, making it a chain head. Re-threading the
// rest of the chain is left to the caller.
func (g *Graph) Unlink(ctx context.Context, frameID string) error {
	f, err := g.store.GetFrame(ctx, frameID)
	if err != nil {
		return err
	}
	return g.mutate(ctx, f.LessonID, func(idx *index) error {
		if err := idx.require("framegraph.Unlink", frameID); err != nil {
			return err
		}
		if idx.frames[frameID].PreviousFrameID == "" {
			return nil
		}
		return g.store.ApplyChainEdit(ctx, content.ChainEdit{
			LessonID: f.LessonID,
			Links:    []content.Link{{FrameID: frameID}},
		})
	})
}

// Remove deletes a frame and splices its predecessor to its successor so the
// chain stays whole. Registered hooks run once the delete is committed, still
// under the lesson lock. A hook error is returned alongside the Removal; the
// frame stays deleted.
func (g *Graph) Remove(ctx context.Context, frameID string) (Removal, error) {
	f, err := g.store.GetFrame(ctx, frameID)
	if err != nil {
		return Removal{}, err
	}

	var (
		r       Removal
		deleted bool
	)
	err = g.mutate(ctx, f.LessonID, func(idx *index) error {
		if err := idx.require("framegraph.Remove", frameID); err != nil {
			return err
		}
		r = Removal{
			Frame:      idx.frames[frameID],
			PreviousID: idx.frames[frameID].PreviousFrameID,
			NextID:     idx.next[frameID],
		}

		edit := content.ChainEdit{LessonID: f.LessonID, DeleteFrame: frameID}
		if r.NextID != "" {
			// Clear the removed frame's pointer first so the successor can take it over.
			edit.Links = []content.Link{
				{FrameID: frameID},
				{FrameID: r.NextID, PreviousID: r.PreviousID},
			}
		}
		if err := g.store.ApplyChainEdit(ctx, edit); err != nil {
			return err
		}
		deleted = true
		g.Invalidate(f.LessonID)

		for _, h := range g.hooks {
			if err := h(ctx, r); err != nil {
				return fmt.Errorf("remove hook: %w", err)
			}
		}
		return nil
	})
	if !deleted {
		return Removal{}, err
	}
	return r, err
}

// require fails with NotFound unless every id is a frame of the indexed lesson.
func (idx *index) require(op string, ids ...string) error {
	for _, id := range ids {
		if _, ok := idx.frames[id]; !ok {
			return apperr.NotFound(op, "frame not found: %s", id)
		}
	}
	return nil
}

// mutate runs fn under the lesson lock against an index read fresh from the
// store, then invalidates the cached index.
func (g *Graph) mutate(ctx context.Context, lessonID string, fn func(idx *index) error) error {
	release, err := g.locker.Acquire(ctx, lock.LessonKey(lessonID))
	if err != nil {
		return err
	}
	defer release()
	defer g.Invalidate(lessonID)

	frames, err := g.store.ListFrames(ctx, lessonID)
	if err != nil {
		return err
	}
	return fn(buildIndex(lessonID, frames))
}
