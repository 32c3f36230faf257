package snapshot

import (
	"context"
	"errors"
	"fmt"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	jsonv2 "github.com/go-json-experiment/json"

	"github.com/neboloop/webpilot/internal/dom"
	"github.com/neboloop/webpilot/internal/errs"
	"github.com/neboloop/webpilot/internal/metrics"
)

// maxRefs bounds the ref registry; the oldest refs are forgotten first.
const maxRefs = 10000

// Re-resolution strategies, cheapest first. live is the identity map kept
// in the page; the others rebuild the element from what the snapshot
// recorded about it.
var strategies = []string{"live", "selector", "scoped", "role", "shadow"}

type refMeta struct {
	Ref        string
	Role       string
	Name       string
	Selector   string
	ShadowPath []string
	FrameID    cdptypes.FrameID
	SnapshotID int
	Fresh      bool
}

func newRefMeta(r rawRef, frame cdptypes.FrameID, snapshotID int) refMeta {
	return refMeta{
		Ref:        r.Ref,
		Role:       r.Role,
		Name:       r.Name,
		Selector:   r.Selector,
		ShadowPath: r.ShadowPath,
		FrameID:    frame,
		SnapshotID: snapshotID,
		Fresh:      r.Fresh,
	}
}

// state is the per-session registry. Counters only grow, so a ref is never
// reissued for a different element within a session.
type state struct {
	snapshotID int
	counter    int
	hash       string
	optsKey    string
	frames     map[cdptypes.FrameID]int
	refs       map[string]*refMeta
	order      []string
}

func newState() *state {
	return &state{frames: map[cdptypes.FrameID]int{}, refs: map[string]*refMeta{}}
}

func (s *state) frameOrdinal(id cdptypes.FrameID) int {
	n, ok := s.frames[id]
	if !ok {
		n = len(s.frames) + 1
		s.frames[id] = n
	}
	return n
}

func (s *state) commit(id, counter int, hash, optsKey string, refs []refMeta) {
	s.snapshotID = id
	if counter > s.counter {
		s.counter = counter
	}
	s.hash, s.optsKey = hash, optsKey
	for i := range refs {
		m := refs[i]
		if old, ok := s.refs[m.Ref]; ok {
			// Same element seen again: keep the ref, refresh what we know.
			*old = m
			continue
		}
		s.refs[m.Ref] = &m
		s.order = append(s.order, m.Ref)
	}
	for len(s.order) > maxRefs {
		delete(s.refs, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *state) lookup(ref string) (refMeta, bool) {
	m, ok := s.refs[ref]
	if !ok {
		return refMeta{}, false
	}
	return *m, true
}

// RefResolution describes where a ref points now.
type RefResolution struct {
	Ref        string   `json:"ref"`
	Role       string   `json:"role"`
	Name       string   `json:"name,omitempty"`
	Box        dom.Rect `json:"box"`
	Visible    bool     `json:"visible"`
	ReResolved bool     `json:"reResolved"`
	Strategy   string   `json:"strategy"`
}

// ResolveRef returns a live handle for ref. Implements dom.RefResolver.
func (e *Engine) ResolveRef(ctx context.Context, ref string) (*dom.Handle, error) {
	h, _, err := e.resolve(ctx, ref)
	return h, err
}

// GetElementByRef resolves ref and reports its current box and visibility.
func (e *Engine) GetElementByRef(ctx context.Context, ref string) (*RefResolution, error) {
	h, strategy, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer h.Release(ctx)

	var info struct {
		Version  int      `json:"version"`
		Attached bool     `json:"attached"`
		Visible  bool     `json:"visible"`
		Box      dom.Rect `json:"box"`
		Role     string   `json:"role"`
		Name     string   `json:"name"`
	}
	if err := h.Call(ctx, &info, builderJS, "info", nil); err != nil {
		return nil, err
	}
	if !info.Attached {
		return nil, &errs.StaleElementError{Ref: ref, Tried: []string{strategy}}
	}
	return &RefResolution{
		Ref:        ref,
		Role:       info.Role,
		Name:       info.Name,
		Box:        info.Box,
		Visible:    info.Visible,
		ReResolved: strategy != "live",
		Strategy:   strategy,
	}, nil
}

func (e *Engine) resolve(ctx context.Context, ref string) (*dom.Handle, string, error) {
	e.mu.Lock()
	m, ok := e.st.lookup(ref)
	e.mu.Unlock()
	if !ok {
		metrics.RefResolutions.WithLabelValues("unknown").Inc()
		return nil, "", &errs.ElementNotFoundError{Selector: "ref=" + ref}
	}

	world, err := e.page.UtilityWorld(ctx, m.FrameID)
	if err != nil {
		metrics.RefResolutions.WithLabelValues("stale").Inc()
		return nil, "", &errs.StaleElementError{Ref: ref, Tried: []string{"frame"}}
	}

	var tried []string
	for _, s := range strategies {
		if s == "scoped" && len(m.ShadowPath) == 0 {
			continue
		}
		tried = append(tried, s)
		h, err := e.callResolve(ctx, world, m, s)
		if err != nil {
			var perr *errs.ProtocolError
			if errors.As(err, &perr) {
				// The world went away with its document.
				break
			}
			return nil, "", fmt.Errorf("resolve ref %s: %w", ref, err)
		}
		if h == nil {
			continue
		}
		metrics.RefResolutions.WithLabelValues(s).Inc()
		if s != "live" {
			e.logger.Debug("ref re-resolved", "ref", ref, "strategy", s, "role", m.Role, "name", m.Name)
		}
		return h, s, nil
	}
	metrics.RefResolutions.WithLabelValues("stale").Inc()
	return nil, "", &errs.StaleElementError{Ref: ref, Tried: tried}
}

func decodeValue(obj *runtime.RemoteObject, out any) error {
	if obj == nil || len(obj.Value) == 0 || obj.Type == runtime.TypeUndefined {
		return errors.New("snapshot builder returned no value")
	}
	if err := jsonv2.Unmarshal(obj.Value, out); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}
