package entity

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"github.com/rendis/stepwise/internal/streaming"
	"github.com/rendis/stepwise/pkg/schema"
)

// Node is an in-memory Entity. Attribute changes are published on the
// hub shared by the tree, if any.
type Node struct {
	id   string
	name string

	mu        sync.Mutex
	parent    *Node
	children  []*Node
	attrs     map[string]any
	config    map[string]any
	effectors map[string]EffectorFunc
	waiters   map[string][]chan struct{}
	hub       streaming.Hub
}

// Option configures a Node.
type Option func(*Node)

// WithHub publishes attribute changes of the node (and children added later) on h.
func WithHub(h streaming.Hub) Option {
	return func(n *Node) { n.hub = h }
}

// WithAttributes seeds initial attribute values.
func WithAttributes(attrs map[string]any) Option {
	return func(n *Node) {
		for k, v := range attrs {
			n.attrs[k] = v
		}
	}
}

// WithConfig seeds configuration values.
func WithConfig(cfg map[string]any) Option {
	return func(n *Node) {
		for k, v := range cfg {
			n.config[k] = v
		}
	}
}

// NewNode creates a detached entity.
func NewNode(id, name string, opts ...Option) *Node {
	if name == "" {
		name = id
	}
	n := &Node{
		id:        id,
		name:      name,
		attrs:     make(map[string]any),
		config:    make(map[string]any),
		effectors: make(map[string]EffectorFunc),
		waiters:   make(map[string][]chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// AddChild attaches child under n, inheriting n's hub when child has none.
func (n *Node) AddChild(child *Node) *Node {
	n.mu.Lock()
	n.children = append(n.children, child)
	hub := n.hub
	n.mu.Unlock()

	child.mu.Lock()
	child.parent = n
	child.mu.Unlock()
	if hub != nil {
		child.adoptHub(hub)
	}
	return child
}

func (n *Node) adoptHub(h streaming.Hub) {
	n.mu.Lock()
	if n.hub == nil {
		n.hub = h
	}
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()
	for _, c := range children {
		c.adoptHub(h)
	}
}

// AddEffector binds an effector body under name.
func (n *Node) AddEffector(name string, fn EffectorFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.effectors[name] = fn
}

func (n *Node) ID() string          { return n.id }
func (n *Node) DisplayName() string { return n.name }

func (n *Node) Parent() Entity {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) Children() []Entity {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Entity, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

func (n *Node) Attribute(name string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.attrs[name]
	return v, ok
}

func (n *Node) Attributes() map[string]any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[string]any, len(n.attrs))
	for k, v := range n.attrs {
		out[k] = v
	}
	return out
}

func (n *Node) WaitAttribute(ctx context.Context, name string) (any, error) {
	for {
		n.mu.Lock()
		if v, ok := n.attrs[name]; ok && IsReady(v) {
			n.mu.Unlock()
			return v, nil
		}
		ch := make(chan struct{})
		n.waiters[name] = append(n.waiters[name], ch)
		n.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			n.dropWaiter(name, ch)
			return nil, ctx.Err()
		}
	}
}

func (n *Node) dropWaiter(name string, ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.waiters[name]
	for i, w := range list {
		if w == ch {
			n.waiters[name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(n.waiters[name]) == 0 {
		delete(n.waiters, name)
	}
}

func (n *Node) SetAttribute(ctx context.Context, name string, value any) any {
	n.mu.Lock()
	old := n.attrs[name]
	n.attrs[name] = value
	n.wakeLocked(name)
	hub := n.hub
	n.mu.Unlock()

	n.publish(ctx, hub, name, value)
	return old
}

func (n *Node) CompareAndSetAttribute(ctx context.Context, name string, expected, value any) (bool, any) {
	n.mu.Lock()
	current := n.attrs[name]
	if !ValuesEqual(current, expected) {
		n.mu.Unlock()
		return false, current
	}
	n.attrs[name] = value
	n.wakeLocked(name)
	hub := n.hub
	n.mu.Unlock()

	n.publish(ctx, hub, name, value)
	return true, current
}

func (n *Node) ClearAttribute(ctx context.Context, name string) {
	n.mu.Lock()
	delete(n.attrs, name)
	hub := n.hub
	n.mu.Unlock()

	n.publish(ctx, hub, name, nil)
}

// wakeLocked releases every goroutine blocked on name. Callers hold n.mu.
func (n *Node) wakeLocked(name string) {
	for _, ch := range n.waiters[name] {
		close(ch)
	}
	delete(n.waiters, name)
}

func (n *Node) publish(ctx context.Context, hub streaming.Hub, name string, value any) {
	if hub == nil {
		return
	}
	_ = hub.Publish(context.WithoutCancel(ctx), streaming.Event{
		Type:     streaming.TypeAttributeChanged,
		EntityID: n.id,
		Name:     name,
		Value:    value,
	})
}

func (n *Node) Config(name string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.config[name]
	return v, ok
}

func (n *Node) SetConfig(name string, value any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config[name] = value
}

func (n *Node) InvokeEffector(ctx context.Context, name string, params map[string]any) (any, error) {
	n.mu.Lock()
	fn, ok := n.effectors[name]
	n.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %s has no effector %q", n.id, name)
	}
	return fn(ctx, n, params)
}

func (n *Node) Effectors() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.effectors))
	for k := range n.effectors {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValuesEqual compares attribute values, treating numerically equal ints and
// floats as equal at any depth since decoded documents mix the two.
func ValuesEqual(a, b any) bool {
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	switch ta := a.(type) {
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, ok := tb[k]
			if !ok || !ValuesEqual(va, vb) {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !ValuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

var _ Entity = (*Node)(nil)
