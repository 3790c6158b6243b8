package data

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/polisai/upsg/pkg/domain"
)

// Handle is a write-once/read-many dataset container.
type Handle struct {
	env   *Env
	scope *Scope

	mu      sync.Mutex
	phase   Phase
	auth    Kind
	entries map[Kind]*entry
}

// entry memoizes one representation. Its mutex is held for the duration of
// the conversion so concurrent readers of the same kind convert once.
type entry struct {
	mu    sync.Mutex
	ready bool
	value any
}

// NewHandle allocates a handle in the write phase.
func NewHandle(env *Env) *Handle {
	return &Handle{
		env:     env,
		scope:   NewScope(),
		phase:   PhaseWrite,
		entries: make(map[Kind]*entry),
	}
}

// NewTableHandle returns a read-phase handle owning t.
func NewTableHandle(env *Env, t *Table) (*Handle, error) {
	h := NewHandle(env)
	if err := h.WriteFrom(KindTable, t); err != nil {
		return nil, err
	}
	return h, nil
}

// WriteFrom attaches value as the authoritative representation and moves the
// handle to the read phase. The handle takes ownership of any external backend
// value refers to and removes it on Release.
func (h *Handle) WriteFrom(kind Kind, value any) error {
	return h.attach("write_from", kind, value, true)
}

// AttachExternal is WriteFrom for data that already exists and is owned by
// someone else. Release never deletes it.
func (h *Handle) AttachExternal(kind Kind, value any) error {
	return h.attach("attach_external", kind, value, false)
}

func (h *Handle) attach(op string, kind Kind, value any, owned bool) error {
	if err := validateValue(kind, value); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase != PhaseWrite {
		return &PhaseError{Op: op, Phase: h.phase}
	}
	if owned {
		if err := h.scope.Add(h.ownedCleanup(value)); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	h.auth = kind
	h.entries[kind] = &entry{ready: true, value: value}
	h.phase = PhaseRead
	return nil
}

// ReadAs returns the representation kind, converting and caching it on first
// use.
func (h *Handle) ReadAs(ctx context.Context, kind Kind) (any, error) {
	h.mu.Lock()
	if h.phase != PhaseRead {
		phase := h.phase
		h.mu.Unlock()
		return nil, &PhaseError{Op: "read_as", Phase: phase}
	}
	auth := h.auth
	value := h.entries[auth].value
	h.mu.Unlock()

	if kind == auth {
		return value, nil
	}

	path, ok := h.env.registry().Path(auth, kind)
	if !ok {
		return nil, &UnsupportedConversionError{From: auth, To: kind}
	}

	var err error
	for i := 1; i < len(path); i++ {
		value, err = h.convertStep(ctx, path[i-1], path[i], value)
		if err != nil {
			return nil, err
		}
	}
	return value, nil
}

func (h *Handle) convertStep(ctx context.Context, from, to Kind, src any) (any, error) {
	e, err := h.entry(to)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return e.value, nil
	}

	fn, ok := h.env.registry().Lookup(from, to)
	if !ok {
		return nil, &UnsupportedConversionError{From: from, To: to}
	}

	start := time.Now()
	out, err := fn(ctx, Conversion{Env: h.env, Scope: h.scope}, src)
	elapsed := time.Since(start)
	h.env.observe(ctx, from, to, elapsed, err)
	if err != nil {
		return nil, fmt.Errorf("convert %s to %s: %w", from, to, err)
	}

	h.env.logger().Debug("handle converted",
		"from", from,
		"to", to,
		"duration_ms", elapsed.Milliseconds(),
	)
	e.value = out
	e.ready = true
	return out, nil
}

func (h *Handle) entry(kind Kind) (*entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.phase != PhaseRead {
		return nil, &PhaseError{Op: "read_as", Phase: h.phase}
	}
	e, ok := h.entries[kind]
	if !ok {
		e = &entry{}
		h.entries[kind] = e
	}
	return e, nil
}

// Release removes every resource the handle owns. It is safe to call more
// than once and from any phase.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.phase == PhaseReleased {
		h.mu.Unlock()
		return nil
	}
	h.phase = PhaseReleased
	h.entries = make(map[Kind]*entry)
	h.mu.Unlock()

	if err := h.scope.Close(ctx); err != nil {
		return fmt.Errorf("release handle: %w", err)
	}
	return nil
}

// Phase reports the current phase.
func (h *Handle) Phase() Phase {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.phase
}

// Authoritative reports the kind the handle was written with.
func (h *Handle) Authoritative() (Kind, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.auth, h.phase == PhaseRead
}

// Kinds lists the representations materialized so far, sorted.
func (h *Handle) Kinds() []Kind {
	h.mu.Lock()
	entries := make(map[Kind]*entry, len(h.entries))
	for k, e := range h.entries {
		entries[k] = e
	}
	h.mu.Unlock()

	out := make([]Kind, 0, len(entries))
	for k, e := range entries {
		e.mu.Lock()
		if e.ready {
			out = append(out, k)
		}
		e.mu.Unlock()
	}
	slices.Sort(out)
	return out
}

// ReadTable reads the handle as an in-memory table.
func (h *Handle) ReadTable(ctx context.Context) (*Table, error) {
	return ReadAs[*Table](ctx, h, KindTable)
}

// ReadCSV reads the handle as a delimited file.
func (h *Handle) ReadCSV(ctx context.Context) (CSVFile, error) {
	return ReadAs[CSVFile](ctx, h, KindCSV)
}

// ReadSQL reads the handle as a relational table.
func (h *Handle) ReadSQL(ctx context.Context) (SQLTable, error) {
	return ReadAs[SQLTable](ctx, h, KindSQL)
}

// ReadObject reads the handle as an object in storage.
func (h *Handle) ReadObject(ctx context.Context) (ObjectRef, error) {
	return ReadAs[ObjectRef](ctx, h, KindObject)
}

// ReadAs is the typed form of Handle.ReadAs.
func ReadAs[T any](ctx context.Context, h *Handle, kind Kind) (T, error) {
	var zero T
	v, err := h.ReadAs(ctx, kind)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s representation is %T, want %T", domain.ErrContractViolation, kind, v, zero)
	}
	return typed, nil
}

func validateValue(kind Kind, value any) error {
	switch kind {
	case KindTable:
		t, ok := value.(*Table)
		if !ok || t == nil {
			return fmt.Errorf("%w: %s value must be *data.Table, got %T", domain.ErrContractViolation, kind, value)
		}
		return t.Validate()
	case KindCSV:
		f, ok := value.(CSVFile)
		if !ok || f.Path == "" {
			return fmt.Errorf("%w: %s value must be a data.CSVFile with a path", domain.ErrContractViolation, kind)
		}
	case KindSQL:
		t, ok := value.(SQLTable)
		if !ok || t.Store == nil || t.Name == "" {
			return fmt.Errorf("%w: %s value must be a data.SQLTable with a store and name", domain.ErrContractViolation, kind)
		}
	case KindObject:
		o, ok := value.(ObjectRef)
		if !ok || o.Key == "" {
			return fmt.Errorf("%w: %s value must be a data.ObjectRef with a key", domain.ErrContractViolation, kind)
		}
	default:
		if kind == "" || value == nil {
			return fmt.Errorf("%w: empty kind or nil value", domain.ErrContractViolation)
		}
	}
	return nil
}

func (h *Handle) ownedCleanup(value any) func(context.Context) error {
	switch v := value.(type) {
	case CSVFile:
		return func(context.Context) error { return removeFile(v.Path) }
	case SQLTable:
		return func(ctx context.Context) error { return v.Store.DropTable(ctx, v.Name) }
	case ObjectRef:
		return func(ctx context.Context) error {
			if h.env == nil || h.env.Objects == nil {
				h.env.logger().Warn("owned object not removed: no object store", "bucket", v.Bucket, "key", v.Key)
				return nil
			}
			return h.env.Objects.Remove(ctx, v.Bucket, v.Key)
		}
	default:
		return func(context.Context) error { return nil }
	}
}
