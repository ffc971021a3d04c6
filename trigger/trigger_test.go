package trigger

import (
	"testing"

	"github.com/coredb/tupl/kv"
)

type recordingObserver struct {
	name string
	seen []Context
	seq  *[]string
}

func (o *recordingObserver) Store(ctx *Context) error {
	o.seen = append(o.seen, *ctx)
	*o.seq = append(*o.seq, o.name)
	return nil
}

func TestListFiresLIFO(t *testing.T) {
	var seq []string
	list := NewList()
	a := &recordingObserver{name: "A", seq: &seq}
	b := &recordingObserver{name: "B", seq: &seq}
	list.Add(a)
	list.Add(b)

	idx := NewMemCursorIndex(t)
	idx.Put("k1", "v1")
	c := idx.store.NewCursor()
	if ok, err := c.Seek([]byte("k1")); err != nil || !ok {
		t.Fatalf("seek: %v %v", ok, err)
	}

	ctx := &Context{Index: 1, Cursor: c, Key: []byte("k1"), Old: kv.AbsentValue(), New: kv.LoadedValue([]byte("v1"))}
	if err := list.Fire(ctx); err != nil {
		t.Fatalf("fire: %v", err)
	}

	if len(seq) != 2 || seq[0] != "B" || seq[1] != "A" {
		t.Fatalf("expected [B A], got %v", seq)
	}
	if len(a.seen) != 1 || len(b.seen) != 1 {
		t.Fatalf("expected exactly one fire each, got a=%d b=%d", len(a.seen), len(b.seen))
	}
	if a.seen[0].Key == nil || string(a.seen[0].Key) != "k1" {
		t.Fatalf("unexpected key seen by A: %q", a.seen[0].Key)
	}
}

func TestRemoveUnknownHandleIsIllegalState(t *testing.T) {
	list := NewList()
	h := list.Add(&recordingObserver{name: "X", seq: &[]string{}})
	if err := list.Remove(h); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := list.Remove(h); err == nil {
		t.Fatal("expected IllegalState removing an already-removed handle")
	}
}

func TestShouldFireNoOps(t *testing.T) {
	cases := []struct {
		name    string
		bogus   bool
		op      Op
		current kv.Value
		old     kv.Value
		want    bool
	}{
		{"bogus never fires", true, OpStore, kv.AbsentValue(), kv.Value{}, false},
		{"insert over absent fires", false, OpInsert, kv.AbsentValue(), kv.Value{}, true},
		{"insert over existing is no-op", false, OpInsert, kv.LoadedValue([]byte("x")), kv.Value{}, false},
		{"replace over existing fires", false, OpReplace, kv.LoadedValue([]byte("x")), kv.Value{}, true},
		{"replace over absent is no-op", false, OpReplace, kv.AbsentValue(), kv.Value{}, false},
		{"update matching old fires", false, OpUpdate, kv.LoadedValue([]byte("x")), kv.LoadedValue([]byte("x")), true},
		{"update stale old is no-op", false, OpUpdate, kv.LoadedValue([]byte("x")), kv.LoadedValue([]byte("y")), false},
		{"delete of absent is no-op", false, OpDelete, kv.AbsentValue(), kv.Value{}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ShouldFire(c.bogus, c.op, c.current, c.old); got != c.want {
				t.Fatalf("ShouldFire() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestBoundedViewScenario(t *testing.T) {
	idx := NewMemCursorIndex(t)
	for i := 0; i <= 8; i++ {
		idx.Put(keyN(i), "v")
	}

	view := Lt(Ge(Base(), []byte("key-3")), []byte("key-8"))
	list := NewList()
	var fired []string
	list.Add(&recordingObserver{name: "v", seq: &fired})

	for i := 0; i <= 8; i++ {
		key := []byte(keyN(i))
		c := idx.store.NewCursor()
		_, _ = c.Seek(key)
		if err := list.FireView(1, view, c, key, kv.AbsentValue(), kv.LoadedValue([]byte("v"))); err != nil {
			t.Fatalf("FireView: %v", err)
		}
	}

	if len(fired) != 5 {
		t.Fatalf("expected 5 fires for key-3..key-7, got %d", len(fired))
	}
}

func TestKeysViewNeverRevealsBytes(t *testing.T) {
	idx := NewMemCursorIndex(t)
	idx.Put("k1", "secret")
	c := idx.store.NewCursor()
	_, _ = c.Seek([]byte("k1"))

	view := Keys(Base())
	dkey, _, dnew, ok := view.Decorate([]byte("k1"), kv.AbsentValue(), kv.LoadedValue([]byte("secret")))
	if !ok {
		t.Fatal("expected keys view to keep the row in scope")
	}
	if string(dkey) != "k1" {
		t.Fatalf("unexpected key: %q", dkey)
	}
	if dnew.IsLoaded() {
		t.Fatalf("keys view leaked value bytes: %q", dnew.Bytes)
	}

	wrapped := view.WrapCursor(c)
	v, err := wrapped.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if v.IsLoaded() {
		t.Fatalf("wrapped cursor leaked value bytes: %q", v.Bytes)
	}
}

func keyN(i int) string {
	digits := "0123456789"
	return "key-" + string(digits[i])
}
