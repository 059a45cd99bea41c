package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/supportchat/internal/store"
)

type failingKV struct {
	getErr error
	setErr error
	sets   int
}

func (f *failingKV) Get(context.Context, string) (string, bool, error) { return "", false, f.getErr }
func (f *failingKV) Set(context.Context, string, string) error {
	f.sets++
	return f.setErr
}
func (f *failingKV) Delete(context.Context, string) error { return nil }
func (f *failingKV) Close() error                         { return nil }

func TestGenerateFormat(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1760000000123)
	id := Generate(now)
	if !strings.HasPrefix(id, "session_1760000000123_") {
		t.Fatalf("unexpected prefix: %q", id)
	}
	if len(id) != len("session_1760000000123_")+randomLength {
		t.Fatalf("unexpected length: %q", id)
	}
	if !Valid(id) {
		t.Fatalf("generated id should be valid: %q", id)
	}
	if Generate(now) == id {
		t.Fatal("expected random component to differ between calls")
	}
}

func TestObtainIsStable(t *testing.T) {
	t.Parallel()

	kv := store.NewMemoryKV()
	ident := New(kv, nil)
	ctx := context.Background()

	first := ident.Obtain(ctx)
	for i := 0; i < 10; i++ {
		if got := ident.Obtain(ctx); got != first {
			t.Fatalf("call %d returned %q, want %q", i, got, first)
		}
	}

	stored, ok, _ := kv.Get(ctx, store.KeySessionID)
	if !ok || stored != first {
		t.Fatalf("expected id to be stored, got %q ok=%v", stored, ok)
	}
}

func TestObtainReusesExistingEntry(t *testing.T) {
	t.Parallel()

	kv := store.NewMemoryKV()
	ctx := context.Background()
	_ = kv.Set(ctx, store.KeySessionID, "session_1_abc")

	// A fresh Identity over the same storage models a page reload.
	if got := New(kv, nil).Obtain(ctx); got != "session_1_abc" {
		t.Fatalf("expected stored id, got %q", got)
	}
}

func TestObtainReplacesInvalidEntry(t *testing.T) {
	t.Parallel()

	kv := store.NewMemoryKV()
	ctx := context.Background()
	_ = kv.Set(ctx, store.KeySessionID, "not valid!")

	got := New(kv, nil).Obtain(ctx)
	if got == "not valid!" || !Valid(got) {
		t.Fatalf("expected regenerated id, got %q", got)
	}
}

func TestConfirmOverwritesStoredID(t *testing.T) {
	t.Parallel()

	kv := store.NewMemoryKV()
	ident := New(kv, nil)
	ctx := context.Background()

	local := ident.Obtain(ctx)
	ident.Confirm(ctx, "session_server_1")

	if got := ident.Obtain(ctx); got != "session_server_1" {
		t.Fatalf("expected confirmed id, got %q (local was %q)", got, local)
	}
	stored, _, _ := kv.Get(ctx, store.KeySessionID)
	if stored != "session_server_1" {
		t.Fatalf("expected storage overwrite, got %q", stored)
	}

	ident.Confirm(ctx, "bad id with spaces")
	if got := ident.Current(); got != "session_server_1" {
		t.Fatalf("invalid confirm must be ignored, got %q", got)
	}
}

func TestObtainDegradesToMemory(t *testing.T) {
	t.Parallel()

	kv := &failingKV{getErr: errors.New("disk gone")}
	ident := New(kv, nil)
	ctx := context.Background()

	first := ident.Obtain(ctx)
	if !Valid(first) {
		t.Fatalf("expected generated id, got %q", first)
	}
	if got := ident.Obtain(ctx); got != first {
		t.Fatalf("degraded identity must stay stable, got %q want %q", got, first)
	}
	if kv.sets != 0 {
		t.Errorf("expected no writes after degrading, got %d", kv.sets)
	}
}

func TestObtainWithNilStorage(t *testing.T) {
	t.Parallel()

	ident := New(nil, nil)
	ctx := context.Background()
	first := ident.Obtain(ctx)
	if got := ident.Obtain(ctx); got != first {
		t.Fatalf("expected stable in-memory id, got %q want %q", got, first)
	}
}
