package evidence

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"bidline/internal/config"
)

func TestLocalPutOpen(t *testing.T) {
	store := Local{Dir: t.TempDir()}
	ctx := context.Background()
	key, err := store.Put(ctx, KindImage, "../../etc/scan 1.png", "image/png", strings.NewReader("png-bytes"), 9)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(key, "image/") || !strings.HasSuffix(key, "-scan_1.png") {
		t.Fatalf("unexpected key %q", key)
	}
	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "png-bytes" {
		t.Fatalf("content mismatch: %q", data)
	}
}

func TestLocalRejectsUnknownKind(t *testing.T) {
	store := Local{Dir: t.TempDir()}
	if _, err := store.Put(context.Background(), "video", "a.mp4", "", strings.NewReader(""), 0); err == nil {
		t.Fatalf("expected kind error")
	}
}

func TestLocalOpenMissing(t *testing.T) {
	store := Local{Dir: t.TempDir()}
	if _, err := store.Open(context.Background(), "document/nope.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	store, err := FromConfig(context.Background(), config.EvidenceConfig{Backend: "local", Dir: dir})
	if err != nil {
		t.Fatal(err)
	}
	if l, ok := store.(Local); !ok || l.Dir != dir {
		t.Fatalf("expected local store at %s", dir)
	}
	if _, err := FromConfig(context.Background(), config.EvidenceConfig{Backend: "ftp"}); err == nil {
		t.Fatalf("expected unsupported backend error")
	}
	if _, err := NewMinIO(context.Background(), config.EvidenceConfig{Backend: "minio", Endpoint: "http://localhost:9000", Bucket: "b"}); err == nil {
		t.Fatalf("expected scheme rejection")
	}
}
