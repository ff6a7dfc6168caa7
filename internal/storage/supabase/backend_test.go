package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/fruitsalade/storage-browser/internal/browser"
	"github.com/fruitsalade/storage-browser/internal/logging"
	"github.com/fruitsalade/storage-browser/internal/storage"
)

func init() {
	logging.InitNop()
}

const testKey = "service-key"

type storedObject struct {
	id       string
	data     []byte
	mimeType string
	created  time.Time
}

// fakeStorage emulates the Supabase Storage endpoints the backend calls.
type fakeStorage struct {
	mu      sync.Mutex
	bucket  string
	objects map[string]*storedObject
	upserts int
}

func newFakeStorage(bucket string) *fakeStorage {
	return &fakeStorage{bucket: bucket, objects: make(map[string]*storedObject)}
}

func (f *fakeStorage) handler() http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+testKey || r.Header.Get("apikey") != testKey {
				writeError(w, http.StatusUnauthorized, "403", "Unauthorized", "invalid signature")
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("POST /storage/v1/object/list/{bucket}", auth(f.list))
	mux.HandleFunc("POST /storage/v1/object/move", auth(f.move))
	mux.HandleFunc("POST /storage/v1/object/{bucket}/{path...}", auth(f.upload))
	mux.HandleFunc("DELETE /storage/v1/object/{bucket}", auth(f.remove))
	mux.HandleFunc("GET /storage/v1/object/public/{bucket}/{path...}", f.public)
	return mux
}

func writeError(w http.ResponseWriter, status int, code, errName, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"statusCode": code, "error": errName, "message": msg})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (f *fakeStorage) list(w http.ResponseWriter, r *http.Request) {
	var req listRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "400", "invalid_request", err.Error())
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := ""
	if req.Prefix != "" {
		prefix = req.Prefix + "/"
	}
	type row map[string]any
	var rows []row
	seen := make(map[string]bool)
	for key, obj := range f.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			name := rest[:idx]
			if !seen[name] {
				seen[name] = true
				rows = append(rows, row{"name": name, "id": nil, "metadata": nil})
			}
			continue
		}
		rows = append(rows, row{
			"name":       rest,
			"id":         obj.id,
			"created_at": obj.created,
			"updated_at": obj.created,
			"metadata":   map[string]any{"size": len(obj.data), "mimetype": obj.mimeType},
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i]["name"].(string) < rows[j]["name"].(string) })

	start := min(req.Offset, len(rows))
	end := min(start+req.Limit, len(rows))
	out := rows[start:end]
	if out == nil {
		out = []row{}
	}
	writeJSON(w, out)
}

func (f *fakeStorage) upload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("path")
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.objects[key]; exists {
		if r.Header.Get("x-upsert") != "true" {
			writeError(w, http.StatusBadRequest, "409", "Duplicate", "The resource already exists")
			return
		}
		f.upserts++
	}
	obj := &storedObject{
		id:       uuid.NewString(),
		data:     data,
		mimeType: r.Header.Get("Content-Type"),
		created:  time.Now().UTC(),
	}
	f.objects[key] = obj
	writeJSON(w, map[string]string{"Key": f.bucket + "/" + key, "Id": obj.id})
}

func (f *fakeStorage) remove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prefixes []string `json:"prefixes"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	deleted := []map[string]string{}
	for _, p := range req.Prefixes {
		if obj, ok := f.objects[p]; ok {
			delete(f.objects, p)
			deleted = append(deleted, map[string]string{"name": p, "id": obj.id})
		}
	}
	writeJSON(w, deleted)
}

func (f *fakeStorage) move(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[req["sourceKey"]]
	if !ok {
		writeError(w, http.StatusBadRequest, "404", "not_found", "Object not found")
		return
	}
	if _, taken := f.objects[req["destinationKey"]]; taken {
		writeError(w, http.StatusBadRequest, "409", "Duplicate", "The resource already exists")
		return
	}
	delete(f.objects, req["sourceKey"])
	f.objects[req["destinationKey"]] = obj
	writeJSON(w, map[string]string{"message": "Successfully moved"})
}

func (f *fakeStorage) public(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	obj, ok := f.objects[r.PathValue("path")]
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusBadRequest, "404", "not_found", "Object not found")
		return
	}
	w.Write(obj.data)
}

func (f *fakeStorage) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeStorage) put(key, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = &storedObject{id: uuid.NewString(), data: []byte(data), mimeType: "text/plain", created: time.Now().UTC()}
}

func newTestBackend(t *testing.T) (*Backend, *fakeStorage) {
	t.Helper()
	fake := newFakeStorage("media")
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	b, err := NewBackend(BackendConfig{URL: srv.URL + "/", Key: testKey, Bucket: "media"})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b, fake
}

func itemNames(items []storage.Item) string {
	names := make([]string, len(items))
	for i, it := range items {
		names[i] = it.Name
	}
	return strings.Join(names, ",")
}

func TestListFoldersHaveNullID(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.put("zeta", "z")
	fake.put("beta", "b")
	fake.put("alpha/"+storage.PlaceholderName, "")
	fake.put("gamma/x.txt", "x")

	items, err := b.List(context.Background(), "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got := itemNames(items); got != "alpha,gamma,beta,zeta" {
		t.Fatalf("expected alpha,gamma,beta,zeta, got %s", got)
	}
	if !items[0].IsFolder() || items[0].ID != "alpha" || items[0].PublicURL != "" {
		t.Errorf("unexpected folder: %+v", items[0])
	}

	beta := items[2]
	if beta.Kind != storage.KindFile || beta.ID == "beta" {
		t.Errorf("expected file with backend id, got %+v", beta)
	}
	if beta.PublicURL != b.baseURL+"/object/public/media/beta" {
		t.Errorf("unexpected public URL %q", beta.PublicURL)
	}
	if beta.SizeBytes == nil || *beta.SizeBytes != 1 || beta.ContentType != "text/plain" {
		t.Errorf("expected metadata from listing, got %+v", beta)
	}
	if beta.CreatedAt == nil {
		t.Error("expected created_at")
	}
}

func TestListPaginates(t *testing.T) {
	b, fake := newTestBackend(t)
	for i := 0; i < pageSize+5; i++ {
		fake.put("bulk/"+uuid.NewString()+".txt", "x")
	}

	items, err := b.List(context.Background(), "bulk")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != pageSize+5 {
		t.Fatalf("expected %d items, got %d", pageSize+5, len(items))
	}
}

func TestListHidesPlaceholder(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.put("docs/"+storage.PlaceholderName, "")

	items, err := b.List(context.Background(), "docs")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected empty listing, got %s", itemNames(items))
	}
}

func TestUnauthorized(t *testing.T) {
	b, _ := newTestBackend(t)
	b.key = "wrong"

	_, err := b.List(context.Background(), "")
	if !errors.Is(err, storage.ErrPermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestUploadUpserts(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	if _, err := b.Upload(ctx, "photos", []byte("one"), "a.txt"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	item, err := b.Upload(ctx, "photos", []byte("three"), "a.txt")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if fake.upserts != 1 {
		t.Errorf("expected one upsert, got %d", fake.upserts)
	}
	if item.Name != "a.txt" || *item.SizeBytes != 5 {
		t.Errorf("unexpected item: %+v", item)
	}

	items, err := b.List(ctx, "photos")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(items) != 1 || *items[0].SizeBytes != 5 {
		t.Fatalf("expected one overwritten entry, got %+v", items)
	}
}

func TestDelete(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()
	fake.put("docs/a.txt", "a")

	if err := b.Delete(ctx, "nope.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err := b.Delete(ctx, "docs"); !errors.Is(err, storage.ErrUnsupportedOperation) {
		t.Errorf("expected unsupported for folder, got %v", err)
	}
	if err := b.Delete(ctx, "docs/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fake.has("docs/a.txt") {
		t.Error("object should be gone")
	}
}

func TestRenameNative(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()
	fake.put("old.txt", "x")

	if err := b.Rename(ctx, "old.txt", "new.txt"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if fake.has("old.txt") || !fake.has("new.txt") {
		t.Error("expected object to move")
	}

	err := b.Rename(ctx, "missing.txt", "other.txt")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found from error body, got %v", err)
	}
}

func TestRenameOntoExistingKey(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.put("a.txt", "a")
	fake.put("b.txt", "b")

	err := b.Rename(context.Background(), "a.txt", "b.txt")
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if !fake.has("a.txt") || !fake.has("b.txt") {
		t.Error("both objects should remain")
	}
}

func TestRenameFolderUnsupported(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()
	fake.put("docs/a.txt", "a")

	if err := b.Rename(ctx, "docs", "papers"); !errors.Is(err, storage.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported for folder, got %v", err)
	}
	if err := b.Rename(ctx, "gone", "papers"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for missing key, got %v", err)
	}
}

func TestControllerFolderRenameKeepsObjects(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()
	fake.put("docs/a.txt", "a")

	c := browser.New(b)
	if err := c.Navigate(ctx, ""); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	items := c.Snapshot().Items
	if len(items) != 1 || !items[0].IsFolder() {
		t.Fatalf("expected folder docs, got %+v", items)
	}

	err := c.Rename(ctx, items[0], "papers")
	if !errors.Is(err, storage.ErrUnsupportedOperation) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if !fake.has("docs/a.txt") {
		t.Fatal("docs/a.txt should remain")
	}
	if got := itemNames(c.Snapshot().Items); got != "docs" {
		t.Errorf("expected listing unchanged, got %s", got)
	}
}

func TestListAbortsOnCancel(t *testing.T) {
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	b, err := NewBackend(BackendConfig{URL: srv.URL, Key: testKey, Bucket: "media"})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := b.List(ctx, "")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("List did not return after cancel")
	}
}

func TestCreateFolder(t *testing.T) {
	b, fake := newTestBackend(t)
	ctx := context.Background()

	if err := b.CreateFolder(ctx, "", "docs"); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if !fake.has("docs/" + storage.PlaceholderName) {
		t.Fatal("placeholder not uploaded")
	}

	root, err := b.List(ctx, "")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if itemNames(root) != "docs" || !root[0].IsFolder() {
		t.Fatalf("expected folder docs, got %+v", root)
	}
}

func TestPublicURLIsFetchable(t *testing.T) {
	b, fake := newTestBackend(t)
	fake.put("my docs/readme.md", "hello")

	u, err := b.PublicURL(context.Background(), "my docs/readme.md")
	if err != nil {
		t.Fatalf("PublicURL: %v", err)
	}
	data, err := storage.NewHTTPFetcher(time.Second, 0).Fetch(context.Background(), u)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("expected hello, got %q", data)
	}
}

func TestKindForResponse(t *testing.T) {
	body := []byte(`{"statusCode":"404","error":"not_found","message":"Object not found"}`)
	if got := kindForResponse(http.StatusBadRequest, body); got != storage.ErrNotFound {
		t.Errorf("expected not found, got %v", got)
	}
	dup := []byte(`{"statusCode":"409","error":"Duplicate","message":"The resource already exists"}`)
	if got := kindForResponse(http.StatusBadRequest, dup); got != storage.ErrAlreadyExists {
		t.Errorf("expected already exists, got %v", got)
	}
	if got := kindForResponse(http.StatusBadGateway, []byte("<html>")); got != storage.ErrTransient {
		t.Errorf("expected transient, got %v", got)
	}
	if got := kindForResponse(http.StatusForbidden, nil); got != storage.ErrPermissionDenied {
		t.Errorf("expected permission denied, got %v", got)
	}
}
