package malshare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"
)

const testKey = "s3cr3t+key/=="

// fakeAPI serves canned bodies per action and records the queries it saw.
type fakeAPI struct {
	mu      sync.Mutex
	queries []url.Values
	bodies  map[string]string
	status  int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	if f.status != 0 {
		http.Error(w, "Sorry, invalid key "+q.Get("api_key"), f.status)
		return
	}
	body, ok := f.bodies[q.Get("action")]
	if !ok {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	_, _ = w.Write([]byte(strings.ReplaceAll(body, "{hash}", q.Get("hash"))))
}

func (f *fakeAPI) lastQuery(t *testing.T) url.Values {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queries) == 0 {
		t.Fatalf("server received no requests")
	}
	return f.queries[len(f.queries)-1]
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return New(WithBaseURL(srv.URL), WithTimeout(5*time.Second))
}

func TestGetAPICallLimitAndRemaining(t *testing.T) {
	api := &fakeAPI{bodies: map[string]string{
		ActionGetLimit: `{"LIMIT":"2000","REMAINING":"1987"}`,
	}}
	c := newTestClient(t, api)

	limit, err := c.GetAPICallLimit(context.Background(), testKey)
	if err != nil {
		t.Fatalf("GetAPICallLimit: %v", err)
	}
	if limit != 2000 {
		t.Fatalf("limit = %d, want 2000", limit)
	}
	q := api.lastQuery(t)
	if q.Get("action") != ActionGetLimit || q.Get("api_key") != testKey {
		t.Fatalf("unexpected query: %v", q)
	}

	remaining, err := c.GetRemainingAPICalls(context.Background(), testKey)
	if err != nil {
		t.Fatalf("GetRemainingAPICalls: %v", err)
	}
	if remaining != 1987 {
		t.Fatalf("remaining = %d, want 1987", remaining)
	}
}

func TestQuotaDecodeErrors(t *testing.T) {
	bodies := map[string]string{
		"malformed":     `{"LIMIT": "20`,
		"html":          `<html>maintenance</html>`,
		"missing field": `{"OTHER":"3"}`,
		"not a string":  `{"LIMIT":{"v":1},"REMAINING":[1]}`,
		"not digits":    `{"LIMIT":"lots","REMAINING":"-4"}`,
		"not an object": `["LIMIT"]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionGetLimit: body}})

			_, err := c.GetAPICallLimit(context.Background(), testKey)
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("GetAPICallLimit err = %v, want DecodeError", err)
			}
			if decErr.Op != OpAPICallLimit {
				t.Fatalf("Op = %q", decErr.Op)
			}

			_, err = c.GetRemainingAPICalls(context.Background(), testKey)
			if !errors.As(err, &decErr) {
				t.Fatalf("GetRemainingAPICalls err = %v, want DecodeError", err)
			}
		})
	}
}

func TestQuotaMissingFieldNamesField(t *testing.T) {
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionGetLimit: `{"LIMIT":"5"}`}})

	_, err := c.GetRemainingAPICalls(context.Background(), testKey)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if decErr.Field != FieldRemaining || !errors.Is(err, ErrFieldNotFound) {
		t.Fatalf("unexpected decode error: %v", err)
	}
}

func TestGetListRawIsVerbatim(t *testing.T) {
	raw := "  aaa\r\nbbb\n\n\tccc  \n"
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionGetListRaw: raw}})

	got, err := c.GetListRaw(context.Background(), testKey)
	if err != nil {
		t.Fatalf("GetListRaw: %v", err)
	}
	if got != raw {
		t.Fatalf("GetListRaw = %q, want %q", got, raw)
	}
}

func TestGetListReturnsTree(t *testing.T) {
	body := `[{"md5":"m1","sha1":"s1","sha256":"h1"},{"md5":"m2","sha1":"s2","sha256":"h2"}]`
	api := &fakeAPI{bodies: map[string]string{ActionGetList: body}}
	c := newTestClient(t, api)

	tree, err := c.GetList(context.Background(), testKey)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if tree.String() != body {
		t.Fatalf("GetList tree = %s, want %s", tree, body)
	}
	if tree.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", tree.Len())
	}
	if api.lastQuery(t).Get("action") != ActionGetList {
		t.Fatalf("wrong action sent")
	}
}

func TestListDetailsSendsHash(t *testing.T) {
	api := &fakeAPI{bodies: map[string]string{
		ActionDetails: `{"MD5":"{hash}","F_TYPE":"PE32","SOURCES":["http://example.test/a"]}`,
	}}
	c := newTestClient(t, api)

	tree, err := c.ListDetails(context.Background(), testKey, "abc123")
	if err != nil {
		t.Fatalf("ListDetails: %v", err)
	}
	md5, err := tree.Field("MD5")
	if err != nil {
		t.Fatalf("Field(MD5): %v", err)
	}
	if s, _ := md5.AsString(); s != "abc123" {
		t.Fatalf("MD5 = %q", s)
	}
	q := api.lastQuery(t)
	if q.Get("hash") != "abc123" || q.Get("action") != ActionDetails {
		t.Fatalf("unexpected query: %v", q)
	}
}

func TestListDetailsDecodeErrorCarriesHash(t *testing.T) {
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionDetails: "Sample not found"}})

	_, err := c.ListDetails(context.Background(), testKey, "deadbeef")
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("err = %v, want DecodeError", err)
	}
	if decErr.Hash != "deadbeef" || decErr.Op != OpListDetails {
		t.Fatalf("unexpected error context: %+v", decErr)
	}
	if !strings.Contains(err.Error(), "deadbeef") {
		t.Fatalf("error message should name the hash: %v", err)
	}
}

func TestNonSuccessStatusIsRequestError(t *testing.T) {
	c := newTestClient(t, &fakeAPI{status: http.StatusUnauthorized})

	_, err := c.GetListRaw(context.Background(), testKey)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if reqErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("StatusCode = %d", reqErr.StatusCode)
	}
	if strings.Contains(err.Error(), testKey) {
		t.Fatalf("error leaks api key: %v", err)
	}
}

func TestTransportFailureIsRequestErrorWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	c := New(WithBaseURL(base), WithTimeout(time.Second))
	_, err := c.GetAPICallLimit(context.Background(), testKey)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if strings.Contains(err.Error(), testKey) || strings.Contains(err.Error(), url.QueryEscape(testKey)) {
		t.Fatalf("error leaks api key: %v", err)
	}
}

func TestContextCancellationPassesThrough(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(WithBaseURL(srv.URL)).GetList(ctx, testKey)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestDownloadDefaultPath(t *testing.T) {
	t.Chdir(t.TempDir())
	content := "MZ\x90\x00binary\r\n\x00payload"
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionGetFile: content}})

	res, err := c.Download(context.Background(), testKey, "abc123", "")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Path != "abc123.vir" || res.FellBack {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, err := os.ReadFile("abc123.vir")
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !bytes.Equal(got, []byte(content)) {
		t.Fatalf("sample content = %q, want %q", got, content)
	}
	if res.Size != int64(len(content)) || len(res.SHA256) != 64 {
		t.Fatalf("unexpected size/sha: %+v", res)
	}
}

func TestDownloadExplicitPathOverwrites(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(out, []byte("old content that is longer than the new one"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	api := &fakeAPI{bodies: map[string]string{ActionGetFile: "new"}}
	c := newTestClient(t, api)

	res, err := c.Download(context.Background(), testKey, "ff00", out)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if res.Path != out || res.FellBack {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := os.ReadFile(out)
	if string(got) != "new" {
		t.Fatalf("file not truncated, got %q", got)
	}
	q := api.lastQuery(t)
	if q.Get("action") != ActionGetFile || q.Get("hash") != "ff00" {
		t.Fatalf("unexpected query: %v", q)
	}
}

func TestDownloadMissingParentFallsBack(t *testing.T) {
	cwd := t.TempDir()
	t.Chdir(cwd)
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionGetFile: "payload"}})

	requested := filepath.Join(cwd, "no-such-dir", "out.bin")
	res, err := c.Download(context.Background(), testKey, "abc123", requested)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !res.FellBack || res.Path != "abc123.vir" || res.Requested != requested {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(cwd, "abc123.vir")); err != nil {
		t.Fatalf("fallback file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cwd, "no-such-dir")); !os.IsNotExist(err) {
		t.Fatalf("missing directory must not be created, stat err = %v", err)
	}
}

func TestDownloadWriteFailureIsIoError(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{ActionGetFile: "payload"}})

	// The target is an existing directory, so creating a file there fails.
	_, err := c.Download(context.Background(), testKey, "abc123", dir)
	var ioErr *IoError
	if !errors.As(err, &ioErr) {
		t.Fatalf("err = %v, want IoError", err)
	}
	if ioErr.Path != dir || ioErr.Hash != "abc123" {
		t.Fatalf("unexpected error context: %+v", ioErr)
	}
}

func TestDownloadRequestFailureWritesNothing(t *testing.T) {
	t.Chdir(t.TempDir())
	c := newTestClient(t, &fakeAPI{status: http.StatusNotFound})

	_, err := c.Download(context.Background(), testKey, "abc123", "")
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if _, err := os.Stat("abc123.vir"); !os.IsNotExist(err) {
		t.Fatalf("no file should be written on request failure, stat err = %v", err)
	}
}

func TestConcurrentCallsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	c := newTestClient(t, &fakeAPI{bodies: map[string]string{
		ActionDetails: `{"SHA256":"{hash}"}`,
		ActionGetFile: `content-of-{hash}`,
	}})

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n*2)
	for i := 0; i < n; i++ {
		hash := fmt.Sprintf("hash%02d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			tree, err := c.ListDetails(context.Background(), testKey, hash)
			if err != nil {
				errs <- err
				return
			}
			f, err := tree.Field("SHA256")
			if err != nil {
				errs <- err
				return
			}
			if s, _ := f.AsString(); s != hash {
				errs <- fmt.Errorf("details for %s returned %s", hash, s)
			}
		}()
		go func() {
			defer wg.Done()
			out := filepath.Join(dir, hash+".bin")
			if _, err := c.Download(context.Background(), testKey, hash, out); err != nil {
				errs <- err
				return
			}
			got, err := os.ReadFile(out)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != "content-of-"+hash {
				errs <- fmt.Errorf("sample %s has content %q", hash, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestStatusBodyRedactedBeforeTruncation(t *testing.T) {
	key := "straddling-secret-key"
	page := strings.Repeat("é", (maxSnippet-10)/2) + "xx" + key + " trailing"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(page))
	}))
	t.Cleanup(srv.Close)
	c := New(WithBaseURL(srv.URL))

	_, err := c.GetListRaw(context.Background(), key)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("err = %v, want RequestError", err)
	}
	if strings.Contains(reqErr.Body, key[:8]) {
		t.Fatalf("partial key leaked in body: %q", reqErr.Body)
	}
	if len(reqErr.Body) > maxSnippet || !utf8.ValidString(reqErr.Body) {
		t.Fatalf("snippet not cut on a rune boundary within %d bytes: len %d", maxSnippet, len(reqErr.Body))
	}
}

func TestBodySnippetCutsOnRuneBoundary(t *testing.T) {
	body := "a" + strings.Repeat("é", maxSnippet)
	got := bodySnippet(body)
	if !utf8.ValidString(got) || len(got) > maxSnippet || len(got) != maxSnippet-1 {
		t.Fatalf("bodySnippet len = %d, valid = %v", len(got), utf8.ValidString(got))
	}
}
