package control

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/beenet-mesh/meshfs/pkg/index"
)

func newTestServer(t *testing.T) (*Server, *index.Index) {
	t.Helper()
	idx, err := index.Open(t.TempDir(), "aaaaaaaaaaaaaaaaaa", "alice")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	return NewServer(idx, nil), idx
}

func TestGetSrc(t *testing.T) {
	s, idx := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/getSrc", nil)
	s.mux.ServeHTTP(rec, req)

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["src"] != idx.SourceHash() {
		t.Fatalf("src = %q, want %q", body["src"], idx.SourceHash())
	}
}

func TestUploadDataAndGetFile(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "hello.txt")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte("hello\n"))
	mw.WriteField("parent", "aaaaaaaaaaaaaaaaaa")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/uploadData", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("uploadData status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var result map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal uploadData response: %v", err)
	}
	fileHash := result["hash"]
	if fileHash == "" {
		t.Fatal("uploadData did not return a hash")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/getFile/"+fileHash, nil)
	getRec := httptest.NewRecorder()
	s.mux.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusOK {
		t.Fatalf("getFile status = %d", getRec.Code)
	}
	if got := getRec.Body.String(); got != "hello\n" {
		t.Fatalf("getFile body = %q, want %q", got, "hello\n")
	}
}

func TestMkdirAndDeleteNode(t *testing.T) {
	s, idx := newTestServer(t)

	form := url.Values{"name": {"subdir"}, "parent": {idx.SourceHash()}}
	req := httptest.NewRequest(http.MethodPost, "/mkdir", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var result map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal mkdir response: %v", err)
	}
	dirHash := result["hash"]
	if dirHash == "" {
		t.Fatal("mkdir did not return a hash")
	}

	delReq := httptest.NewRequest(http.MethodGet, "/deleteNode/"+dirHash, nil)
	delRec := httptest.NewRecorder()
	s.mux.ServeHTTP(delRec, delReq)
	if got := delRec.Body.String(); got != "success" {
		t.Fatalf("deleteNode body = %q, want success", got)
	}

	delRec2 := httptest.NewRecorder()
	s.mux.ServeHTTP(delRec2, httptest.NewRequest(http.MethodGet, "/deleteNode/"+dirHash, nil))
	if got := delRec2.Body.String(); got != "Not Found" {
		t.Fatalf("second deleteNode body = %q, want Not Found", got)
	}
}

func TestGetNodeUnknownReturnsNull(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/getNode/doesnotexist", nil))
	if got := strings.TrimSpace(rec.Body.String()); got != "null" {
		t.Fatalf("getNode unknown body = %q, want null", got)
	}
}
