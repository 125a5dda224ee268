// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package downloadengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync"
	"testing"
)

// fakeAria2 is a minimal stand-in for the engine's RPC surface, enough to
// drive Engine.Fetch end to end without spawning a real child process.
type fakeAria2 struct {
	mu       sync.Mutex
	gidSeq   int
	statuses map[string]rawStatus
}

func newFakeAria2() *fakeAria2 {
	return &fakeAria2{statuses: map[string]rawStatus{}}
}

func (f *fakeAria2) handler(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	resp := rpcResponse{}
	switch req.Method {
	case "aria2.getVersion":
		resp.Result = json.RawMessage(`{"version":"1.0"}`)
	case "aria2.addUri":
		f.mu.Lock()
		f.gidSeq++
		gid := strconv.Itoa(f.gidSeq)
		f.statuses[gid] = rawStatus{status: "complete", totalLength: 10, completedLength: 10}
		f.mu.Unlock()
		b, _ := json.Marshal(gid)
		resp.Result = b
	case "aria2.tellStatus":
		gid, _ := req.Params[1].(string)
		f.mu.Lock()
		st := f.statuses[gid]
		f.mu.Unlock()
		b, _ := json.Marshal(map[string]string{
			"status":          st.status,
			"totalLength":     strconv.FormatInt(st.totalLength, 10),
			"completedLength": strconv.FormatInt(st.completedLength, 10),
			"downloadSpeed":   "0",
			"errorMessage":    st.errorMessage,
		})
		resp.Result = b
	case "aria2.shutdown":
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func newTestEngine(t *testing.T, srv *httptest.Server) *Engine {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return &Engine{
		rpc:        newRPCClient(port, "test-secret"),
		handles:    map[string]*handle{},
		maxRetries: 3,
	}
}

func TestFetchSuccessVerifiesChecksum(t *testing.T) {
	fake := newFakeAria2()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	e := newTestEngine(t, srv)
	e.rpc.endpoint = srv.URL

	dir := t.TempDir()
	outPath := dir + "/payload.bin"
	content := []byte("0123456789")
	if err := os.WriteFile(outPath, content, 0600); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)

	it := Item{
		URI:     "https://example.com/payload.bin",
		OutPath: outPath,
		Checksum: &Checksum{
			Algo: "sha256",
			Hex:  hex.EncodeToString(sum[:]),
		},
		ExpectedSize: 10,
	}

	var gotStatuses []Status
	st, err := e.Fetch(context.Background(), it, func(s Status) { gotStatuses = append(gotStatuses, s) })
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if st.State != Done {
		t.Fatalf("state = %v, want Done", st.State)
	}
	if st.Total != 10 {
		t.Errorf("total = %d, want 10 (first non-zero of declared/engine)", st.Total)
	}
	if len(gotStatuses) == 0 {
		t.Errorf("expected at least one progress callback")
	}
}

func TestFetchChecksumMismatchFailsAfterRetries(t *testing.T) {
	fake := newFakeAria2()
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	e := newTestEngine(t, srv)
	e.rpc.endpoint = srv.URL
	e.maxRetries = 1

	dir := t.TempDir()
	outPath := dir + "/payload.bin"
	if err := os.WriteFile(outPath, []byte("0123456789"), 0600); err != nil {
		t.Fatal(err)
	}

	it := Item{
		URI:      "https://example.com/payload.bin",
		OutPath:  outPath,
		Checksum: &Checksum{Algo: "sha256", Hex: "0000000000000000000000000000000000000000000000000000000000000000"},
	}

	_, err := e.Fetch(context.Background(), it, nil)
	if err == nil {
		t.Fatal("expected checksum mismatch to fail the fetch")
	}
}
