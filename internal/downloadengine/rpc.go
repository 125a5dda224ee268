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
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// rpcClient speaks the aria2 JSON-RPC-over-HTTP dialect on localhost. Its
// shape (a Get that returns a body plus a post wrapper that decodes it) is
// deliberately the same split as the teacher's registry HTTP client: one
// low-level body-returning call, and JSON decoding layered on top of it,
// rather than a do-everything method.
type rpcClient struct {
	endpoint string
	secret   string
	client   *http.Client
}

func newRPCClient(port int, secret string) *rpcClient {
	return &rpcClient{
		endpoint: "http://127.0.0.1:" + strconv.Itoa(port) + "/jsonrpc",
		secret:   secret,
		client:   &http.Client{},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// post issues one JSON-RPC call and decodes its result into v.
func (c *rpcClient) post(ctx context.Context, method string, params []interface{}, v interface{}) error {
	body, err := c.Get(ctx, method, params)
	if err != nil {
		return err
	}
	defer body.Close()

	var resp rpcResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return fmt.Errorf("decoding rpc response for %s: %w", method, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	if v != nil && resp.Result != nil {
		if err := json.Unmarshal(resp.Result, v); err != nil {
			return fmt.Errorf("unmarshalling rpc result for %s: %w", method, err)
		}
	}
	return nil
}

// Get returns the raw response body of a JSON-RPC call. The caller must
// close it.
func (c *rpcClient) Get(ctx context.Context, method string, params []interface{}) (io.ReadCloser, error) {
	allParams := append([]interface{}{"token:" + c.secret}, params...)
	req := rpcRequest{JSONRPC: "2.0", ID: "image-creator", Method: method, Params: allParams}
	buf, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("received %v status code calling %s", res.StatusCode, method)
	}
	return res.Body, nil
}

func (c *rpcClient) ping(ctx context.Context) error {
	var version struct {
		Version string `json:"version"`
	}
	return c.post(ctx, "aria2.getVersion", nil, &version)
}

func (c *rpcClient) addURI(ctx context.Context, it Item) (string, error) {
	opts := map[string]interface{}{"out": it.OutPath}
	if len(it.Headers) > 0 {
		var hdrs []string
		for k, v := range it.Headers {
			hdrs = append(hdrs, fmt.Sprintf("%s: %s", k, v))
		}
		opts["header"] = hdrs
	}
	var gid string
	err := c.post(ctx, "aria2.addUri", []interface{}{[]string{it.URI}, opts}, &gid)
	return gid, err
}

type rawStatus struct {
	status          string
	totalLength     int64
	completedLength int64
	downloadSpeed   int64
	errorMessage    string
}

func (c *rpcClient) tellStatus(ctx context.Context, gid string) (rawStatus, error) {
	var wire struct {
		Status          string `json:"status"`
		TotalLength     string `json:"totalLength"`
		CompletedLength string `json:"completedLength"`
		DownloadSpeed   string `json:"downloadSpeed"`
		ErrorMessage    string `json:"errorMessage"`
	}
	if err := c.post(ctx, "aria2.tellStatus", []interface{}{gid}, &wire); err != nil {
		return rawStatus{}, err
	}
	return rawStatus{
		status:          wire.Status,
		totalLength:     parseIntOr0(wire.TotalLength),
		completedLength: parseIntOr0(wire.CompletedLength),
		downloadSpeed:   parseIntOr0(wire.DownloadSpeed),
		errorMessage:    wire.ErrorMessage,
	}, nil
}

func (c *rpcClient) shutdown(ctx context.Context) error {
	return c.post(ctx, "aria2.shutdown", nil, nil)
}

func parseIntOr0(s string) int64 {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int64(r-'0')
	}
	return n
}

func randomSecret() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
