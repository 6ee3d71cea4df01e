package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jasonlarkin/qr-live-protocol/internal/ports"
)

// Provider kinds accepted in endpoint configuration.
const (
	KindEsplora     = "esplora"
	KindBlockcypher = "blockcypher"
	KindJSONRPC     = "jsonrpc"
)

const maxBody = 1 << 20

// NewProvider builds the parser for one endpoint.
func NewProvider(chain string, ep Endpoint) (ports.ChainProvider, error) {
	if _, err := url.ParseRequestURI(ep.URL); err != nil {
		return nil, fmt.Errorf("chain %s: endpoint %q: %w", chain, ep.URL, err)
	}
	base := strings.TrimRight(ep.URL, "/")
	switch ep.Kind {
	case KindEsplora:
		return &esplora{chain: chain, base: base}, nil
	case KindBlockcypher:
		return &blockcypher{chain: chain, url: base}, nil
	case KindJSONRPC:
		return &jsonRPC{chain: chain, url: base}, nil
	default:
		return nil, fmt.Errorf("chain %s: unknown provider kind %q", chain, ep.Kind)
	}
}

// esplora speaks the Blockstream/mempool.space REST API.
type esplora struct {
	chain string
	base  string
}

func (e *esplora) Chain() string { return e.chain }
func (e *esplora) Name() string  { return hostOf(e.base) }

func (e *esplora) Fetch(ctx context.Context, client *http.Client) (ports.BlockHead, error) {
	raw, err := get(ctx, client, e.base+"/blocks/tip/hash")
	if err != nil {
		return ports.BlockHead{}, err
	}
	hash := strings.TrimSpace(string(raw))
	if !isHex(hash) {
		return ports.BlockHead{}, fmt.Errorf("esplora: tip hash %q is not hex", truncate(hash))
	}

	head := ports.BlockHead{Hash: hash}
	// height is optional; a failure here still yields a usable head
	raw, err = get(ctx, client, e.base+"/block/"+hash)
	if err == nil {
		var block struct {
			Height *uint64 `json:"height"`
		}
		if json.Unmarshal(raw, &block) == nil {
			head.Height = block.Height
		}
	}
	return head, nil
}

// blockcypher reads the chain summary endpoint, e.g. /v1/btc/main.
type blockcypher struct {
	chain string
	url   string
}

func (b *blockcypher) Chain() string { return b.chain }
func (b *blockcypher) Name() string  { return hostOf(b.url) }

func (b *blockcypher) Fetch(ctx context.Context, client *http.Client) (ports.BlockHead, error) {
	raw, err := get(ctx, client, b.url)
	if err != nil {
		return ports.BlockHead{}, err
	}
	var summary struct {
		Hash   string  `json:"hash"`
		Height *uint64 `json:"height"`
	}
	if err := json.Unmarshal(raw, &summary); err != nil {
		return ports.BlockHead{}, fmt.Errorf("blockcypher: %w", err)
	}
	if !isHex(summary.Hash) {
		return ports.BlockHead{}, fmt.Errorf("blockcypher: missing hash")
	}
	return ports.BlockHead{Hash: summary.Hash, Height: summary.Height}, nil
}

// jsonRPC asks an Ethereum-style node for its latest block.
type jsonRPC struct {
	chain string
	url   string
}

func (j *jsonRPC) Chain() string { return j.chain }
func (j *jsonRPC) Name() string  { return hostOf(j.url) }

func (j *jsonRPC) Fetch(ctx context.Context, client *http.Client) (ports.BlockHead, error) {
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_getBlockByNumber","params":["latest",false]}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.url, bytes.NewReader(body))
	if err != nil {
		return ports.BlockHead{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	raw, err := do(client, req)
	if err != nil {
		return ports.BlockHead{}, err
	}

	var resp struct {
		Result *struct {
			Hash   string `json:"hash"`
			Number string `json:"number"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ports.BlockHead{}, fmt.Errorf("jsonrpc: %w", err)
	}
	if resp.Error != nil {
		return ports.BlockHead{}, fmt.Errorf("jsonrpc: %d %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil || !isHex(strings.TrimPrefix(resp.Result.Hash, "0x")) {
		return ports.BlockHead{}, fmt.Errorf("jsonrpc: missing block hash")
	}

	head := ports.BlockHead{Hash: resp.Result.Hash}
	if n, err := strconv.ParseUint(strings.TrimPrefix(resp.Result.Number, "0x"), 16, 64); err == nil {
		head.Height = &n
	}
	return head, nil
}

func get(ctx context.Context, client *http.Client, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return do(client, req)
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s %s: unexpected status %s", req.Method, req.URL.Host, resp.Status)
	}
	return raw, nil
}

func hostOf(u string) string {
	if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return u
}

func isHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func truncate(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
