// Package noderpc is a minimal RPC client for the auxiliary node's base
// node service. It speaks JSON-RPC 2.0 over HTTP and is always pointed at
// the local relay's loopback address, which tunnels the traffic to the
// real node (optionally through SOCKS5).
//
// Only the two calls needed for the merge-mining handshake are
// implemented: get_new_block_template and get_new_block. The wire schema
// is owned by the node.
package noderpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coinstash/auxrelay/internal/logging"
)

// PowAlgoRandomX selects the RandomX proof-of-work algorithm in template
// requests.
const PowAlgoRandomX = "randomx"

// DefaultTimeout bounds a single RPC call when no explicit timeout is
// configured.
const DefaultTimeout = 10 * time.Second

// Client is a JSON-RPC client bound to one base node address.
type Client struct {
	url  string
	http *http.Client
	log  *slog.Logger
}

// NewClient creates a client for the node reachable at addr (host:port).
func NewClient(addr string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &Client{
		url: "http://" + addr + "/json_rpc",
		http: &http.Client{
			Timeout: timeout,
		},
		log: log.With(logging.KeyComponent, "noderpc"),
	}
}

// NewBlock is the result of a get_new_block call.
type NewBlock struct {
	// UniqueID is the auxiliary chain identifier derived from the block.
	UniqueID []byte

	// TargetDifficulty is the target difficulty for the template, when
	// the node reports one.
	TargetDifficulty []byte
}

// JSON-RPC envelope types.
type rpcRequest struct {
	ID      string `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	ID      string          `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type newBlockTemplateParams struct {
	PowAlgo   string `json:"pow_algo"`
	MaxWeight uint64 `json:"max_weight"`
}

type newBlockTemplateResult struct {
	NewBlockTemplate json.RawMessage `json:"new_block_template"`
}

type getNewBlockParams struct {
	NewBlockTemplate json.RawMessage `json:"new_block_template"`
}

type getNewBlockResult struct {
	UniqueID         string `json:"tari_unique_id"`
	TargetDifficulty string `json:"target_difficulty"`
}

// GetNewBlockTemplate requests a minimal block template for the given
// proof-of-work algorithm. The returned template is opaque to the caller
// and is only ever fed back into GetNewBlock.
func (c *Client) GetNewBlockTemplate(ctx context.Context, powAlgo string, maxWeight uint64) (json.RawMessage, error) {
	var result newBlockTemplateResult
	err := c.call(ctx, "get_new_block_template", newBlockTemplateParams{
		PowAlgo:   powAlgo,
		MaxWeight: maxWeight,
	}, &result)
	if err != nil {
		return nil, err
	}
	if len(result.NewBlockTemplate) == 0 {
		return nil, fmt.Errorf("get_new_block_template: empty template")
	}
	return result.NewBlockTemplate, nil
}

// GetNewBlock materializes a block from a template and returns the chain
// identifier (and target difficulty, when reported).
func (c *Client) GetNewBlock(ctx context.Context, template json.RawMessage) (*NewBlock, error) {
	var result getNewBlockResult
	err := c.call(ctx, "get_new_block", getNewBlockParams{
		NewBlockTemplate: template,
	}, &result)
	if err != nil {
		return nil, err
	}

	id, err := hex.DecodeString(result.UniqueID)
	if err != nil {
		return nil, fmt.Errorf("get_new_block: decode unique id: %w", err)
	}

	block := &NewBlock{UniqueID: id}
	if result.TargetDifficulty != "" {
		diff, err := hex.DecodeString(result.TargetDifficulty)
		if err != nil {
			return nil, fmt.Errorf("get_new_block: decode target difficulty: %w", err)
		}
		block.TargetDifficulty = diff
	}
	return block, nil
}

// call performs one JSON-RPC round trip.
func (c *Client) call(ctx context.Context, method string, params, result any) error {
	reqBody, err := json.Marshal(&rpcRequest{
		ID:      "0",
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: non-2xx status: %d", method, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: read response: %w", method, err)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("%s: %w", method, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
	}
	return nil
}
