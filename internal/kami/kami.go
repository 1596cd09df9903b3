// Package kami is the ledger client. It talks to the Kami sidecar, which fronts
// the subtensor chain, to read the node list and submit weights.
package kami

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/tensorplex-labs/arena/internal/config"
)

// Ledger is what the validator needs from the chain.
type Ledger interface {
	ListNodes(ctx context.Context, netuid int) ([]Node, error)
	SubmitWeights(ctx context.Context, params SetWeightsParams) (string, error)
	CurrentBlock(ctx context.Context) (int64, error)
	LastUpdateBlock(ctx context.Context, netuid int, hotkey string) (int64, error)
	Incentives(ctx context.Context, netuid int) (map[int64]float64, error)
}

// Kami is a client wrapper for the Kami HTTP API.
type Kami struct {
	// reads are idempotent and retried; extrinsics are submitted once
	readClient  *retryablehttp.Client
	writeClient *retryablehttp.Client
	BaseURL     string
}

// NewKami creates a new Kami client using the provided environment configuration.
func NewKami(cfg *config.KamiEnvConfig) (*Kami, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration cannot be nil")
	}

	timeout := cfg.KamiTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	read := retryablehttp.NewClient()
	read.RetryMax = cfg.KamiRetryMax
	read.HTTPClient.Timeout = timeout
	read.RetryWaitMin = 500 * time.Millisecond
	read.RetryWaitMax = 20 * time.Second
	read.Logger = nil

	write := retryablehttp.NewClient()
	write.RetryMax = 0
	write.HTTPClient.Timeout = timeout
	write.Logger = nil

	baseURL := fmt.Sprintf("http://%s:%s", cfg.KamiHost, cfg.KamiPort)
	log.Info().
		Str("base_url", baseURL).
		Int("retry_max", read.RetryMax).
		Str("timeout", timeout.String()).
		Msg("kami client initialized")

	return &Kami{readClient: read, writeClient: write, BaseURL: baseURL}, nil
}

func (k *Kami) doRequest(ctx context.Context, client *retryablehttp.Client, method, path string, body any) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		b, err := sonic.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, k.BaseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		log.Error().Err(err).Str("method", method).Str("path", path).Msg("kami request failed")
		return nil, 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

func decode[T any](path string, status int, body []byte) (KamiResponse[T], error) {
	var result KamiResponse[T]
	if status < 200 || status >= 300 {
		log.Error().Int("status", status).Str("body", string(body)).Str("path", path).Msg("kami non-2xx")
		return result, fmt.Errorf("request returned status %d: %s", status, string(body))
	}
	if err := sonic.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != nil {
		log.Error().Interface("error", result.Error).Str("path", path).Msg("response contains error")
		return result, fmt.Errorf("response error: %v", result.Error)
	}
	return result, nil
}

func getJSON[T any](ctx context.Context, k *Kami, path string) (KamiResponse[T], error) {
	body, status, err := k.doRequest(ctx, k.readClient, http.MethodGet, path, nil)
	if err != nil {
		return KamiResponse[T]{}, err
	}
	return decode[T](path, status, body)
}

func postJSON[T any](ctx context.Context, k *Kami, path string, payload any) (KamiResponse[T], error) {
	body, status, err := k.doRequest(ctx, k.writeClient, http.MethodPost, path, payload)
	if err != nil {
		return KamiResponse[T]{}, err
	}
	return decode[T](path, status, body)
}

// GetMetagraph fetches the subnet metagraph for the given netuid.
func (k *Kami) GetMetagraph(ctx context.Context, netuid int) (SubnetMetagraphResponse, error) {
	return getJSON[SubnetMetagraph](ctx, k, fmt.Sprintf("/chain/subnet-metagraph/%d", netuid))
}

// GetLatestBlock retrieves the latest block details from the chain.
func (k *Kami) GetLatestBlock(ctx context.Context) (LatestBlockResponse, error) {
	return getJSON[LatestBlock](ctx, k, "/chain/latest-block")
}

// SetWeights submits the weights extrinsic and returns its hash.
func (k *Kami) SetWeights(ctx context.Context, params SetWeightsParams) (ExtrinsicHashResponse, error) {
	return postJSON[string](ctx, k, "/chain/set-weights", params)
}

func (k *Kami) ListNodes(ctx context.Context, netuid int) ([]Node, error) {
	mg, err := k.GetMetagraph(ctx, netuid)
	if err != nil {
		return nil, err
	}
	return NodesFromMetagraph(&mg.Data), nil
}

func (k *Kami) SubmitWeights(ctx context.Context, params SetWeightsParams) (string, error) {
	res, err := k.SetWeights(ctx, params)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("set weights rejected: status %d", res.StatusCode)
	}
	return res.Data, nil
}

func (k *Kami) CurrentBlock(ctx context.Context) (int64, error) {
	res, err := k.GetLatestBlock(ctx)
	if err != nil {
		return 0, err
	}
	return res.Data.BlockNumber, nil
}

// LastUpdateBlock returns the block of hotkey's last weight update.
func (k *Kami) LastUpdateBlock(ctx context.Context, netuid int, hotkey string) (int64, error) {
	mg, err := k.GetMetagraph(ctx, netuid)
	if err != nil {
		return 0, err
	}
	for uid, h := range mg.Data.Hotkeys {
		if h == hotkey {
			if uid >= len(mg.Data.LastUpdate) {
				return 0, fmt.Errorf("no last update for uid %d", uid)
			}
			return mg.Data.LastUpdate[uid], nil
		}
	}
	return 0, fmt.Errorf("hotkey %s not registered on netuid %d", hotkey, netuid)
}

// Incentives returns the current incentive of every uid on the subnet.
func (k *Kami) Incentives(ctx context.Context, netuid int) (map[int64]float64, error) {
	nodes, err := k.ListNodes(ctx, netuid)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]float64, len(nodes))
	for _, n := range nodes {
		out[n.UID] = n.Incentive
	}
	return out, nil
}
