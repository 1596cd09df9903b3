package kami

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorplex-labs/arena/internal/config"
)

const metagraphPayload = `{"statusCode":200,"success":true,"data":{
"netuid":1,"block":"0x64","numUids":3,
"hotkeys":["hk0","hk1","hk2"],"coldkeys":["ck0","ck1"],
"axons":[{"ip":"10.0.0.1","port":8091},{"ip":"10.0.0.2","port":8092},{"ip":"0.0.0.0","port":0}],
"validatorPermit":[true,false,false],"lastUpdate":[90,10,20],
"incentives":[0,0.75,0.25],"alphaStake":[5000,10,0],"taoStake":[100,0,0],"totalStake":[5100,10,0],
"someNewField":42},"error":null}`

func newTestServer(t *testing.T, handler http.HandlerFunc) *Kami {
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	k, err := NewKami(&config.KamiEnvConfig{KamiHost: "127.0.0.1", KamiPort: "0", KamiRetryMax: 2, KamiTimeout: 5 * time.Second})
	require.NoError(t, err)
	k.BaseURL = ts.URL
	k.readClient.RetryWaitMin = time.Millisecond
	k.readClient.RetryWaitMax = time.Millisecond
	return k
}

func TestNewKami_NilConfig(t *testing.T) {
	_, err := NewKami(nil)
	assert.Error(t, err)
}

func TestListNodes(t *testing.T) {
	k := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chain/subnet-metagraph/1" || r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(metagraphPayload))
	})

	nodes, err := k.ListNodes(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	assert.Equal(t, Node{
		Hotkey: "hk1", Coldkey: "ck1", UID: 1, AlphaStake: 10, TotalStake: 10,
		IP: "10.0.0.2", Port: 8092, LastUpdate: 10, Incentive: 0.75,
	}, nodes[1])
	assert.Empty(t, nodes[2].Coldkey)
	assert.True(t, nodes[0].ValidatorPermit)

	last, err := k.LastUpdateBlock(context.Background(), 1, "hk0")
	require.NoError(t, err)
	assert.Equal(t, int64(90), last)

	_, err = k.LastUpdateBlock(context.Background(), 1, "missing")
	assert.Error(t, err)

	incentives, err := k.Incentives(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, incentives, 3)
	assert.InDelta(t, 0.75, incentives[1], 1e-12)
}

func TestCurrentBlock(t *testing.T) {
	k := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chain/latest-block" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"statusCode":200,"success":true,"data":{"parentHash":"0x1","blockNumber":1234},"error":null}`))
	})
	block, err := k.CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1234), block)
}

func TestReadsAreRetried(t *testing.T) {
	var calls atomic.Int32
	k := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"statusCode":200,"success":true,"data":{"blockNumber":7},"error":null}`))
	})
	block, err := k.CurrentBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), block)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubmitWeights(t *testing.T) {
	var calls atomic.Int32
	var got SetWeightsParams
	k := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/chain/set-weights" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		require.NoError(t, decodeBody(r, &got))
		_, _ = w.Write([]byte(`{"statusCode":200,"success":true,"data":"0xdead","error":null}`))
	})

	hash, err := k.SubmitWeights(context.Background(), SetWeightsParams{Netuid: 1, Dests: []int{1, 2}, Weights: []int{65535, 100}, VersionKey: 3})
	require.NoError(t, err)
	assert.Equal(t, "0xdead", hash)
	assert.Equal(t, []int{1, 2}, got.Dests)
	assert.Equal(t, 3, got.VersionKey)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitWeights_Errors(t *testing.T) {
	var calls atomic.Int32
	k := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("boom"))
		default:
			_, _ = w.Write([]byte(`{"statusCode":200,"success":false,"data":"","error":{"msg":"rate limited"}}`))
		}
	})

	_, err := k.SubmitWeights(context.Background(), SetWeightsParams{})
	assert.Error(t, err)
	// writes are not retried
	assert.Equal(t, int32(1), calls.Load())

	_, err = k.SubmitWeights(context.Background(), SetWeightsParams{})
	assert.ErrorContains(t, err, "rate limited")
}

func TestHexOrInt(t *testing.T) {
	var h HexOrInt
	require.NoError(t, h.UnmarshalJSON([]byte(`"0x10"`)))
	assert.Equal(t, int64(16), h.Int64())
	require.NoError(t, h.UnmarshalJSON([]byte(`42`)))
	assert.Equal(t, int64(42), h.Int64())
	require.NoError(t, h.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, int64(0), h.Int64())
	assert.Error(t, h.UnmarshalJSON([]byte(`"zz"`)))
}
