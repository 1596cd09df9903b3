package kami

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// HexOrInt handles fields that can be either a number or a hex string.
type HexOrInt struct {
	Value *big.Int
}

// UnmarshalJSON accepts numbers (e.g. 12345) or strings ("0xabc" or "12345").
func (h *HexOrInt) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		h.Value = big.NewInt(0)
		return nil
	}

	var s string
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	} else {
		s = string(b)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		h.Value = big.NewInt(0)
		return nil
	}

	v := new(big.Int)
	base, digits := 10, s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base, digits = 16, s[2:]
	}
	if _, ok := v.SetString(digits, base); !ok {
		return fmt.Errorf("invalid integer: %s", s)
	}
	h.Value = v
	return nil
}

// Int64 returns the value or 0 when unset.
func (h HexOrInt) Int64() int64 {
	if h.Value == nil {
		return 0
	}
	return h.Value.Int64()
}

type KamiResponse[T any] struct {
	StatusCode int            `json:"statusCode"`
	Success    bool           `json:"success"`
	Data       T              `json:"data"`
	Error      map[string]any `json:"error"`
}

type (
	SubnetMetagraphResponse = KamiResponse[SubnetMetagraph]
	LatestBlockResponse     = KamiResponse[LatestBlock]
	ExtrinsicHashResponse   = KamiResponse[string]
)

// SubnetMetagraph is the subset of the subnet metagraph the validator reads.
type SubnetMetagraph struct {
	Netuid          int        `json:"netuid"`
	Block           HexOrInt   `json:"block"`
	NumUids         int        `json:"numUids"`
	Hotkeys         []string   `json:"hotkeys"`
	Coldkeys        []string   `json:"coldkeys"`
	Axons           []AxonInfo `json:"axons"`
	Active          []bool     `json:"active"`
	ValidatorPermit []bool     `json:"validatorPermit"`
	LastUpdate      []int64    `json:"lastUpdate"`
	Incentives      []float64  `json:"incentives"`
	AlphaStake      []float64  `json:"alphaStake"`
	TaoStake        []float64  `json:"taoStake"`
	TotalStake      []float64  `json:"totalStake"`
}

type AxonInfo struct {
	Block    int    `json:"block"`
	Version  int    `json:"version"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	IPType   int    `json:"ipType"`
	Protocol int    `json:"protocol"`
}

type LatestBlock struct {
	ParentHash  string `json:"parentHash"`
	BlockNumber int64  `json:"blockNumber"`
}

type SetWeightsParams struct {
	Netuid     int   `json:"netuid"`
	Dests      []int `json:"dests"`
	Weights    []int `json:"weights"`
	VersionKey int   `json:"versionKey"`
}

// Node is one registered node of the subnet.
type Node struct {
	Hotkey          string
	Coldkey         string
	UID             int64
	AlphaStake      float64
	TaoStake        float64
	TotalStake      float64
	IP              string
	Port            int
	ValidatorPermit bool
	LastUpdate      int64
	Incentive       float64
}

// NodesFromMetagraph flattens the column-oriented metagraph into nodes.
func NodesFromMetagraph(m *SubnetMetagraph) []Node {
	nodes := make([]Node, 0, len(m.Hotkeys))
	for uid, hotkey := range m.Hotkeys {
		n := Node{Hotkey: hotkey, UID: int64(uid)}
		if uid < len(m.Coldkeys) {
			n.Coldkey = m.Coldkeys[uid]
		}
		if uid < len(m.Axons) {
			n.IP = m.Axons[uid].IP
			n.Port = m.Axons[uid].Port
		}
		if uid < len(m.AlphaStake) {
			n.AlphaStake = m.AlphaStake[uid]
		}
		if uid < len(m.TaoStake) {
			n.TaoStake = m.TaoStake[uid]
		}
		if uid < len(m.TotalStake) {
			n.TotalStake = m.TotalStake[uid]
		}
		if uid < len(m.ValidatorPermit) {
			n.ValidatorPermit = m.ValidatorPermit[uid]
		}
		if uid < len(m.LastUpdate) {
			n.LastUpdate = m.LastUpdate[uid]
		}
		if uid < len(m.Incentives) {
			n.Incentive = m.Incentives[uid]
		}
		nodes = append(nodes, n)
	}
	return nodes
}
