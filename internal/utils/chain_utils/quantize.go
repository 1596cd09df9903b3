package chainutils

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// U16Max is the on-chain weight scale.
const U16Max = math.MaxUint16

// QuantizeWeights scales weights so the largest becomes U16Max and drops
// entries that round to zero. The result is empty when every weight is zero.
func QuantizeWeights(uids []int64, weights []float64) (dests []int, values []int, err error) {
	if len(uids) != len(weights) {
		return nil, nil, fmt.Errorf("got %d uids for %d weights", len(uids), len(weights))
	}
	for i := range uids {
		if uids[i] < 0 || weights[i] < 0 || math.IsNaN(weights[i]) {
			return nil, nil, fmt.Errorf("invalid weight entry uid=%d weight=%f", uids[i], weights[i])
		}
	}

	dests, values = []int{}, []int{}
	if len(weights) == 0 {
		return dests, values, nil
	}
	top := floats.Max(weights)
	if top == 0 {
		return dests, values, nil
	}
	for i, w := range weights {
		if v := int(math.Round(w / top * U16Max)); v > 0 {
			dests = append(dests, int(uids[i]))
			values = append(values, v)
		}
	}
	return dests, values, nil
}
