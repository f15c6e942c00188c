package check

import (
	"fmt"
	"math"
	"sort"
)

// ReduceMethod names a way to fold a period of sampled values into
// one value before comparing.
type ReduceMethod string

const (
	ReduceAverage ReduceMethod = "average"
	ReduceMedian  ReduceMethod = "median"
	ReduceSum     ReduceMethod = "sum"
	ReduceMin     ReduceMethod = "min"
	ReduceMax     ReduceMethod = "max"
	ReduceStd     ReduceMethod = "std"
)

// Reduce folds the given samples with the method.  An empty method
// means average.
func (m ReduceMethod) Reduce(values []float64) (float64, error) {
	if 0 == len(values) {
		return 0, &ValueError{Value: values, Reason: "no samples to reduce"}
	}
	switch m {
	case ReduceAverage, "":
		return sum(values) / float64(len(values)), nil
	case ReduceMedian:
		sorted := append([]float64{}, values...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 0 {
			return (sorted[mid-1] + sorted[mid]) / 2, nil
		}
		return sorted[mid], nil
	case ReduceSum:
		return sum(values), nil
	case ReduceMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min, nil
	case ReduceMax:
		max := values[0]
		for _, v := range values[1:] {
			if max < v {
				max = v
			}
		}
		return max, nil
	case ReduceStd:
		mean := sum(values) / float64(len(values))
		var acc float64
		for _, v := range values {
			d := v - mean
			acc += d * d
		}
		return math.Sqrt(acc / float64(len(values))), nil
	}
	return 0, fmt.Errorf("unknown reduce method: %s", m)
}

func sum(values []float64) float64 {
	var acc float64
	for _, v := range values {
		acc += v
	}
	return acc
}

// ToFloat attempts a numeric view of a value.  JSON decoding gives
// float64s, but sources can hand back native ints and bools, too.
func ToFloat(x interface{}) (float64, bool) {
	switch v := x.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// ReduceValues converts arbitrary sampled values to floats and folds
// them with the method.
func (m ReduceMethod) ReduceValues(values []interface{}) (float64, error) {
	floats := make([]float64, 0, len(values))
	for _, x := range values {
		f, ok := ToFloat(x)
		if !ok {
			return 0, &ValueError{Value: x, Reason: "cannot reduce non-numeric sample"}
		}
		floats = append(floats, f)
	}
	return m.Reduce(floats)
}
