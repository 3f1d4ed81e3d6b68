package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

type DecisionTree struct {
	Nodes []TreeNode `json:"nodes"`
}

type TreeNode struct {
	FeatureIdx int       `json:"feature_idx"`
	Threshold  float64   `json:"threshold"`
	LeftChild  int       `json:"left_child"`
	RightChild int       `json:"right_child"`
	IsLeaf     bool      `json:"is_leaf"`
	Value      []float64 `json:"value"`
	Impurity   float64   `json:"impurity"`
	Samples    int       `json:"samples"`
}

type TreeParams struct {
	MaxDepth        int
	MinSamplesSplit int
	// MaxFeatures is the number of features tried at each split; 0 tries all.
	MaxFeatures int
}

func (dt *DecisionTree) Train(features [][]float64, labels []int, numClasses int, params TreeParams, rnd *rand.Rand) error {
	if len(features) == 0 || len(labels) == 0 {
		return errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return errors.New("features and labels size mismatch")
	}
	if numClasses < 2 {
		return errors.New("at least two classes required")
	}
	for _, label := range labels {
		if label < 0 || label >= numClasses {
			return fmt.Errorf("label %d out of range", label)
		}
	}
	if params.MaxDepth <= 0 {
		params.MaxDepth = 3
	}
	if params.MinSamplesSplit < 2 {
		params.MinSamplesSplit = 2
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(1))
	}

	b := &treeBuilder{numClasses: numClasses, params: params, rnd: rnd}
	dt.Nodes = b.buildNode(features, labels, 0)
	return nil
}

// Distribution returns the normalized class distribution of the leaf x falls into.
func (dt *DecisionTree) Distribution(x []float64) ([]float64, error) {
	if len(dt.Nodes) == 0 {
		return nil, errors.New("model not trained")
	}
	idx := 0
	for steps := 0; steps <= len(dt.Nodes); steps++ {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return normalize(node.Value), nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(x) {
			return nil, errors.New("feature index out of range")
		}
		if x[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx < 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
	return nil, errors.New("invalid tree state: cycle")
}

// impurityDecrease sums the weighted impurity decrease of every split per
// feature, normalized to 1. A tree without splits yields all zeros.
func (dt *DecisionTree) impurityDecrease(numFeatures int) []float64 {
	out := make([]float64, numFeatures)
	total := 0.0
	for _, node := range dt.Nodes {
		if node.IsLeaf {
			continue
		}
		left, right := dt.Nodes[node.LeftChild], dt.Nodes[node.RightChild]
		decrease := float64(node.Samples)*node.Impurity -
			float64(left.Samples)*left.Impurity -
			float64(right.Samples)*right.Impurity
		if decrease < 0 {
			decrease = 0
		}
		out[node.FeatureIdx] += decrease
		total += decrease
	}
	if total > 0 {
		for i := range out {
			out[i] /= total
		}
	}
	return out
}

func (dt *DecisionTree) validate(numClasses, numFeatures int) error {
	if len(dt.Nodes) == 0 {
		return errors.New("empty tree")
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if len(node.Value) != numClasses {
				return fmt.Errorf("node %d: value has %d entries, want %d", i, len(node.Value), numClasses)
			}
			// leaf values are class counts or fractions
			for _, v := range node.Value {
				if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
					return fmt.Errorf("node %d: invalid class value %v", i, v)
				}
			}
			if sum(node.Value) == 0 {
				return fmt.Errorf("node %d: empty class distribution", i)
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= numFeatures {
			return fmt.Errorf("node %d: feature index %d out of range", i, node.FeatureIdx)
		}
		if node.LeftChild <= i || node.LeftChild >= len(dt.Nodes) ||
			node.RightChild <= i || node.RightChild >= len(dt.Nodes) {
			return fmt.Errorf("node %d: child index out of range", i)
		}
	}
	return nil
}

type treeBuilder struct {
	numClasses int
	params     TreeParams
	rnd        *rand.Rand
}

// buildNode returns the subtree in preorder with child indices relative to
// the subtree root.
func (b *treeBuilder) buildNode(features [][]float64, labels []int, depth int) []TreeNode {
	counts := classCounts(labels, b.numClasses)
	leaf := []TreeNode{{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		IsLeaf:     true,
		Value:      counts,
		Impurity:   gini(counts),
		Samples:    len(labels),
	}}
	if depth >= b.params.MaxDepth || len(labels) < b.params.MinSamplesSplit || isPure(counts) {
		return leaf
	}

	bestFeature, threshold, ok := b.findBestSplit(features, labels)
	if !ok {
		return leaf
	}

	leftFeatures, leftLabels, rightFeatures, rightLabels := splitData(features, labels, bestFeature, threshold)
	if len(leftLabels) == 0 || len(rightLabels) == 0 {
		return leaf
	}

	leftNodes := b.buildNode(leftFeatures, leftLabels, depth+1)
	rightNodes := b.buildNode(rightFeatures, rightLabels, depth+1)

	root := TreeNode{
		FeatureIdx: bestFeature,
		Threshold:  threshold,
		LeftChild:  1,
		RightChild: 1 + len(leftNodes),
		Value:      counts,
		Impurity:   gini(counts),
		Samples:    len(labels),
	}

	nodes := make([]TreeNode, 0, 1+len(leftNodes)+len(rightNodes))
	nodes = append(nodes, root)
	nodes = append(nodes, shiftChildren(leftNodes, 1)...)
	nodes = append(nodes, shiftChildren(rightNodes, 1+len(leftNodes))...)
	return nodes
}

func shiftChildren(nodes []TreeNode, offset int) []TreeNode {
	for i := range nodes {
		if nodes[i].IsLeaf {
			continue
		}
		nodes[i].LeftChild += offset
		nodes[i].RightChild += offset
	}
	return nodes
}

func (b *treeBuilder) candidateFeatures(featureCount int) []int {
	all := b.rnd.Perm(featureCount)
	if b.params.MaxFeatures <= 0 || b.params.MaxFeatures >= featureCount {
		sort.Ints(all)
		return all
	}
	return all[:b.params.MaxFeatures]
}

func (b *treeBuilder) findBestSplit(features [][]float64, labels []int) (int, float64, bool) {
	bestFeature := -1
	bestThreshold := 0.0
	bestImpurity := math.MaxFloat64

	for _, featureIdx := range b.candidateFeatures(len(features[0])) {
		values := make([]float64, len(features))
		for i := range features {
			values[i] = features[i][featureIdx]
		}
		for _, threshold := range quartiles(values) {
			leftLabels, rightLabels := splitLabels(features, labels, featureIdx, threshold)
			if len(leftLabels) == 0 || len(rightLabels) == 0 {
				continue
			}
			impurity := weightedGini(classCounts(leftLabels, b.numClasses), classCounts(rightLabels, b.numClasses))
			if impurity < bestImpurity {
				bestImpurity = impurity
				bestFeature = featureIdx
				bestThreshold = threshold
			}
		}
	}
	if bestFeature == -1 {
		return -1, 0, false
	}
	return bestFeature, bestThreshold, true
}

func splitData(features [][]float64, labels []int, featureIdx int, threshold float64) ([][]float64, []int, [][]float64, []int) {
	leftFeatures := make([][]float64, 0)
	leftLabels := make([]int, 0)
	rightFeatures := make([][]float64, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftFeatures = append(leftFeatures, feature)
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightFeatures = append(rightFeatures, feature)
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftFeatures, leftLabels, rightFeatures, rightLabels
}

func splitLabels(features [][]float64, labels []int, featureIdx int, threshold float64) ([]int, []int) {
	leftLabels := make([]int, 0)
	rightLabels := make([]int, 0)
	for i, feature := range features {
		if feature[featureIdx] <= threshold {
			leftLabels = append(leftLabels, labels[i])
		} else {
			rightLabels = append(rightLabels, labels[i])
		}
	}
	return leftLabels, rightLabels
}

func classCounts(labels []int, numClasses int) []float64 {
	counts := make([]float64, numClasses)
	for _, label := range labels {
		counts[label]++
	}
	return counts
}

func weightedGini(left, right []float64) float64 {
	leftWeight := sum(left)
	rightWeight := sum(right)
	total := leftWeight + rightWeight
	return (leftWeight/total)*gini(left) + (rightWeight/total)*gini(right)
}

func gini(counts []float64) float64 {
	n := sum(counts)
	if n == 0 {
		return 0
	}
	impurity := 1.0
	for _, count := range counts {
		prob := count / n
		impurity -= prob * prob
	}
	return impurity
}

// quartiles returns the distinct 25th, 50th and 75th percentile values.
func quartiles(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	out := make([]float64, 0, 3)
	for _, q := range []float64{0.25, 0.5, 0.75} {
		v := percentile(sorted, q)
		if len(out) == 0 || out[len(out)-1] != v {
			out = append(out, v)
		}
	}
	return out
}

func percentile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

func isPure(counts []float64) bool {
	nonZero := 0
	for _, c := range counts {
		if c > 0 {
			nonZero++
		}
	}
	return nonZero <= 1
}

func normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	total := sum(values)
	if total == 0 {
		return out
	}
	for i, v := range values {
		out[i] = v / total
	}
	return out
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}
