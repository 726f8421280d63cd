package plume

import (
	"math"
	"math/rand"
	"sort"
)

// MinSamples is the smallest batch the outlier model can be fit on
const MinSamples = 2

// eulerGamma is used in the average unsuccessful BST search length
const eulerGamma = 0.5772156649015329

// Detector labels every row of a feature matrix as normal or anomalous.
// Implementations are fit fresh on each call and keep no state between
// batches.
type Detector interface {
	FitLabel(features [][]float64) ([]Label, error)
}

// Scorer is a Detector that also exposes its continuous score per row.
// Lower scores are more anomalous.
type Scorer interface {
	Detector
	FitScore(features [][]float64) ([]Label, []float64, error)
}

// IsolationForest is an ensemble of random isolation trees. Anomalies are
// isolated in fewer random splits, so short average paths score low.
type IsolationForest struct {
	Trees         int
	MaxSamples    int     // subsample size per tree, capped at the batch size
	Contamination float64 // expected anomaly fraction, sets the decision offset
	Seed          int64
}

// NewIsolationForest builds a detector from configuration
func NewIsolationForest(cfg DetectorConfig) *IsolationForest {
	return &IsolationForest{
		Trees:         cfg.Trees,
		MaxSamples:    cfg.MaxSamples,
		Contamination: cfg.Contamination,
		Seed:          cfg.Seed,
	}
}

// FitLabel fits the forest on features and labels each row
func (f *IsolationForest) FitLabel(features [][]float64) ([]Label, error) {
	labels, _, err := f.FitScore(features)
	return labels, err
}

// FitScore fits the forest and returns labels plus scores in [-1, 0].
//
// Rows containing a non-finite value cannot be placed in a tree; they are
// labelled Anomaly with score -1 and left out of the fit. Fewer than
// MinSamples finite rows is a ModelFitError.
func (f *IsolationForest) FitScore(features [][]float64) ([]Label, []float64, error) {
	var finite []int
	for i, row := range features {
		if rowFinite(row) {
			finite = append(finite, i)
		}
	}
	if len(finite) < MinSamples {
		return nil, nil, &ModelFitError{Samples: len(finite), Min: MinSamples}
	}

	data := make([][]float64, len(finite))
	for i, idx := range finite {
		data[i] = features[idx]
	}

	psi := f.MaxSamples
	if psi <= 0 || psi > len(data) {
		psi = len(data)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(psi))))

	trees := f.Trees
	if trees < 1 {
		trees = 1
	}
	rng := rand.New(rand.NewSource(f.Seed))
	forest := make([]*isoNode, trees)
	for t := range forest {
		sample := rng.Perm(len(data))[:psi]
		treeRng := rand.New(rand.NewSource(rng.Int63()))
		forest[t] = buildIsoTree(data, sample, 0, maxDepth, treeRng)
	}

	norm := averagePathLength(psi)
	fitScores := make([]float64, len(data))
	for i, row := range data {
		var total float64
		for _, tree := range forest {
			total += tree.pathLength(row)
		}
		mean := total / float64(len(forest))
		fitScores[i] = -math.Pow(2, -mean/norm)
	}

	offset := percentile(fitScores, 100*f.Contamination)

	labels := make([]Label, len(features))
	scores := make([]float64, len(features))
	for i := range labels {
		labels[i] = Anomaly
		scores[i] = -1
	}
	for i, idx := range finite {
		scores[idx] = fitScores[i]
		if fitScores[i] >= offset {
			labels[idx] = Normal
		}
	}
	return labels, scores, nil
}

// isoNode is an isolation tree node; leaves have nil children
type isoNode struct {
	feature     int
	threshold   float64
	left, right *isoNode
	size        int
}

func buildIsoTree(data [][]float64, idx []int, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(idx) < 2 {
		return &isoNode{size: len(idx)}
	}

	// Draw features in random order until one still varies in this node
	for _, feat := range rng.Perm(len(data[idx[0]])) {
		lo, hi := data[idx[0]][feat], data[idx[0]][feat]
		for _, i := range idx[1:] {
			v := data[i][feat]
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		if hi <= lo {
			continue
		}

		threshold := lo + rng.Float64()*(hi-lo)
		var left, right []int
		for _, i := range idx {
			if data[i][feat] <= threshold {
				left = append(left, i)
			} else {
				right = append(right, i)
			}
		}
		return &isoNode{
			feature:   feat,
			threshold: threshold,
			left:      buildIsoTree(data, left, depth+1, maxDepth, rng),
			right:     buildIsoTree(data, right, depth+1, maxDepth, rng),
			size:      len(idx),
		}
	}
	return &isoNode{size: len(idx)}
}

func (n *isoNode) pathLength(x []float64) float64 {
	depth := 0
	for n.left != nil {
		if x[n.feature] <= n.threshold {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return float64(depth) + averagePathLength(n.size)
}

// averagePathLength is c(n), the mean path length of an unsuccessful
// search in a binary search tree of n points
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile uses linear interpolation between closest ranks
func percentile(values []float64, p float64) float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func rowFinite(row []float64) bool {
	for _, v := range row {
		if !isFinite(v) {
			return false
		}
	}
	return true
}

// DetectAnomalies labels a refined batch with d. An empty batch yields no
// records and no error.
func DetectAnomalies(d Detector, refined []RefinedRecord) ([]ScoredRecord, error) {
	if len(refined) == 0 {
		return nil, nil
	}

	features := make([][]float64, len(refined))
	for i := range refined {
		features[i] = refined[i].Features()
	}

	var (
		labels []Label
		scores []float64
		err    error
	)
	if s, ok := d.(Scorer); ok {
		labels, scores, err = s.FitScore(features)
	} else {
		labels, err = d.FitLabel(features)
	}
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredRecord, len(refined))
	for i := range refined {
		scored[i] = ScoredRecord{RefinedRecord: refined[i], Label: labels[i]}
		if scores != nil {
			scored[i].Score = scores[i]
		} else {
			scored[i].Score = math.NaN()
		}
	}
	return scored, nil
}
