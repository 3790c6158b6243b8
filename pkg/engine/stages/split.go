package stages

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"

	"github.com/polisai/upsg/pkg/data"
	"github.com/polisai/upsg/pkg/domain"
	"github.com/polisai/upsg/pkg/pipeline"
)

// SplitTrainTest partitions N aligned tables with one shared shuffle. Input
// inputI yields trainI and testI. Only requested outputs are materialized.
type SplitTrainTest struct {
	n        int
	testSize float64
	seed     uint64
}

// NewSplitTrainTest reads "inputs" (count, default 1), "test_size" (fraction
// in (0,1), default 0.25) and "seed" (default 0).
func NewSplitTrainTest(config map[string]any) (pipeline.Stage, error) {
	n, err := intParam(config, "inputs", 1)
	if err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, invalid("split.train_test needs at least one input, got %d", n)
	}
	testSize, err := floatParam(config, "test_size", 0.25)
	if err != nil {
		return nil, err
	}
	if testSize <= 0 || testSize >= 1 {
		return nil, invalid("test_size must be in (0, 1), got %v", testSize)
	}
	seed, err := intParam(config, "seed", 0)
	if err != nil {
		return nil, err
	}
	return &SplitTrainTest{n: n, testSize: testSize, seed: uint64(seed)}, nil
}

func (s *SplitTrainTest) InputKeys() []string {
	keys := make([]string, s.n)
	for i := range keys {
		keys[i] = "input" + strconv.Itoa(i)
	}
	return keys
}

func (s *SplitTrainTest) OutputKeys() []string {
	keys := make([]string, 0, 2*s.n)
	for i := 0; i < s.n; i++ {
		keys = append(keys, "train"+strconv.Itoa(i), "test"+strconv.Itoa(i))
	}
	return keys
}

func (s *SplitTrainTest) Run(ctx context.Context, rc *pipeline.RunContext) (map[string]*data.Handle, error) {
	out := make(map[string]*data.Handle)
	var (
		train, test []int
		rows        = -1
	)
	for i := 0; i < s.n; i++ {
		idx := strconv.Itoa(i)
		wantTrain, wantTest := rc.Wants("train"+idx), rc.Wants("test"+idx)
		if !wantTrain && !wantTest {
			continue
		}
		in, err := rc.Input("input" + idx)
		if err != nil {
			return nil, err
		}
		t, err := in.ReadTable(ctx)
		if err != nil {
			return nil, err
		}
		if rows < 0 {
			rows = t.NumRows()
			train, test = s.partition(rows)
		} else if t.NumRows() != rows {
			return nil, &pipeline.KeyError{Node: rc.Node, Key: "input" + idx, Side: pipeline.SideInput,
				Err: fmt.Errorf("%w: %d rows, want %d", domain.ErrContractViolation, t.NumRows(), rows)}
		}

		if wantTrain {
			h, err := data.NewTableHandle(rc.Env, t.Subset(train))
			if err != nil {
				return nil, err
			}
			out["train"+idx] = h
		}
		if wantTest {
			h, err := data.NewTableHandle(rc.Env, t.Subset(test))
			if err != nil {
				return nil, err
			}
			out["test"+idx] = h
		}
	}
	return out, nil
}

// partition shuffles row indexes with the configured seed. The test share is
// rounded up.
func (s *SplitTrainTest) partition(rows int) (train, test []int) {
	perm := rand.New(rand.NewPCG(s.seed, s.seed)).Perm(rows)
	nTest := int(math.Ceil(s.testSize * float64(rows)))
	if nTest > rows {
		nTest = rows
	}
	return perm[nTest:], perm[:nTest]
}
