package dgbt

import "testing"

func validSplit(attr int, score float64) Split {
	return Split{
		Attribute: attr,
		Condition: &NumericalThreshold{Threshold: 1},
		Score:     score,
	}
}

func TestMergeBestSplitsKeepsHighestScore(t *testing.T) {
	merged := NewSplitPerOpenNode(2)
	if err := MergeBestSplits(SplitPerOpenNode{
		validSplit(3, 1.0),
		{Attribute: InvalidAttribute},
	}, merged); err != nil {
		t.Fatal(err)
	}
	if err := MergeBestSplits(SplitPerOpenNode{
		validSplit(1, 2.0),
		validSplit(4, 0.5),
	}, merged); err != nil {
		t.Fatal(err)
	}
	if merged[0].Attribute != 1 || merged[0].Score != 2.0 {
		t.Errorf("unexpected merged slot 0: %+v", merged[0])
	}
	if merged[1].Attribute != 4 {
		t.Errorf("unexpected merged slot 1: %+v", merged[1])
	}
}

func TestMergeBestSplitsInvalidLosesToValid(t *testing.T) {
	merged := NewSplitPerOpenNode(1)
	if err := MergeBestSplits(SplitPerOpenNode{validSplit(2, 0.1)},
		merged); err != nil {
		t.Fatal(err)
	}
	if err := MergeBestSplits(SplitPerOpenNode{
		{Attribute: InvalidAttribute},
	}, merged); err != nil {
		t.Fatal(err)
	}
	if merged[0].Attribute != 2 {
		t.Errorf("a valid split should survive an invalid proposal: %+v",
			merged[0])
	}
}

func TestMergeBestSplitsTieBreaksOnAttribute(t *testing.T) {
	// Order independence: the lower attribute wins a score tie no
	// matter the arrival order.
	for _, order := range [][]int{{7, 4}, {4, 7}} {
		merged := NewSplitPerOpenNode(1)
		for _, attr := range order {
			if err := MergeBestSplits(SplitPerOpenNode{validSplit(attr, 1.0)},
				merged); err != nil {
				t.Fatal(err)
			}
		}
		if merged[0].Attribute != 4 {
			t.Errorf("order %v: expected attribute 4 but got %d", order,
				merged[0].Attribute)
		}
	}
}

func TestMergeBestSplitsSizeMismatch(t *testing.T) {
	merged := NewSplitPerOpenNode(2)
	if err := MergeBestSplits(NewSplitPerOpenNode(3), merged); err == nil {
		t.Error("expected an error for mismatched sizes")
	}
}

func TestNumValidSplits(t *testing.T) {
	splits := NewSplitPerOpenNode(3)
	if n := NumValidSplits(splits); n != 0 {
		t.Errorf("expected 0 valid splits but got %d", n)
	}
	splits[1] = validSplit(0, 1.0)
	if n := NumValidSplits(splits); n != 1 {
		t.Errorf("expected 1 valid split but got %d", n)
	}
}

func TestConditionEvaluate(t *testing.T) {
	thr := &NumericalThreshold{Threshold: 2.5}
	if thr.Evaluate(2.0) || !thr.Evaluate(2.5) || !thr.Evaluate(3.0) {
		t.Error("unexpected numerical threshold routing")
	}

	mask := &CategoricalMask{Mask: []bool{false, true, false}}
	if mask.Evaluate(0) || !mask.Evaluate(1) || mask.Evaluate(2) {
		t.Error("unexpected categorical mask routing")
	}
	if mask.Evaluate(7) {
		t.Error("out-of-range categories should go to the negative child")
	}

	bucket := &DiscretizedBucket{Bucket: 3}
	if bucket.Evaluate(3) || !bucket.Evaluate(4) {
		t.Error("unexpected discretized bucket routing")
	}
}

func TestLabelStatistics(t *testing.T) {
	var stats LabelStatistics
	stats.Add(2, 1)
	stats.Add(4, 1)
	if stats.NumExamples != 2 || stats.Sum != 6 {
		t.Errorf("unexpected statistics: %+v", stats)
	}
	if stats.Mean() != 3 {
		t.Errorf("expected mean 3 but got %f", stats.Mean())
	}
	var other LabelStatistics
	other.Add(6, 2)
	stats.Merge(other)
	if stats.NumExamples != 3 || stats.Sum != 18 {
		t.Errorf("unexpected merged statistics: %+v", stats)
	}
}
