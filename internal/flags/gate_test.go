package flags

import (
	"context"
	"errors"
	"testing"

	"github.com/parlance-dev/parlance/pkg/provider/flags"
	"github.com/parlance-dev/parlance/pkg/provider/flags/mock"
)

func TestBucket_Deterministic(t *testing.T) {
	a := Bucket("golden-eagle-427")
	b := Bucket("golden-eagle-427")
	if a != b {
		t.Fatalf("bucket not stable: %d vs %d", a, b)
	}
	if a < 0 || a >= 100 {
		t.Fatalf("bucket %d out of range [0, 100)", a)
	}
}

func TestEvaluate_RolloutBoundary(t *testing.T) {
	// Find a session ID in bucket 9 so we can test the 10% boundary: bucket
	// 9 is included at rollout 10, bucket 10 is not.
	var id9, id10 string
	for i := 0; id9 == "" || id10 == ""; i++ {
		id := "session-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
		switch Bucket(id) {
		case 9:
			if id9 == "" {
				id9 = id
			}
		case 10:
			if id10 == "" {
				id10 = id
			}
		}
		if i > 100000 {
			t.Fatal("could not find bucket-9 and bucket-10 session IDs")
		}
	}

	oracle := &mock.Oracle{Snapshot: flags.Snapshot{Enabled: true, RolloutPercentage: 10}}
	g := NewGate(oracle)

	if !g.Evaluate(context.Background(), id9).PartialsEnabled {
		t.Errorf("bucket 9 should be inside a 10%% rollout")
	}
	if g.Evaluate(context.Background(), id10).PartialsEnabled {
		t.Errorf("bucket 10 should be outside a 10%% rollout")
	}
}

func TestEvaluate_DisabledOverridesRollout(t *testing.T) {
	oracle := &mock.Oracle{Snapshot: flags.Snapshot{Enabled: false, RolloutPercentage: 100}}
	g := NewGate(oracle)
	if g.Evaluate(context.Background(), "any").PartialsEnabled {
		t.Error("disabled flag must gate out every session")
	}
}

func TestEvaluate_OracleErrorFailsClosed(t *testing.T) {
	oracle := &mock.Oracle{Err: errors.New("flag service down")}
	g := NewGate(oracle)
	if g.Evaluate(context.Background(), "any").PartialsEnabled {
		t.Error("oracle failure must disable partials")
	}
}

func TestEvaluate_SnapshotCached(t *testing.T) {
	oracle := &mock.Oracle{Snapshot: flags.Snapshot{Enabled: true, RolloutPercentage: 100}}
	g := NewGate(oracle)

	_ = g.Evaluate(context.Background(), "s1")
	_ = g.Evaluate(context.Background(), "s2")
	_ = g.Evaluate(context.Background(), "s3")

	if got := len(oracle.Gets); got != 1 {
		t.Errorf("oracle reads = %d, want 1 (snapshot cached)", got)
	}
}

func TestEvaluate_ThresholdOverrides(t *testing.T) {
	oracle := &mock.Oracle{Snapshot: flags.Snapshot{
		Enabled:                 true,
		RolloutPercentage:       100,
		MinStabilityThreshold:   0.90,
		MaxBufferTimeoutSeconds: 4.5,
	}}
	g := NewGate(oracle)
	d := g.Evaluate(context.Background(), "s1")
	if d.MinStabilityThreshold != 0.90 {
		t.Errorf("MinStabilityThreshold = %v, want 0.90", d.MinStabilityThreshold)
	}
	if d.MaxBufferTimeout.Seconds() != 4.5 {
		t.Errorf("MaxBufferTimeout = %v, want 4.5s", d.MaxBufferTimeout)
	}
}
