// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package replication

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	resumeTokens  map[string]string   // dataset -> token
	snapshots     map[string][]string // dataset -> tags, oldest first
	versionOK     map[string]bool     // dataset -> filesystem version >= 2.0
	compressionOn map[string]bool     // dataset -> own compression property != off
	tools         map[string]bool     // "dataset/tool" -> available
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		resumeTokens:  map[string]string{},
		snapshots:     map[string][]string{},
		versionOK:     map[string]bool{},
		compressionOn: map[string]bool{},
		tools:         map[string]bool{},
	}
}

func (f *fakeInspector) ResumeToken(ctx context.Context, e Endpoint) (string, error) {
	return f.resumeTokens[string(e.Dataset)], nil
}

func (f *fakeInspector) ListSnapshotTags(ctx context.Context, e Endpoint) ([]string, error) {
	return f.snapshots[string(e.Dataset)], nil
}

func (f *fakeInspector) FilesystemVersionOK(ctx context.Context, e Endpoint) (bool, error) {
	return f.versionOK[string(e.Dataset)], nil
}

func (f *fakeInspector) CompressionEnabled(ctx context.Context, e Endpoint) (bool, error) {
	return f.compressionOn[string(e.Dataset)], nil
}

func (f *fakeInspector) ToolAvailable(ctx context.Context, e Endpoint, tool string) bool {
	return f.tools[string(e.Dataset)+"/"+tool]
}

func (f *fakeInspector) AbortResume(ctx context.Context, e Endpoint) error {
	delete(f.resumeTokens, string(e.Dataset))
	return nil
}

func TestPlanResume(t *testing.T) {
	fi := newFakeInspector()
	fi.resumeTokens["tank/dst"] = "abc123"
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.NoError(t, err)
	assert.Equal(t, KindResumable, plan.Kind)
	assert.Equal(t, "abc123", plan.ResumeToken)
}

func TestPlanUpToDate(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a", "b"}
	fi.snapshots["tank/dst"] = []string{"a", "b"}
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.NoError(t, err)
	assert.Equal(t, KindUpToDate, plan.Kind)
}

func TestPlanIncremental(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a", "b", "c"}
	fi.snapshots["tank/dst"] = []string{"a", "b"}
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.NoError(t, err)
	assert.Equal(t, KindIncremental, plan.Kind)
	assert.Equal(t, "c", plan.Snapshot)
	assert.Equal(t, "b", plan.FromSnapshot)
}

func TestPlanNoCommonSnapshotRejectsWithoutFullSendPermission(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a"}
	fi.snapshots["tank/dst"] = []string{"z"}
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	_, err := planner.Plan(context.Background(), src, dst, Policy{AllowFullSend: false})
	require.Error(t, err)
}

func TestPlanFullSendWhenPermitted(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a"}
	fi.snapshots["tank/dst"] = []string{"z"}
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{AllowFullSend: true})
	require.NoError(t, err)
	assert.Equal(t, KindFull, plan.Kind)
	assert.Equal(t, "a", plan.Snapshot)
}

func TestPlanCaseInsensitiveFallback(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"Daily-01", "Daily-02"}
	fi.snapshots["tank/dst"] = []string{"daily-01"}
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	_, err := planner.Plan(context.Background(), src, dst, Policy{AllowFullSend: false, CaseInsensitiveFallback: false})
	require.Error(t, err)

	plan, err := planner.Plan(context.Background(), src, dst, Policy{CaseInsensitiveFallback: true})
	require.NoError(t, err)
	assert.Equal(t, KindIncremental, plan.Kind)
	assert.Equal(t, "Daily-01", plan.FromSnapshot)
}

func TestPlanNativeCompressionSelected(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a", "b"}
	fi.snapshots["tank/dst"] = []string{"a"}
	fi.versionOK["tank/src"] = true
	fi.versionOK["tank/dst"] = true
	fi.compressionOn["tank/src"] = true
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.NoError(t, err)
	assert.Equal(t, CompressionNative, plan.Compression)
}

// TestPlanNativeCompressionSelectedDespiteDestCompressionOff pins rule 5
// to the source's compression property only: a destination that happens
// to have compression=off must not block native compression so long as
// both endpoints' filesystem versions qualify.
func TestPlanNativeCompressionSelectedDespiteDestCompressionOff(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a", "b"}
	fi.snapshots["tank/dst"] = []string{"a"}
	fi.versionOK["tank/src"] = true
	fi.versionOK["tank/dst"] = true
	fi.compressionOn["tank/src"] = true
	fi.compressionOn["tank/dst"] = false // destination's own compression is off
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.NoError(t, err)
	assert.Equal(t, CompressionNative, plan.Compression)
}

// TestPlanNativeCompressionSkippedWhenSourceCompressionOff pins the other
// half: the source's own compression property being off does block
// native compression, regardless of the destination.
func TestPlanNativeCompressionSkippedWhenSourceCompressionOff(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a", "b"}
	fi.snapshots["tank/dst"] = []string{"a"}
	fi.versionOK["tank/src"] = true
	fi.versionOK["tank/dst"] = true
	fi.compressionOn["tank/src"] = false
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.NoError(t, err)
	assert.NotEqual(t, CompressionNative, plan.Compression)
}

func TestPlanExternalCompressionAutoDetect(t *testing.T) {
	fi := newFakeInspector()
	fi.snapshots["tank/src"] = []string{"a", "b"}
	fi.snapshots["tank/dst"] = []string{"a"}
	fi.tools["tank/src/zstd"] = true
	fi.tools["tank/dst/zstd"] = true
	planner := NewPlanner(fi)

	src := Endpoint{Kind: LocalDataset, Dataset: "tank/src"}
	dst := Endpoint{Kind: LocalDataset, Dataset: "tank/dst"}

	plan, err := planner.Plan(context.Background(), src, dst, Policy{AutoDetectCompression: true})
	require.NoError(t, err)
	assert.Equal(t, CompressionExternal, plan.Compression)
	assert.Equal(t, "zstd", plan.ExternalAlgorithm)
}

func TestUnsupportedEndpointCombination(t *testing.T) {
	fi := newFakeInspector()
	planner := NewPlanner(fi)

	src := Endpoint{Kind: RemoteDataset, Dataset: "tank/src", SSHHost: "peer"}
	dst := Endpoint{Kind: RemoteDataset, Dataset: "tank/dst", SSHHost: "other"}

	_, err := planner.Plan(context.Background(), src, dst, Policy{})
	require.Error(t, err)
}
