package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aiseo-platform/orchestrator/internal/domain/entity"
)

func TestSEOContentPipeline_RequiresApproval(t *testing.T) {
	_, err := SEOContentPipeline(FlowInput{TenantID: "t1", Approved: false})
	require.ErrorIs(t, err, ErrPublishNotApproved)
}

func TestSEOContentPipeline_Shape(t *testing.T) {
	dag, err := SEOContentPipeline(FlowInput{TenantID: "t1", Approved: true})
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 5)

	var leafCount, publishDeps int
	for _, n := range dag.Nodes {
		if n.IsLeaf() {
			leafCount++
		}
		if n.AgentID == "content-publisher" {
			publishDeps = len(n.DependsOn)
		}
	}
	require.Equal(t, 2, leafCount, "keyword research + competitor monitoring are the only leaves")
	require.Equal(t, 1, publishDeps)
}

func TestSEOMonitoringPipeline_AllIndependent(t *testing.T) {
	dag, err := SEOMonitoringPipeline(FlowInput{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 5)
	for _, n := range dag.Nodes {
		require.True(t, n.IsLeaf())
	}
}

func TestSEOComprehensiveAudit_NineAuditsPlusReport(t *testing.T) {
	dag, err := SEOComprehensiveAudit(FlowInput{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 10)

	var reportNode *entity.FlowNode
	leaves := 0
	for _, n := range dag.Nodes {
		if n.AgentID == "report-generator" {
			reportNode = n
		}
		if n.IsLeaf() {
			leaves++
		}
	}
	require.NotNil(t, reportNode)
	require.Len(t, reportNode.DependsOn, 9)
	require.Equal(t, 9, leaves)
}

func TestLocalSEOOptimization_Shape(t *testing.T) {
	dag, err := LocalSEOOptimization(FlowInput{TenantID: "t1"})
	require.NoError(t, err)
	require.Len(t, dag.Nodes, 2)
	require.True(t, dag.Nodes[0].IsLeaf())
	require.Len(t, dag.Nodes[1].DependsOn, 1)
}
