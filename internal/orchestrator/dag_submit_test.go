package orchestrator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

// TestDAG_Submit_WritesFlowStartedToOutbox confirms submission persists
// the flow.started event inside the same transaction as the flow_nodes
// rows — the outbox dispatcher, not the submitter, is what republishes it
// to the bus.
func TestDAG_Submit_WritesFlowStartedToOutbox(t *testing.T) {
	dag, err := LocalSEOOptimization(FlowInput{TenantID: "tenant-1", ProjectID: "proj-1"})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: mr.Addr()})
	defer asynqClient.Close()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO flow_nodes`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO flow_nodes`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO events_outbox`).
		WithArgs("tenant-1", "proj-1", "flow.started", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE flow_nodes SET task_id`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, dag.Submit(context.Background(), db, asynqClient))
	require.NoError(t, mock.ExpectationsWereMet())

	for _, n := range dag.Nodes {
		require.Equal(t, "local-seo-optimization", n.FlowName)
		require.Equal(t, dag.JobID, n.FlowJobID)
	}
}
