package reportcache

import (
	"context"
	"testing"
	"time"

	"github.com/croanalysis/core/pkg/agentloop"
	"github.com/croanalysis/core/pkg/agenttools"
	"github.com/croanalysis/core/pkg/llmclient"
	"github.com/croanalysis/core/pkg/svcerr"
	"github.com/croanalysis/core/pkg/txstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestClient(t *testing.T) *txstore.Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"pgvector/pgvector:pg16",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	client, err := txstore.NewClient(ctx, txstore.DefaultConfig(connStr))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

type fakeGenerator struct {
	text string
}

func (f *fakeGenerator) Generate(context.Context, *llmclient.GenerateInput) (<-chan llmclient.Chunk, error) {
	ch := make(chan llmclient.Chunk, 2)
	ch <- &llmclient.TextChunk{Content: f.text}
	ch <- &llmclient.UsageChunk{InputTokens: 100, OutputTokens: 200}
	close(ch)
	return ch, nil
}

const validReportJSON = `{"executive_summary":"Conversion is down.","funnel_analysis":{"overview":"Most users drop at checkout.","critical_drop_offs":[{"stage":"checkout","drop_rate":0.4,"severity":"high","correlated_feedback":["too many steps"]}]},"qualitative_insights":{"overview":"Users find checkout confusing.","themes_with_data":[{"theme":"checkout friction","sentiment":"negative","supporting_quotes":["too many steps"],"related_metrics":["checkout_drop_rate"]}]},"recommendations":[{"title":"Simplify checkout","priority":"high","category":"ux","description":"Reduce steps.","supporting_evidence":["checkout drop-off"],"expected_impact":"higher conversion"}]}`

func TestService_GeneratePersistsCompletedReport(t *testing.T) {
	txClient := newTestClient(t)
	ctx := context.Background()

	project, err := txClient.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)
	cfg := txstore.ConnectorConfig{PropertyID: "123"}
	connector, err := txClient.Connectors.Create(ctx, project.ID, txstore.ConnectorKindGA4, cfg)
	require.NoError(t, err)

	llm := &fakeGenerator{text: validReportJSON}
	loop := agentloop.New(llm, agenttools.New(nil, nil, "", project.ID, connector.ID), nil, agentloop.Config{})

	svc := New(txClient.Reports, "claude-sonnet-4-5")
	report, err := svc.Generate(ctx, loop, project.ID, connector.ID, "Generate the CRO report.")
	require.NoError(t, err)
	assert.Equal(t, "Conversion is down.", report.ExecutiveSummary)
	assert.Equal(t, 100, report.InputTokens)
	assert.Equal(t, 200, report.OutputTokens)

	fetched, err := svc.Get(ctx, project.ID, report.ID)
	require.NoError(t, err)
	assert.Equal(t, report.ID, fetched.ID)

	list, err := svc.List(ctx, project.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestService_GenerateReturnsValidationErrorOnExhaustion(t *testing.T) {
	txClient := newTestClient(t)
	ctx := context.Background()

	project, err := txClient.Projects.Create(ctx, "Acme", nil)
	require.NoError(t, err)
	connector, err := txClient.Connectors.Create(ctx, project.ID, txstore.ConnectorKindGA4, txstore.ConnectorConfig{PropertyID: "123"})
	require.NoError(t, err)

	llm := &fakeGenerator{text: "no json here, ever"}
	loop := agentloop.New(llm, agenttools.New(nil, nil, "", project.ID, connector.ID), nil, agentloop.Config{MaxTurns: 1})

	svc := New(txClient.Reports, "claude-sonnet-4-5")
	_, err = svc.Generate(ctx, loop, project.ID, connector.ID, "Generate the CRO report.")
	require.ErrorIs(t, err, svcerr.ErrValidation)

	list, err := svc.List(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}
