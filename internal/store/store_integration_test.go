//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("vooli"),
		tcPostgres.WithUsername("vooli"),
		tcPostgres.WithPassword("vooli"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://vooli:vooli@%s:%s/vooli?sslmode=disable", host, port.Port())

	// the container may accept connections a moment before it accepts queries
	var st *Store
	for i := 0; i < 60; i++ {
		if st, err = NewWithDSN(ctx, dsn); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, Migrate("file://../../migrations", dsn, "up", 0))
	return st
}

func TestStoreRunLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st := startPostgres(t)
	ctx := context.Background()

	c, err := st.CreateChat(ctx, "user-1", "headphones")
	require.NoError(t, err)
	_, err = st.GetChat(ctx, c.ID, "user-2")
	assert.ErrorIs(t, err, ErrChatNotFound)

	userMsg, err := st.CreateMessage(ctx, c.ID, RoleUser, "find headphones")
	require.NoError(t, err)
	placeholder, err := st.CreateMessage(ctx, c.ID, RoleAssistant, "generating…")
	require.NoError(t, err)

	runID := uuid.NewString()
	require.NoError(t, st.CreateRun(ctx, Run{ID: runID, ChatID: c.ID, UserMessageID: userMsg.ID, Stage: "intent"}))
	require.NoError(t, st.SetRunMessage(ctx, runID, placeholder.ID))
	require.NoError(t, st.SetRunStage(ctx, runID, "review_search"))

	_, err = st.CreateSource(ctx, Source{MessageID: placeholder.ID, URL: "https://reviews.example.com", Title: "Review"})
	require.NoError(t, err)
	_, err = st.CreateProduct(ctx, Product{MessageID: placeholder.ID, Name: "XM5", Description: "ANC", Price: "$399", URL: "https://shop.example.com/xm5", ImageURL: "https://img.example.com/xm5.jpg"})
	require.NoError(t, err)
	require.NoError(t, st.UpdateMessageContent(ctx, placeholder.ID, "Buy the XM5"))

	require.NoError(t, st.FinishRun(ctx, runID, "answering", "answered", nil, 0))
	msg := "late"
	require.NoError(t, st.FinishRun(ctx, runID, "intent", "failed", &msg, 3))
	require.NoError(t, st.SetRunStage(ctx, runID, "enrichment"))

	run, err := st.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "answered", run.Outcome)
	assert.Equal(t, "answering", run.Stage)
	assert.Equal(t, placeholder.ID, run.MessageID)
	assert.NotNil(t, run.FinishedAt)

	msgs, err := st.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleUser, msgs[0].Role)
	assert.Equal(t, "Buy the XM5", msgs[1].Content)

	products, err := st.ListProductsByMessages(ctx, []string{userMsg.ID, placeholder.ID})
	require.NoError(t, err)
	assert.Len(t, products[placeholder.ID], 1)
	sources, err := st.ListSourcesByMessages(ctx, []string{placeholder.ID})
	require.NoError(t, err)
	assert.Len(t, sources[placeholder.ID], 1)

	stale, err := st.ListStaleRuns(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, stale, "finished runs are never stale")
}
