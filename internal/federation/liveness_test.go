package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mux-run/mux/internal/common/config"
	"github.com/mux-run/mux/internal/common/logger"
)

func TestSweeper_MarksDeadServerUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	registry := NewRegistry([]config.RemoteServerConfig{{ID: "srv1", BaseURL: dead.URL}})
	sweeper, err := NewSweeper(registry, "* * * * *", time.Second, logger.Default())
	require.NoError(t, err)

	sweeper.probe(context.Background(), "srv1")
	require.True(t, registry.IsUnreachable("srv1"))
}

func TestSweeper_MarksHealthyServerReachable(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	registry := NewRegistry([]config.RemoteServerConfig{{ID: "srv1", BaseURL: healthy.URL}})
	registry.MarkUnreachable("srv1")

	sweeper, err := NewSweeper(registry, "* * * * *", time.Second, logger.Default())
	require.NoError(t, err)

	sweeper.probe(context.Background(), "srv1")
	require.False(t, registry.IsUnreachable("srv1"))
}

func TestSweeper_StartStopIsClean(t *testing.T) {
	registry := NewRegistry(nil)
	sweeper, err := NewSweeper(registry, "*/1 * * * *", time.Second, logger.Default())
	require.NoError(t, err)

	sweeper.Start(context.Background())
	sweeper.Start(context.Background()) // second Start is a no-op
	sweeper.Stop()
	sweeper.Stop() // second Stop is a no-op
}

func TestNewSweeper_RejectsInvalidCronExpression(t *testing.T) {
	registry := NewRegistry(nil)
	_, err := NewSweeper(registry, "not-a-cron-expr", time.Second, logger.Default())
	require.Error(t, err)
}
