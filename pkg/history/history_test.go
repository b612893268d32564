package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/imagebuild/pkg/queue"
	"github.com/vyvo/imagebuild/pkg/request"
)

func TestFromJobFinished(t *testing.T) {
	job := &queue.Job{
		ID:        "abc",
		Status:    queue.StatusFinished,
		Request:   request.BuildRequest{Version: "23.05.2", Target: "ath79/generic", Profile: "tplink_archer-c7-v2"},
		Meta:      queue.Meta{Detail: "done", BinDir: "23.05.2/ath79/generic/tplink_archer-c7-v2/ff"},
		StartedAt: 1700000000,
		EndedAt:   1700000100,
	}
	rec := FromJob(job)
	require.Equal(t, "abc", rec.RequestHash)
	require.Equal(t, queue.StatusFinished, rec.Status)
	require.Equal(t, "done", rec.Detail)
	require.Equal(t, "23.05.2/ath79/generic/tplink_archer-c7-v2/ff", rec.BinDir)
	require.Equal(t, time.Unix(1700000000, 0).UTC(), rec.StartedAt)
	require.Equal(t, 100*time.Second, rec.FinishedAt.Sub(rec.StartedAt))
}

func TestFromJobFailedUsesError(t *testing.T) {
	job := &queue.Job{
		ID:     "abc",
		Status: queue.StatusFailed,
		Meta:   queue.Meta{Detail: "building_image"},
		Error:  "Selected packages exceed device storage",
	}
	rec := FromJob(job)
	require.Equal(t, "Selected packages exceed device storage", rec.Detail)
	require.True(t, rec.StartedAt.IsZero())
}
