package capture

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecoverReturnsFoundSnapshot(t *testing.T) {
	probe := &fakeProbe{
		snaps:    []*Snapshot{snapText("recovered answer")},
		finishes: []bool{true},
	}
	r := NewRecovery(probe, nil, fastCaptureConfig(), nil)

	snap := r.Recover(context.Background(), time.Second)
	require.False(t, snap.Empty())
	assert.Equal(t, "recovered answer", snap.Text)
}

func TestRecoverDumpsStateOnFailure(t *testing.T) {
	dumped := false
	probe := &fakeProbe{}
	r := NewRecovery(probe, func(ctx context.Context) string {
		dumped = true
		return `{"turnCount":0}`
	}, fastCaptureConfig(), nil)

	snap := r.Recover(context.Background(), 30*time.Millisecond)
	assert.Nil(t, snap)
	assert.True(t, dumped)
}

func TestRefreshPrefersBetterSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		current *Snapshot
		next    *Snapshot
		want    string
	}{
		{
			name:    "strictly longer with new id replaces",
			current: &Snapshot{Text: "Hello"},
			next:    &Snapshot{Text: "Hello world", MessageID: "m1"},
			want:    "Hello world",
		},
		{
			name:    "identical snapshot keeps original",
			current: &Snapshot{Text: "Hello", MessageID: "m1"},
			next:    &Snapshot{Text: "Hello", MessageID: "m1"},
			want:    "Hello",
		},
		{
			name:    "any text difference replaces",
			current: &Snapshot{Text: "Hello world", MessageID: "m1"},
			next:    &Snapshot{Text: "Hello world.", MessageID: "m1"},
			want:    "Hello world.",
		},
		{
			name:    "gaining a message id replaces even at equal length",
			current: &Snapshot{Text: "Hello"},
			next:    &Snapshot{Text: "Hello", MessageID: "m2"},
			want:    "Hello",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := preferRefresh(tt.current, tt.next, zap.NewNop())
			assert.Equal(t, tt.want, got.Text)
		})
	}

	// The id-gain case must surface the new snapshot, not just equal text.
	got := preferRefresh(&Snapshot{Text: "Hello"}, &Snapshot{Text: "Hello", MessageID: "m2"}, zap.NewNop())
	assert.Equal(t, "m2", got.MessageID)
}

func TestRefreshKeepsCurrentWhenNothingFound(t *testing.T) {
	probe := &fakeProbe{}
	cfg := fastCaptureConfig()
	cfg.RefreshTimeoutMs = 20
	r := NewRecovery(probe, nil, cfg, nil)

	current := &Snapshot{Text: "Hello", MessageID: "m1"}
	got := r.Refresh(context.Background(), current)
	assert.Same(t, current, got)
}

func TestRefreshPollsForLaterSnapshot(t *testing.T) {
	probe := &fakeProbe{snaps: []*Snapshot{
		{Text: "Hello"},
		{Text: "Hello world", MessageID: "m1", TurnIndex: 2},
	}}
	cfg := fastCaptureConfig()
	cfg.RefreshTimeoutMs = 50
	r := NewRecovery(probe, nil, cfg, nil)

	got := r.Refresh(context.Background(), &Snapshot{Text: "Hello"})
	assert.Equal(t, "Hello world", got.Text)
	assert.Equal(t, "m1", got.MessageID)
}
