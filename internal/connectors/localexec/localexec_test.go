package localexec

import (
	"context"
	"os/exec"
	"testing"

	"github.com/fentz26/kaiba/internal/connectors"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsAllowed(t *testing.T) {
	l := New("", []string{"cat", "ollama"})

	tests := []struct {
		cmd     string
		allowed bool
	}{
		{"cat", true},
		{"ollama", true},
		{"rm", false},
		{"", false},
		{"/bin/cat", false},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			assert.Equal(t, tt.allowed, l.IsAllowed(tt.cmd))
		})
	}
}

func TestInvokeEchoesThroughCat(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat not available")
	}
	l := New("", []string{"cat"})
	backend := models.Backend{ID: "local", Provider: models.ProviderLocal, ModelID: "cat"}

	resp, err := l.Invoke(context.Background(), backend, "what is new in go", []string{"ctx one"})
	require.NoError(t, err)
	assert.Equal(t, "ctx one\n\nwhat is new in go", resp.Text)
	assert.Positive(t, resp.TokensConsumed)
	assert.Equal(t, "cat", resp.Model)
}

func TestInvokeNotAllowed(t *testing.T) {
	l := New("", []string{"cat"})
	backend := models.Backend{ID: "x", Provider: models.ProviderLocal, ModelID: "rm", Config: models.BackendConfig{Args: []string{"-rf", "/"}}}

	_, err := l.Invoke(context.Background(), backend, "p", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, connectors.ErrPermanent)
}

func TestInvokeNonZeroExitIsPermanent(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	l := New("", []string{"false"})
	_, err := l.Invoke(context.Background(), models.Backend{ID: "f", ModelID: "false"}, "p", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, connectors.ErrPermanent)
}

func TestName(t *testing.T) {
	assert.Equal(t, "localexec", New("", nil).Name())
}
