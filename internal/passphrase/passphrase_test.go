package passphrase

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetFlagValueTakesPriority(t *testing.T) {
	t.Setenv(envVar, "from-env")
	got, err := Get("from-flag", nil)
	require.NoError(t, err)
	require.Equal(t, "from-flag", got)
}

func TestGetFallsBackToEnv(t *testing.T) {
	t.Setenv(envVar, "from-env")
	got, err := Get("", nil)
	require.NoError(t, err)
	require.Equal(t, "from-env", got)
}

func TestGetFallsBackToPipedStdin(t *testing.T) {
	t.Setenv(envVar, "")

	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString("piped-password\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	t.Cleanup(func() { r.Close() })

	got, err := Get("", r)
	require.NoError(t, err)
	require.Equal(t, "piped-password", got)
}
