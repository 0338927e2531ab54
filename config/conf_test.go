package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitDefaults(t *testing.T) {
	conf, err := Init(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 256, conf.GetInt("max_connections"))
	require.Equal(t, 45, conf.GetInt("conn_timeout"))
	require.Equal(t, 1024, conf.GetInt("event_queue_size"))
	require.False(t, conf.GetBool("producers.hpfeeds.enabled"))
}
