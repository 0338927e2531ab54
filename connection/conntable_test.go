package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/config"
)

func TestRegisterCountsVisits(t *testing.T) {
	table := New()
	inst := &config.Instance{Protocol: config.ProtoFTP, Port: 21}

	md, err := table.Register("192.168.1.50", "40001", inst)
	require.NoError(t, err)
	require.Equal(t, 1, md.Visits)
	require.Equal(t, "192.168.1.50", md.SrcIP)
	require.Equal(t, uint16(21), md.TargetPort)

	md, err = table.Register("192.168.1.50", "40001", inst)
	require.NoError(t, err)
	require.Equal(t, 2, md.Visits)
}

func TestRegisterIPv6Source(t *testing.T) {
	table := New()
	inst := &config.Instance{Protocol: config.ProtoFTP, Port: 21}

	md, err := table.Register("2001:db8::9", "40001", inst)
	require.NoError(t, err)
	require.Equal(t, 1, md.Visits)

	md, err = table.Register("2001:db8::9", "40001", inst)
	require.NoError(t, err)
	require.Equal(t, 2, md.Visits, "an IPv6 source is tracked like a v4 one")
}

func TestRegisterRejectsNonIP(t *testing.T) {
	table := New()
	_, err := table.Register("not-an-address", "40001", nil)
	require.Error(t, err)
}

func TestFlushOlderThan(t *testing.T) {
	table := New()
	_, err := table.Register("10.0.0.1", "1234", nil)
	require.NoError(t, err)

	ck, err := NewConnKeyByString("10.0.0.1", "1234")
	require.NoError(t, err)
	require.NotNil(t, table.Get(ck))

	time.Sleep(10 * time.Millisecond)
	table.FlushOlderThan(time.Millisecond)
	require.Nil(t, table.Get(ck))
}
