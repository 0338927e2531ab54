package producer

import (
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/lurepot/lurepot/event"
)

func testCapture() event.Capture {
	return event.New("ftp", &net.TCPAddr{IP: net.IPv4(203, 0, 113, 5), Port: 40000}, event.OutcomeCredentials, map[string]string{
		"username": "admin",
		"password": "hunter2",
		"status":   "failed",
	})
}

func testConf() *viper.Viper {
	v := viper.New()
	v.Set("event_queue_size", 16)
	return v
}

func TestProducerNew(t *testing.T) {
	p, err := New("sensor-1", Logger(), testConf())
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Close())
}

func TestProducerHTTPSink(t *testing.T) {
	received := make(chan event.Capture, 1)
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var ev event.Capture
		require.NoError(t, json.Unmarshal(body, &ev))
		received <- ev
	}))
	defer svr.Close()

	conf := testConf()
	conf.Set("producers.http.enabled", true)
	conf.Set("producers.http.remote", svr.URL)

	p, err := New("sensor-1", Logger(), conf)
	require.NoError(t, err)
	p.Emit(testCapture())

	select {
	case ev := <-received:
		require.Equal(t, "ftp", ev.Protocol)
		require.Equal(t, "sensor-1", ev.SensorID, "emit stamps the sensor identity")
		require.Equal(t, "hunter2", ev.Fields["password"])
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached the HTTP sink")
	}
	require.NoError(t, p.Close())
	require.Zero(t, p.Dropped())
}

func TestSQLiteSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captures.db")
	sink, err := newSQLiteSink(path)
	require.NoError(t, err)

	ev := testCapture()
	ev.SensorID = "sensor-1"
	require.NoError(t, sink.Produce(ev))
	require.NoError(t, sink.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	var outcome, fields string
	row := db.QueryRow("SELECT outcome, fields FROM events WHERE id = ?", ev.ID)
	require.NoError(t, row.Scan(&outcome, &fields))
	require.Equal(t, "credentials-captured", outcome)
	require.Contains(t, fields, "hunter2")
}

func TestHPFeedsSinkStalledBroker(t *testing.T) {
	sink := &hpfeedsSink{channel: make(chan []byte, 1)}
	require.NoError(t, sink.Produce(testCapture()), "the buffer absorbs the first event")

	// nobody drains the channel; the next event errors out instead of
	// holding the queue worker indefinitely
	start := time.Now()
	require.Error(t, sink.Produce(testCapture()))
	require.Less(t, time.Since(start), 3*time.Second)
}

// Logger returns a test logger writing nowhere.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
