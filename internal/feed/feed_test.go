package feed

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/allocbot/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func collect(t *testing.T, src Source) []domain.Bar {
	t.Helper()
	out := make(chan domain.Bar, 64)
	require.NoError(t, src.Run(context.Background(), out))
	close(out)
	var bars []domain.Bar
	for b := range out {
		bars = append(bars, b)
	}
	return bars
}

const sampleCSV = `time,instrument,open,high,low,close,volume
2026-03-01T00:00:00Z,BTC-USD,100,101,99,100.5,10
2026-03-01T00:00:00Z,ETH-USD,10,11,9,10.5,3
1772323260,BTC-USD,100.5,102,100,101,12
2026-03-01T00:01:00Z,BTC-USD,1,1,1,1,1
2026-03-01T00:02:00Z,BTC-USD,x,1,1,1,1
2026-03-01T00:03:00Z,BTC-USD,1,1,1,0,1
2026-03-01T00:04:00Z,SOL-USD,1,1,1,5,1
`

func TestCSVFeedLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bars.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o600))

	bars := collect(t, NewCSVFeed(path, nil, []string{"BTC-USD", "ETH-USD"}, discardLogger()))
	require.Len(t, bars, 3)
	assert.Equal(t, "BTC-USD", bars[0].Instrument)
	assert.Equal(t, 100.5, bars[0].Close)
	assert.Equal(t, "ETH-USD", bars[1].Instrument)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 1, 0, 0, time.UTC), bars[2].Time, "unix seconds parsed")
	assert.Equal(t, 101.0, bars[2].Close)
}

type fakeBlobs struct {
	objects map[string]string
	gets    []string
}

func (f *fakeBlobs) Get(_ context.Context, path string) (io.ReadCloser, error) {
	f.gets = append(f.gets, path)
	body, ok := f.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	for k, v := range f.objects {
		if strings.HasPrefix(k, prefix) {
			infos = append(infos, domain.BlobInfo{Path: k, Size: int64(len(v))})
		}
	}
	return infos, nil
}

func (f *fakeBlobs) Exists(_ context.Context, path string) (bool, error) {
	_, ok := f.objects[path]
	return ok, nil
}

func TestCSVFeedObjectStorage(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string]string{"replay/bars.csv": sampleCSV}}
	bars := collect(t, NewCSVFeed("s3://data/replay/bars.csv", blobs, nil, discardLogger()))
	assert.Equal(t, []string{"replay/bars.csv"}, blobs.gets)
	require.Len(t, bars, 4, "no instrument filter")
	assert.Equal(t, "SOL-USD", bars[3].Instrument)

	err := NewCSVFeed("s3://data/missing.csv", blobs, nil, discardLogger()).Run(context.Background(), make(chan domain.Bar, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = NewCSVFeed("s3://data/x.csv", nil, nil, discardLogger()).Run(context.Background(), make(chan domain.Bar, 1))
	assert.Error(t, err)
}

func TestCSVFeedObjectPrefix(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string]string{
		"replay/2026-03-02.csv": "time,instrument,close\n2026-03-02T00:00:00Z,BTC-USD,102\n",
		"replay/2026-03-01.csv": "time,instrument,close\n2026-03-01T00:00:00Z,BTC-USD,101\n",
		"replay/README.md":      "not a csv",
	}}
	bars := collect(t, NewCSVFeed("s3://data/replay/", blobs, nil, discardLogger()))
	assert.Equal(t, []string{"replay/2026-03-01.csv", "replay/2026-03-02.csv"}, blobs.gets)
	require.Len(t, bars, 2)
	assert.Equal(t, 101.0, bars[0].Close)
	assert.Equal(t, 102.0, bars[1].Close)

	err := NewCSVFeed("s3://data/empty/", blobs, nil, discardLogger()).Run(context.Background(), make(chan domain.Bar, 1))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCSVFeedRequiresHeader(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string]string{"k": "ts,symbol,px\n1,BTC,1\n"}}
	err := NewCSVFeed("s3://b/k", blobs, nil, discardLogger()).Run(context.Background(), make(chan domain.Bar, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing column "time"`)
}

func TestCSVFeedStopsOnCancel(t *testing.T) {
	blobs := &fakeBlobs{objects: map[string]string{"k": sampleCSV}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewCSVFeed("s3://b/k", blobs, nil, discardLogger()).Run(ctx, make(chan domain.Bar))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseLocation(t *testing.T) {
	bucket, key, remote := ParseLocation("s3://data/replay/2026/bars.csv")
	assert.True(t, remote)
	assert.Equal(t, "data", bucket)
	assert.Equal(t, "replay/2026/bars.csv", key)

	_, key, remote = ParseLocation("./bars.csv")
	assert.False(t, remote)
	assert.Equal(t, "./bars.csv", key)
}

type chanBus struct {
	ch      chan []byte
	err     error
	channel string
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.channel = channel
	return b.ch, b.err
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusFeed(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 8)}
	bus.ch <- []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:00:00Z","close":100}`)
	bus.ch <- []byte(`not json`)
	bus.ch <- []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:00:00Z","close":101}`)
	bus.ch <- []byte(`{"instrument":"DOGE-USD","time":"2026-03-01T00:01:00Z","close":1}`)
	bus.ch <- []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:01:00+01:00","close":99}`)
	bus.ch <- []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:02:00Z","close":102}`)
	close(bus.ch)

	bars := collect(t, NewBusFeed(bus, "", []string{"BTC-USD"}, discardLogger()))
	assert.Equal(t, domain.BarChannel, bus.channel)
	require.Len(t, bars, 2)
	assert.Equal(t, 100.0, bars[0].Close)
	assert.Equal(t, 102.0, bars[1].Close)
	assert.Equal(t, time.UTC, bars[1].Time.Location())
}

func TestBusFeedSubscribeError(t *testing.T) {
	bus := &chanBus{err: errors.New("redis down")}
	err := NewBusFeed(bus, "custom", nil, discardLogger()).Run(context.Background(), make(chan domain.Bar))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "custom")
}

func TestWSFeedSubscribesAndReconnects(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subs := make(chan subscribeCmd, 4)
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cmd subscribeCmd
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		subs <- cmd
		if conns.Add(1) == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:00:00Z","close":100}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat"}`))
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:00:00Z","close":100}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"instrument":"BTC-USD","time":"2026-03-01T00:01:00Z","close":101}`))
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	f := NewWSFeed(url, "", []string{"BTC-USD"}, 10*time.Millisecond, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan domain.Bar, 8)
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, out) }()

	cmd := <-subs
	assert.Equal(t, "subscribe", cmd.Type)
	assert.Equal(t, domain.BarChannel, cmd.Channel)
	assert.Equal(t, []string{"BTC-USD"}, cmd.Instruments)

	first := <-out
	assert.Equal(t, 100.0, first.Close)
	<-subs
	second := <-out
	assert.Equal(t, 101.0, second.Close, "replayed bar dropped after reconnect")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestFanout(t *testing.T) {
	in := make(chan domain.Bar, 4)
	btc := make(chan domain.Bar, 4)
	eth := make(chan domain.Bar, 4)
	in <- domain.Bar{Instrument: "BTC-USD", Close: 1}
	in <- domain.Bar{Instrument: "XRP-USD", Close: 2}
	in <- domain.Bar{Instrument: "ETH-USD", Close: 3}
	close(in)

	Fanout(context.Background(), in, map[string]chan domain.Bar{"BTC-USD": btc, "ETH-USD": eth})

	var got bytes.Buffer
	for b := range btc {
		got.WriteString(b.Instrument)
	}
	for b := range eth {
		got.WriteString(b.Instrument)
	}
	assert.Equal(t, "BTC-USDETH-USD", got.String(), "outputs closed, unknown dropped")
}
