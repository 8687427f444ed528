package export

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/protocol-metrics/internal/model"
)

func testRecord(id string, price int64) *model.DailyMetric {
	m := model.NewDailyMetric(id)
	m.Price = decimal.NewFromInt(price)
	m.TreasuryRiskFreeValue = decimal.RequireFromString("563245.4")
	m.Positions = []model.PositionValue{{Name: "TOKEN-MIM", MarketValue: decimal.NewFromInt(200000)}}
	return m
}

type webhookRecorder struct {
	mu       sync.Mutex
	payloads []Payload
	headers  []http.Header
	status   int
}

func (w *webhookRecorder) handler(rw http.ResponseWriter, r *http.Request) {
	var p Payload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	w.payloads = append(w.payloads, p)
	w.headers = append(w.headers, r.Header.Clone())
	status := w.status
	w.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
}

func (w *webhookRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

func newTestExporter(t *testing.T, url string, batch int) *Exporter {
	t.Helper()
	e, err := NewExporter(Config{
		URL:          url,
		APIKey:       "secret",
		BatchSize:    batch,
		Interval:     time.Hour,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: time.Millisecond,
	})
	require.NoError(t, err)
	return e
}

func TestExporter_Flush(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	e := newTestExporter(t, srv.URL, 10)
	e.Add(testRecord("86400", 10))
	e.Add(testRecord("172800", 11))
	// same day again replaces the queued record
	e.Add(testRecord("86400", 12))

	require.NoError(t, e.Flush(context.Background()))
	require.Equal(t, 1, rec.count())

	p := rec.payloads[0]
	assert.Equal(t, 2, p.Count)
	require.Len(t, p.Records, 2)
	assert.Equal(t, "86400", p.Records[0].ID)
	assert.True(t, p.Records[0].Price.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "Bearer secret", rec.headers[0].Get("Authorization"))
	assert.Equal(t, p.Digest, rec.headers[0].Get("X-Payload-Digest"))

	signer, err := VerifyPayload(&p)
	require.NoError(t, err)
	assert.Equal(t, common.Address{}, signer)

	status := e.Status()
	assert.Equal(t, 0, status["pending"])
	assert.Equal(t, 2, status["exported"])
}

func TestExporter_FlushEmpty(t *testing.T) {
	e := newTestExporter(t, "http://127.0.0.1:1", 10)
	assert.NoError(t, e.Flush(context.Background()))
}

func TestExporter_FailureRequeues(t *testing.T) {
	rec := &webhookRecorder{status: http.StatusBadRequest}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	e := newTestExporter(t, srv.URL, 10)
	e.Add(testRecord("86400", 10))

	err := e.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Equal(t, 1, e.Status()["pending"])
	assert.Equal(t, 1, e.Status()["failures"])

	rec.mu.Lock()
	rec.status = http.StatusOK
	rec.mu.Unlock()

	require.NoError(t, e.Flush(context.Background()))
	assert.Equal(t, 0, e.Status()["pending"])
}

func TestExporter_RunFlushesFullBatch(t *testing.T) {
	rec := &webhookRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()

	e := newTestExporter(t, srv.URL, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	e.Add(testRecord("86400", 10))
	e.Add(testRecord("172800", 11))

	assert.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// leftovers go out on shutdown
	e.Add(testRecord("259200", 12))
	cancel()
	<-done
	assert.Equal(t, 2, rec.count())
}

func TestNewExporter_RequiresURL(t *testing.T) {
	_, err := NewExporter(Config{})
	assert.Error(t, err)
}

func TestBuildPayload_Signed(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	records := []*model.DailyMetric{testRecord("86400", 10)}
	p, err := BuildPayload(records, key)
	require.NoError(t, err)
	assert.NotEmpty(t, p.Signature)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), p.Signer)

	// round trip through JSON the way a receiver sees it
	data, err := json.Marshal(p)
	require.NoError(t, err)
	var received Payload
	require.NoError(t, json.Unmarshal(data, &received))

	signer, err := VerifyPayload(&received)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)

	t.Run("tampered records", func(t *testing.T) {
		received.Records[0].Price = decimal.NewFromInt(1000)
		_, err := VerifyPayload(&received)
		assert.ErrorIs(t, err, ErrDigestMismatch)
	})
}

func TestBuildPayload_WrongSignerClaim(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	p, err := BuildPayload([]*model.DailyMetric{testRecord("86400", 10)}, key)
	require.NoError(t, err)
	p.Signer = crypto.PubkeyToAddress(other.PublicKey).Hex()

	_, err = VerifyPayload(p)
	assert.Error(t, err)
}

func TestParseSigningKey(t *testing.T) {
	key, err := ParseSigningKey("")
	require.NoError(t, err)
	assert.Nil(t, key)

	generated, err := crypto.GenerateKey()
	require.NoError(t, err)
	hexKey := hexutil.Encode(crypto.FromECDSA(generated))

	parsed, err := ParseSigningKey(hexKey)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(generated.PublicKey), crypto.PubkeyToAddress(parsed.PublicKey))

	_, err = ParseSigningKey("not-a-key")
	assert.Error(t, err)
}
