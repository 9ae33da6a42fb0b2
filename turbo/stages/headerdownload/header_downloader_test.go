package headerdownload

import (
	"context"

	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ledgerwatch/log/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockpipe/blockpipe/consensus"
	"github.com/blockpipe/blockpipe/consensus/basic"
	"github.com/blockpipe/blockpipe/core"
	"github.com/blockpipe/blockpipe/core/types"
	"github.com/blockpipe/blockpipe/p2p"
	"github.com/blockpipe/blockpipe/p2p/fetchertest"
	"github.com/blockpipe/blockpipe/params"
	"github.com/blockpipe/blockpipe/turbo/testlog"
)

func testBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 8)
}

func newDownloader(t *testing.T, blocks int) (*core.ChainGen, *fetchertest.Client, *HeaderDownload) {
	t.Helper()
	gen, err := core.NewChainGen(params.TestChainConfig, blocks, 0, 0)
	require.NoError(t, err)
	client := fetchertest.NewClient(gen)
	hd := NewHeaderDownload(client, basic.New(), 4, testBackOff, testlog.Logger(t, log.LvlError))
	return gen, client, hd
}

func collect(t *testing.T, results <-chan Result) ([]*types.Header, error) {
	t.Helper()
	var headers []*types.Header
	for r := range results {
		if r.Err != nil {
			return headers, r.Err
		}
		headers = append(headers, r.Headers...)
	}
	return headers, nil
}

func TestDownloadBackwardAscendingGapFree(t *testing.T) {
	gen, _, hd := newDownloader(t, 20)
	genesis, err := gen.ByNumber(0)
	require.NoError(t, err)

	headers, err := collect(t, hd.DownloadBackward(context.Background(), gen.Head().Hash(), genesis.Header))
	require.NoError(t, err)

	require.Len(t, headers, 20)
	for i, h := range headers {
		assert.Equal(t, uint64(i+1), h.Number)
	}
}

func TestDownloadFromCheckpointAttaches(t *testing.T) {
	gen, _, hd := newDownloader(t, 20)
	local, err := gen.ByNumber(12)
	require.NoError(t, err)

	headers, err := collect(t, hd.DownloadBackward(context.Background(), gen.Head().Hash(), local.Header))
	require.NoError(t, err)

	require.Len(t, headers, 8)
	assert.Equal(t, uint64(13), headers[0].Number)
	assert.Equal(t, local.Hash(), headers[0].ParentHash)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	gen, client, hd := newDownloader(t, 10)
	genesis, err := gen.ByNumber(0)
	require.NoError(t, err)

	mid, err := gen.ByNumber(5)
	require.NoError(t, err)
	client.FailHeader(p2p.ByHash(mid.Hash()), 3)

	headers, err := collect(t, hd.DownloadBackward(context.Background(), gen.Head().Hash(), genesis.Header))
	require.NoError(t, err)
	assert.Len(t, headers, 10)
}

func TestValidationFailureIsTerminal(t *testing.T) {
	gen, err := core.NewChainGen(params.TestChainConfig, 10, 0, 0)
	require.NoError(t, err)
	client := fetchertest.NewClient(gen)

	// an engine that rejects block 5 fails the whole segment; nothing
	// below the bad header survives
	engine := rejectAt{number: 5}
	hd := NewHeaderDownload(client, engine, 4, testBackOff, testlog.Logger(t, log.LvlError))

	genesis, err := gen.ByNumber(0)
	require.NoError(t, err)
	headers, err := collect(t, hd.DownloadBackward(context.Background(), gen.Head().Hash(), genesis.Header))
	assert.ErrorIs(t, err, consensus.ErrInvalidHeader)
	assert.Empty(t, headers)
}

func TestBadTipIsRememberedAcrossSegments(t *testing.T) {
	gen, err := core.NewChainGen(params.TestChainConfig, 10, 0, 0)
	require.NoError(t, err)
	client := fetchertest.NewClient(gen)
	engine := rejectAt{number: 10}
	hd := NewHeaderDownload(client, engine, 4, testBackOff, testlog.Logger(t, log.LvlError))

	genesis, err := gen.ByNumber(0)
	require.NoError(t, err)
	_, err = collect(t, hd.DownloadBackward(context.Background(), gen.Head().Hash(), genesis.Header))
	require.ErrorIs(t, err, consensus.ErrInvalidHeader)

	requestsBefore := len(client.HeaderRequests())
	_, err = collect(t, hd.DownloadBackward(context.Background(), gen.Head().Hash(), genesis.Header))
	require.ErrorIs(t, err, consensus.ErrInvalidHeader)
	// the known-bad tip is rejected without a new network walk
	assert.Equal(t, requestsBefore, len(client.HeaderRequests()))
}

type rejectAt struct {
	number uint64
}

func (r rejectAt) VerifyHeader(parent, header *types.Header) error {
	if header.Number == r.number {
		return consensus.ErrInvalidHeader
	}
	return (&basic.Engine{}).VerifyHeader(parent, header)
}
