package client

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/coinstash/auxrelay/internal/logging"
	"github.com/coinstash/auxrelay/internal/metrics"
	"github.com/coinstash/auxrelay/internal/noderpc"
)

// refreshChainParams performs the two-call handshake that derives the
// auxiliary chain identifier: request a minimal block template, then
// materialize a block from it. Any failure leaves the cache in its
// previous state; the process keeps running either way.
func (c *Client) refreshChainParams() {
	defer c.refreshWG.Done()

	start := time.Now()
	defer func() {
		c.mx.RecordRefresh(time.Since(start).Seconds())
	}()

	ctx := context.Background()

	// A max weight of 1 yields a placeholder template, enough to derive
	// the chain identifier without building a real mining template.
	template, err := c.node.GetNewBlockTemplate(ctx, noderpc.PowAlgoRandomX, 1)
	if err != nil {
		c.log.Error("block template request failed",
			logging.KeyHost, c.host,
			logging.KeyError, err)
		c.mx.RecordRefreshFailure(metrics.ReasonRPC)
		return
	}

	block, err := c.node.GetNewBlock(ctx, template)
	if err != nil {
		c.log.Error("new block request failed",
			logging.KeyHost, c.host,
			logging.KeyError, err)
		c.mx.RecordRefreshFailure(metrics.ReasonRPC)
		return
	}

	c.log.Info("node reported chain id",
		logging.KeyHost, c.host,
		logging.KeyChainID, hex.EncodeToString(block.UniqueID))

	if !c.cache.SetID(block.UniqueID) {
		c.mx.RecordRefreshFailure(metrics.ReasonInvalidID)
		return
	}
	if len(block.TargetDifficulty) > 0 {
		c.cache.SetDifficulty(block.TargetDifficulty)
	}

	if _, ok := c.cache.Get(); ok {
		c.mx.SetParamsAvailable(true)
	}
}
