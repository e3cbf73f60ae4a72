// Package coordinator implements the Fetch coordinator of spec §4.7: the
// two-flow lifecycle, block store, on_block/send_stop wiring between
// flows, and final MD5 hash verification. Grounded on
// katzenpost-client/client.go's New/wiring style and daemon.go's
// Start/Stop lifecycle; the cyclic-dependency resolution of spec §9 is
// applied directly -- flows are handed plain function references at
// construction and hold no back-reference to the Coordinator.
package coordinator

import (
	"crypto/md5"
	"fmt"
	"sync"

	"github.com/cmb-protocol/cmb/internal/fetcherflow"
	"github.com/cmb-protocol/cmb/internal/logging"
	"github.com/cmb-protocol/cmb/internal/protoerr"
	"github.com/cmb-protocol/cmb/internal/resource"
)

// FlowConfig describes one requested flow (spec §4.7 inputs).
type FlowConfig struct {
	PeerEndpoint string
	SendingRate  uint32
	Reverse      bool
}

// Coordinator owns the block store and the lifecycle of one fetch.
type Coordinator struct {
	log *logging.Logger

	resourceID resource.ID
	numBlocks  uint64

	mu       sync.Mutex
	blocks   [][]byte
	filled   int
	flows    []*fetcherflow.Flow
	flowDone []bool
	fatalErr error

	onCompleteOnce sync.Once
	onComplete     func([]byte, error)
}

// New creates a Coordinator for numFlows flows (1 or 2) fetching
// resourceID, which partitions into numBlocks blocks.
func New(log *logging.Logger, resourceID resource.ID, numBlocks uint64, numFlows int, onComplete func([]byte, error)) *Coordinator {
	return &Coordinator{
		log:        log,
		resourceID: resourceID,
		numBlocks:  numBlocks,
		blocks:     make([][]byte, numBlocks),
		flows:      make([]*fetcherflow.Flow, numFlows),
		flowDone:   make([]bool, numFlows),
		onComplete: onComplete,
	}
}

// RegisterFlow records flow at index idx so the coordinator can call
// NotifyBlockDelivered on the *other* flow when one flow delivers a
// block (spec §4.7 "if the other flow is active, call its send_stop").
// The flow itself receives only OnBlock/OnFatal as plain func values at
// construction -- it never references the Coordinator back.
func (c *Coordinator) RegisterFlow(idx int, flow *fetcherflow.Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[idx] = flow
}

// OnBlock returns the onBlock callback to pass to fetcherflow.New for
// flow idx.
func (c *Coordinator) OnBlock(idx int) func(blockID uint64, data []byte) {
	return func(blockID uint64, data []byte) {
		c.handleBlock(idx, blockID, data)
	}
}

// OnFatal returns the onFatal callback to pass to fetcherflow.New for
// flow idx.
func (c *Coordinator) OnFatal(idx int) func(error) {
	return func(err error) {
		c.handleFatal(idx, err)
	}
}

func (c *Coordinator) handleBlock(idx int, blockID uint64, data []byte) {
	c.mu.Lock()
	slot := blockID - 1
	alreadyFilled := c.blocks[slot] != nil
	if !alreadyFilled {
		c.blocks[slot] = data
		c.filled++
	}
	others := make([]*fetcherflow.Flow, 0, len(c.flows))
	for i, fl := range c.flows {
		if i != idx && fl != nil {
			others = append(others, fl)
		}
	}
	c.mu.Unlock()

	if alreadyFilled {
		return
	}
	for _, fl := range others {
		fl.NotifyBlockDelivered(blockID)
	}
	c.checkComplete()
}

func (c *Coordinator) handleFatal(idx int, err error) {
	c.mu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.flowDone[idx] = true
	c.mu.Unlock()
	c.finishOnce(nil, err)
}

// MarkFlowDone records that flow idx has terminated (its Tick returned
// false). Call this from the transport loop driving that flow.
func (c *Coordinator) MarkFlowDone(idx int) {
	c.mu.Lock()
	c.flowDone[idx] = true
	c.mu.Unlock()
	c.checkComplete()
}

func (c *Coordinator) allFlowsDone() bool {
	for _, done := range c.flowDone {
		if !done {
			return false
		}
	}
	return true
}

// checkComplete implements spec §4.7's completion condition: "all flows
// have terminated AND every slot in blocks is filled."
func (c *Coordinator) checkComplete() {
	c.mu.Lock()
	done := c.allFlowsDone() && uint64(c.filled) == c.numBlocks && c.fatalErr == nil
	var out []byte
	if done {
		out = make([]byte, 0, int(c.numBlocks)*resource.BlockSize)
		for _, b := range c.blocks {
			out = append(out, b...)
		}
	}
	c.mu.Unlock()
	if !done {
		return
	}

	sum := md5.Sum(out)
	if sum != c.resourceID.Hash {
		c.finishOnce(nil, fmt.Errorf("%w", protoerr.ErrHashMismatch))
		return
	}
	c.finishOnce(out, nil)
}

func (c *Coordinator) finishOnce(data []byte, err error) {
	c.onCompleteOnce.Do(func() {
		if c.onComplete != nil {
			c.onComplete(data, err)
		}
	})
}
