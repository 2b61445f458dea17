package cluster

import "fmt"

// ClusterStatus is one node's status as reported to the cluster-status HTTP
// endpoint (spec §6), combining the topology table's liveness bookkeeping
// with a live READ_STATUS query.
type ClusterStatus struct {
	NodeID uint8
	Status
	Err string `json:",omitempty"`
}

// ClusterStatus queries READ_STATUS for every node the topology table
// currently knows about, collecting per-node errors rather than failing the
// whole call when one node doesn't answer.
func (c *Controller) ClusterStatus() []ClusterStatus {
	entries := c.topo.Snapshot()
	out := make([]ClusterStatus, 0, len(entries))
	for _, e := range entries {
		st, err := c.ReadStatus(e.NodeID)
		cs := ClusterStatus{NodeID: e.NodeID, Status: st}
		if err != nil {
			cs.Err = err.Error()
		}
		out = append(out, cs)
	}
	return out
}

// ClusterSNNStart, ClusterSNNStop, and ClusterSNNReset drive every
// known node's SNN control opcode, stopping at the first error so a caller
// can tell which node failed the fan-out (spec §6's "cluster SNN
// start/stop/status/reset").
func (c *Controller) ClusterSNNStart() error { return c.fanOutSNNControl(c.StartSNN) }
func (c *Controller) ClusterSNNStop() error  { return c.fanOutSNNControl(c.StopSNN) }

// ClusterSNNReset stops every node's SNN and redeploys an empty topology,
// clearing all neuron state (spec §6's "reset" has no opcode of its own;
// the worker side only ever clears state via DEPLOY_TOPOLOGY, so reset is
// expressed as stop-then-redeploy-empty).
func (c *Controller) ClusterSNNReset() error {
	for _, e := range c.topo.Snapshot() {
		if err := c.StopSNN(e.NodeID); err != nil {
			return fmt.Errorf("cluster: reset: stop node %d: %w", e.NodeID, err)
		}
		if _, err := c.DeployTopology(e.NodeID, nil); err != nil {
			return fmt.Errorf("cluster: reset: clear node %d: %w", e.NodeID, err)
		}
	}
	return nil
}

func (c *Controller) fanOutSNNControl(op func(uint8) error) error {
	for _, e := range c.topo.Snapshot() {
		if err := op(e.NodeID); err != nil {
			return fmt.Errorf("cluster: node %d: %w", e.NodeID, err)
		}
	}
	return nil
}

// ClusterSNNStatus queries GET_SNN_STATUS across every known node.
func (c *Controller) ClusterSNNStatus() []ClusterSNNStatusEntry {
	entries := c.topo.Snapshot()
	out := make([]ClusterSNNStatusEntry, 0, len(entries))
	for _, e := range entries {
		st, err := c.GetSNNStatus(e.NodeID)
		cs := ClusterSNNStatusEntry{NodeID: e.NodeID, SNNStatus: st}
		if err != nil {
			cs.Err = err.Error()
		}
		out = append(out, cs)
	}
	return out
}

// ClusterSNNStatusEntry is one node's SNN status in a cluster-wide query.
type ClusterSNNStatusEntry struct {
	NodeID uint8
	SNNStatus
	Err string `json:",omitempty"`
}
