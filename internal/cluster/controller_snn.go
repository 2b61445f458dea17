package cluster

import (
	"fmt"
	"math"

	"github.com/neurofab/z1onyx/internal/proto"
	"github.com/neurofab/z1onyx/internal/snn"
)

// DeployTopology encodes neurons into a DEPLOY_TOPOLOGY payload (the wire
// encoding decodeTopologyPayload in node.go reverses) and waits for
// DEPLOY_ACK.
func (c *Controller) DeployTopology(dest uint8, neurons []snn.NeuronSpec) (int, error) {
	payload := []uint16{proto.OpcodeDeployTopology}
	payload = append(payload, encodeTopologyPayload(neurons)...)
	if err := c.sendCommand(dest, proto.StreamSNNConfig, payload); err != nil {
		return 0, err
	}
	f, err := c.awaitOpcode(dest, proto.StreamSNNConfig, proto.OpcodeDeployAck, commandTimeout)
	if err != nil {
		return 0, err
	}
	if len(f.Payload) < 2 {
		return 0, fmt.Errorf("cluster: short DEPLOY_ACK")
	}
	return int(f.Payload[1]), nil
}

func encodeTopologyPayload(neurons []snn.NeuronSpec) []uint16 {
	var out []uint16
	for _, spec := range neurons {
		thBits := math.Float32bits(spec.Threshold)
		lkBits := math.Float32bits(spec.Leak)
		flags := uint16(0)
		if spec.IsInput {
			flags |= 1
		}
		out = append(out, uint16(thBits), uint16(thBits>>16), uint16(lkBits), uint16(lkBits>>16), spec.RefractoryPeriod, flags, uint16(len(spec.Synapses)))
		for _, syn := range spec.Synapses {
			v := syn.Encode()
			out = append(out, uint16(v), uint16(v>>16))
		}
	}
	return out
}

func (c *Controller) snnControlRoundTrip(dest uint8, opcode uint16) error {
	if err := c.sendCommand(dest, proto.StreamSNNControl, []uint16{opcode}); err != nil {
		return err
	}
	_, err := c.awaitOpcode(dest, proto.StreamSNNControl, proto.OpcodeSNNControlAck, commandTimeout)
	return err
}

// StartSNN, StopSNN, PauseSNN, and ResumeSNN drive dest's SNN control
// opcodes (spec §4.3).
func (c *Controller) StartSNN(dest uint8) error  { return c.snnControlRoundTrip(dest, proto.OpcodeStartSNN) }
func (c *Controller) StopSNN(dest uint8) error   { return c.snnControlRoundTrip(dest, proto.OpcodeStopSNN) }
func (c *Controller) PauseSNN(dest uint8) error  { return c.snnControlRoundTrip(dest, proto.OpcodePauseSNN) }
func (c *Controller) ResumeSNN(dest uint8) error { return c.snnControlRoundTrip(dest, proto.OpcodeResumeSNN) }

// SNNStatus is the parsed form of a GET_SNN_STATUS response.
type SNNStatus struct {
	Running       bool
	NeuronCount   uint16
	ActiveNeurons uint16
	TotalSpikes   uint32
	SpikeRateHz   uint32
}

// GetSNNStatus queries dest's SNN status.
func (c *Controller) GetSNNStatus(dest uint8) (SNNStatus, error) {
	if err := c.sendCommand(dest, proto.StreamSNNControl, []uint16{proto.OpcodeGetSNNStatus}); err != nil {
		return SNNStatus{}, err
	}
	f, err := c.awaitOpcode(dest, proto.StreamSNNControl, proto.OpcodeSNNStatus, commandTimeout)
	if err != nil {
		return SNNStatus{}, err
	}
	if len(f.Payload) < 8 {
		return SNNStatus{}, fmt.Errorf("cluster: short GET_SNN_STATUS response")
	}
	return SNNStatus{
		Running:       f.Payload[1] != 0,
		NeuronCount:   f.Payload[2],
		ActiveNeurons: f.Payload[3],
		TotalSpikes:   uint32(f.Payload[4]) | uint32(f.Payload[5])<<16,
		SpikeRateHz:   uint32(f.Payload[6]) | uint32(f.Payload[7])<<16,
	}, nil
}
