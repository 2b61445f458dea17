package cluster

import (
	"fmt"
	"io"
	"time"

	"github.com/neurofab/z1onyx/internal/ota"
	"github.com/neurofab/z1onyx/internal/proto"
)

// OTA deadline constants, spec §4.3's state table.
const (
	otaReadyTimeout  = 2 * time.Second
	otaChunkTimeout  = 500 * time.Millisecond
	otaVerifyTimeout = 5 * time.Second
	otaCommitTimeout = 30 * time.Second
)

// DeployFirmware drives an entire OTA session against dest: UPDATE_START,
// every chunk (with the controller-side per-chunk retry budget
// ota.Controller already tracks), UPDATE_POLL for verify, UPDATE_COMMIT,
// and finally UPDATE_RESTART (spec §4.3's state table). sdCard selects the
// fixed 512-byte/3-retry variant used when streaming from an SD file
// rather than an HTTP body.
func (c *Controller) DeployFirmware(dest uint8, source io.Reader, sdCard bool) error {
	var ctrl *ota.Controller
	if sdCard {
		ctrl = ota.NewSDController(dest)
	} else {
		ctrl = ota.NewController(dest, ota.DefaultChunkSize)
	}
	if err := ctrl.Start(source); err != nil {
		return err
	}

	if err := c.sendCommand(dest, proto.StreamOTA, []uint16{
		proto.OpcodeUpdateStart,
		uint16(ctrl.TotalSize()), uint16(ctrl.TotalSize() >> 16),
		uint16(ctrl.ChunkSize()),
		uint16(ctrl.CRC32()), uint16(ctrl.CRC32() >> 16),
	}); err != nil {
		return err
	}
	readyResp, err := c.awaitOpcode(dest, proto.StreamOTA, proto.OpcodeUpdateReady, otaReadyTimeout)
	if err != nil {
		return fmt.Errorf("cluster: UPDATE_START: %w", err)
	}
	if len(readyResp.Payload) < 2 || readyResp.Payload[1] == 0 {
		return fmt.Errorf("cluster: UPDATE_START: worker rejected session")
	}

	for {
		index, data, done, err := ctrl.NextChunk()
		if err != nil {
			return fmt.Errorf("cluster: OTA chunk: %w", err)
		}
		if done {
			break
		}
		if err := c.sendChunk(dest, ctrl, index, data); err != nil {
			return err
		}
	}

	if err := c.sendCommand(dest, proto.StreamOTA, []uint16{proto.OpcodeUpdatePoll}); err != nil {
		return err
	}
	verifyResp, err := c.awaitOpcode(dest, proto.StreamOTA, proto.OpcodeUpdateVerifyResp, otaVerifyTimeout)
	if err != nil {
		return fmt.Errorf("cluster: UPDATE_POLL(verify): %w", err)
	}
	ok := len(verifyResp.Payload) > 1 && verifyResp.Payload[1] != 0
	if err := ctrl.HandleVerifyResp(ok); err != nil {
		return err
	}

	if err := c.sendCommand(dest, proto.StreamOTA, []uint16{proto.OpcodeUpdateCommit}); err != nil {
		return err
	}
	commitResp, err := c.awaitOpcode(dest, proto.StreamOTA, proto.OpcodeUpdateCommitResp, otaCommitTimeout)
	if err != nil {
		return fmt.Errorf("cluster: UPDATE_COMMIT: %w", err)
	}
	committed := len(commitResp.Payload) > 1 && commitResp.Payload[1] != 0
	if err := ctrl.HandleCommitResp(committed); err != nil {
		return err
	}

	return c.sendCommand(dest, proto.StreamOTA, []uint16{proto.OpcodeUpdateRestart})
}

func (c *Controller) sendChunk(dest uint8, ctrl *ota.Controller, index int, data []byte) error {
	payload := []uint16{proto.OpcodeUpdateDataChunk, uint16(index)}
	for i := 0; i < len(data); i += 2 {
		if i+1 < len(data) {
			payload = append(payload, uint16(data[i])|uint16(data[i+1])<<8)
		} else {
			payload = append(payload, uint16(data[i]))
		}
	}
	if err := c.sendCommand(dest, proto.StreamOTA, payload); err != nil {
		return err
	}
	if _, err := c.awaitOpcode(dest, proto.StreamOTA, proto.OpcodeUpdateAckChunk, otaChunkTimeout); err != nil {
		ctrl.HandleChunkTimeout(index)
		return nil
	}
	ctrl.HandleAckChunk(index)
	return nil
}
